package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raaihank/pii-scrubber/internal/catalog"
	"github.com/raaihank/pii-scrubber/internal/config"
	"github.com/raaihank/pii-scrubber/internal/logger"
	"github.com/raaihank/pii-scrubber/internal/privacy"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// SetBuildInfo records the values stamped in by the linker.
func SetBuildInfo(v, c, d string) {
	if v != "" {
		version = v
	}
	if c != "" {
		commit = c
	}
	if d != "" {
		date = d
	}
}

// Execute builds the root command tree and runs the CLI.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCmd returns the scrubber command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "scrubber",
		Short:         "Detect, redact and restore PII in text",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetVersionTemplate("pii-scrubber {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newRedactCmd(opts),
		newRestoreCmd(opts),
		newBatchCmd(opts),
		newCatalogCmd(opts),
		newHealthCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	o.apply(cfg)
	return cfg, nil
}

func (o *rootOptions) apply(cfg *config.Config) {
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// newDetector loads the configured catalog behind a watcher so that serve can
// hot-reload it; one-shot commands just never start the watch loop.
func newDetector(cfg *config.Config, log *logger.Logger) (*privacy.Detector, *catalog.Watcher, error) {
	watcher, err := catalog.NewWatcher(cfg.Catalog.LoadOptions(), log.WithComponent("catalog").Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load pattern catalog: %w", err)
	}
	detector := privacy.NewDetector(watcher, cfg.Engine.Options(), log.WithComponent("detector").Logger)
	return detector, watcher, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "pii-scrubber %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
