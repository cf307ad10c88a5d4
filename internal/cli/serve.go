package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/catalog"
	"github.com/raaihank/pii-scrubber/internal/config"
	"github.com/raaihank/pii-scrubber/internal/logger"
	"github.com/raaihank/pii-scrubber/internal/server"
	"github.com/raaihank/pii-scrubber/internal/telemetry"
	"github.com/raaihank/pii-scrubber/internal/vault"
	"github.com/raaihank/pii-scrubber/internal/websocket"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

const shutdownGrace = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host    string
		port    int
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("workers") {
				cfg.Pool.NumWorkers = workers
			}
			return serve(cmd.Context(), opts, cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (0 uses the CPU count)")

	return cmd
}

func serve(ctx context.Context, opts *rootOptions, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting PII scrubber",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	detector, watcher, err := newDetector(cfg, log)
	if err != nil {
		return err
	}
	if cfg.Catalog.Watch {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Error("Catalog watcher stopped", zap.Error(err))
			}
		}()
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	reload := &reloader{opts: opts, log: log, watcher: watcher, started: *cfg}
	if _, err := config.Watch(opts.ConfigPath, log.WithComponent("config").Logger, reload.apply); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	poolCfg := cfg.Pool.WorkerConfig()
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		poolCfg.Registerer = registry
		poolCfg.Namespace = cfg.Metrics.Namespace
	}

	pool, err := workerpool.New(poolCfg, workerpool.NewDetectorExecutor(detector), log.WithComponent("workerpool").Logger)
	if err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	var store vault.Store
	if cfg.Vault.Enabled {
		store, err = vault.New(cfg.Vault, log.WithComponent("vault").Logger)
		if err != nil {
			_ = pool.Shutdown(cfg.Pool.ShutdownTimeout)
			return fmt.Errorf("failed to open vault: %w", err)
		}
		defer store.Close()
	}

	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(cfg.WebSocket.HubConfig, log.Logger)
	}

	srv, err := server.New(server.Options{
		Config:   cfg,
		Detector: detector,
		Pool:     pool,
		Vault:    store,
		Hub:      hub,
		Gatherer: registry,
		Logger:   log,
		Version:  version,
	})
	if err != nil {
		_ = pool.Shutdown(cfg.Pool.ShutdownTimeout)
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start(ctx)
	}()

	var runErr error
	select {
	case runErr = <-serverErrors:
		log.Error("Server error", zap.Error(runErr))
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Failed to shutdown server gracefully", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	if err := pool.Shutdown(cfg.Pool.ShutdownTimeout); err != nil {
		log.Error("Worker pool did not drain", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	log.Info("Server shutdown complete")
	return runErr
}

// reloader applies revisions of the config file to a running server. The
// log level and the catalog selection change live; the rest is bound at
// startup.
type reloader struct {
	opts    *rootOptions
	log     *logger.Logger
	watcher *catalog.Watcher
	started config.Config
}

func (r *reloader) apply(next *config.Config) {
	r.opts.apply(next)
	if err := r.log.SetLevel(next.Logging.Level); err != nil {
		r.log.Warn("Ignoring log level change", zap.Error(err))
	}
	if err := r.watcher.SetOptions(next.Catalog.LoadOptions()); err != nil {
		r.log.Warn("Catalog change rejected, keeping previous catalog", zap.Error(err))
	}
	if next.Engine != r.started.Engine || next.Server != r.started.Server ||
		next.Pool != r.started.Pool || next.Vault != r.started.Vault {
		r.log.Warn("Engine, server, pool and vault settings change on restart")
	}
}

func newHealthCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server and exit non-zero when it is unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check failed: HTTP %d", resp.StatusCode)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Health check passed")
			return err
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/health", "Health endpoint")
	return cmd
}
