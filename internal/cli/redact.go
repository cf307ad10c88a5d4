package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raaihank/pii-scrubber/internal/privacy"
)

type redactOutput struct {
	Redacted     string            `json:"redacted"`
	Matches      []privacy.Match   `json:"matches"`
	Placeholders map[string]string `json:"placeholders"`
}

func newRedactCmd(opts *rootOptions) *cobra.Command {
	var (
		input       string
		mappingPath string
		asJSON      bool
		seed        int
	)

	cmd := &cobra.Command{
		Use:   "redact [text]",
		Short: "Redact PII from text, a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			text, err := readText(cmd, args, input)
			if err != nil {
				return err
			}

			detector, _, err := newDetector(cfg, log)
			if err != nil {
				return err
			}
			runOpts := detector.Options()
			if cmd.Flags().Changed("seed") {
				runOpts.PlaceholderSeed = seed
			}

			res, err := detector.DetectWithOptions(cmd.Context(), text, runOpts)
			if err != nil {
				return err
			}

			if mappingPath != "" {
				if err := writeMapping(mappingPath, res.Placeholders); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(redactOutput{Redacted: res.Redacted, Matches: res.Matches, Placeholders: res.Placeholders})
			}
			_, err = io.WriteString(out, res.Redacted)
			return err
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Read text from file ('-' for stdin)")
	cmd.Flags().StringVar(&mappingPath, "mapping", "", "Write the placeholder mapping to this JSON file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print matches and placeholders as JSON")
	cmd.Flags().IntVar(&seed, "seed", 1, "First placeholder counter value")

	return cmd
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	var (
		input       string
		mappingPath string
	)

	cmd := &cobra.Command{
		Use:   "restore [text]",
		Short: "Restore redacted text from a placeholder mapping",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, args, input)
			if err != nil {
				return err
			}
			placeholders, err := readMapping(mappingPath)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), privacy.Restore(text, placeholders))
			return err
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Read text from file ('-' for stdin)")
	cmd.Flags().StringVar(&mappingPath, "mapping", "", "Placeholder mapping JSON file written by redact")
	_ = cmd.MarkFlagRequired("mapping")

	return cmd
}

// readText takes the text from the positional argument, the input file or
// stdin, in that order.
func readText(cmd *cobra.Command, args []string, input string) (string, error) {
	if len(args) == 1 {
		if input != "" {
			return "", fmt.Errorf("give either a text argument or --input, not both")
		}
		return args[0], nil
	}

	var r io.Reader = cmd.InOrStdin()
	if input != "" && input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return "", fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, r); err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return sb.String(), nil
}

func writeMapping(path string, placeholders map[string]string) error {
	data, err := json.MarshalIndent(placeholders, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write mapping: %w", err)
	}
	return nil
}

func readMapping(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	var placeholders map[string]string
	if err := json.Unmarshal(data, &placeholders); err != nil {
		return nil, fmt.Errorf("invalid mapping file %s: %w", path, err)
	}
	return placeholders, nil
}
