package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/batch"
	"github.com/raaihank/pii-scrubber/internal/dataset"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

type batchFlags struct {
	input     string
	output    string
	format    string
	textField string
	idField   string
	maxBytes  int
	workers   int
	chunkSize int
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	flags := &batchFlags{}

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Redact every record of a CSV, JSONL or Parquet dataset",
		Example: `  scrubber batch --input dataset.csv --output redacted.jsonl
  scrubber batch --input dataset.parquet --workers 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Pool.NumWorkers = flags.workers
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			format, err := dataset.ParseFormat(flags.format, flags.input)
			if err != nil {
				return err
			}
			reader := dataset.NewReader(dataset.Options{
				TextField:    flags.textField,
				IDField:      flags.idField,
				MaxTextBytes: flags.maxBytes,
			}, log.WithComponent("dataset").Logger)
			records, err := reader.ReadFile(flags.input, format)
			if err != nil {
				return err
			}

			detector, _, err := newDetector(cfg, log)
			if err != nil {
				return err
			}
			pool, err := workerpool.New(cfg.Pool.WorkerConfig(), workerpool.NewDetectorExecutor(detector), log.WithComponent("workerpool").Logger)
			if err != nil {
				return err
			}
			defer func() { _ = pool.Shutdown(cfg.Pool.ShutdownTimeout) }()

			var out io.Writer = cmd.OutOrStdout()
			if flags.output != "" && flags.output != "-" {
				f, err := os.Create(flags.output)
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			coordinator := batch.New(detector, pool, cfg.Batch, log.WithComponent("batch").Logger)
			writer := dataset.NewJSONLWriter(out)

			start := time.Now()
			items := make([]batch.Item, 0, len(records))
			for it := range coordinator.Stream(cmd.Context(), dataset.Inputs(records), flags.chunkSize) {
				if err := writer.Write(dataset.NewOutputRecord(it)); err != nil {
					return err
				}
				items = append(items, it)
			}
			if err := cmd.Context().Err(); err != nil {
				return err
			}

			stats := batch.Summarize(items, time.Since(start))
			log.Info("Dataset processing completed",
				zap.String("file", flags.input),
				zap.Int("records", stats.TotalInputs),
				zap.Int("failed", stats.FailedInputs),
				zap.Int("matches", stats.TotalMatches),
				zap.Any("types", stats.MatchesByType),
				zap.Duration("wall_time", stats.WallTime),
			)
			printStats(cmd.ErrOrStderr(), stats)
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.input, "input", "i", "", "Input dataset file (CSV, JSONL or Parquet)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output JSONL file (default stdout)")
	cmd.Flags().StringVar(&flags.format, "format", "auto", "Input format: auto, csv, jsonl or parquet")
	cmd.Flags().StringVar(&flags.textField, "text-field", "text", "Column or field holding the text")
	cmd.Flags().StringVar(&flags.idField, "id-field", "id", "Column or field holding the record ID")
	cmd.Flags().IntVar(&flags.maxBytes, "max-text-bytes", 0, "Skip records with longer texts (0 for no limit)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Worker pool size (0 uses the CPU count)")
	cmd.Flags().IntVar(&flags.chunkSize, "chunk-size", 0, "Records per chunk (0 uses the configured default)")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func printStats(w io.Writer, s batch.Stats) {
	fmt.Fprintf(w, "\n=== Batch Statistics ===\n")
	fmt.Fprintf(w, "Records:        %d\n", s.TotalInputs)
	fmt.Fprintf(w, "Failed:         %d\n", s.FailedInputs)
	fmt.Fprintf(w, "Matches:        %d\n", s.TotalMatches)
	for typ, n := range s.MatchesByType {
		fmt.Fprintf(w, "  %-12s  %d\n", typ, n)
	}
	fmt.Fprintf(w, "Wall Time:      %v\n", s.WallTime.Round(time.Millisecond))
	fmt.Fprintf(w, "Avg per Record: %v\n", s.AveragePerInput)
}
