package batch

import (
	"time"

	"github.com/raaihank/pii-scrubber/internal/privacy"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

// Input is one entry of a batch: either a plain text or a document.
type Input struct {
	ID       string               `json:"id,omitempty"`
	Text     string               `json:"text,omitempty"`
	Document *workerpool.Document `json:"document,omitempty"`
}

func (in Input) task(id string) workerpool.Task {
	if in.Document != nil {
		return workerpool.Task{ID: id, Kind: workerpool.KindDocument, Document: in.Document}
	}
	return workerpool.Task{ID: id, Kind: workerpool.KindDetect, Text: in.Text}
}

// TextInputs wraps plain strings as inputs.
func TextInputs(texts ...string) []Input {
	inputs := make([]Input, len(texts))
	for i, t := range texts {
		inputs[i] = Input{Text: t}
	}
	return inputs
}

// Item is the outcome for the input at Index.
type Item struct {
	Index     int
	ID        string
	Detection *privacy.DetectionResult
	Document  *workerpool.DocumentResult
	Err       error
	Elapsed   time.Duration
}

// Matches returns every match of the item, across document units if any.
func (it Item) Matches() []privacy.Match {
	switch {
	case it.Detection != nil:
		return it.Detection.Matches
	case it.Document != nil:
		var all []privacy.Match
		for _, u := range it.Document.Units {
			all = append(all, u.Matches...)
		}
		return all
	default:
		return nil
	}
}

// Stats summarizes a batch run.
type Stats struct {
	TotalInputs     int            `json:"totalInputs"`
	FailedInputs    int            `json:"failedInputs"`
	TotalMatches    int            `json:"totalMatches"`
	MatchesByType   map[string]int `json:"matchesByType"`
	TotalElapsed    time.Duration  `json:"totalElapsed"`
	AveragePerInput time.Duration  `json:"averagePerInput"`
	WallTime        time.Duration  `json:"wallTime"`
}

func newStats() Stats {
	return Stats{MatchesByType: make(map[string]int)}
}

func (s *Stats) add(it Item) {
	s.TotalInputs++
	s.TotalElapsed += it.Elapsed
	if it.Err != nil {
		s.FailedInputs++
		return
	}
	for _, m := range it.Matches() {
		s.TotalMatches++
		s.MatchesByType[m.Type]++
	}
}

func (s *Stats) finish(wall time.Duration) {
	s.WallTime = wall
	if s.TotalInputs > 0 {
		s.AveragePerInput = s.TotalElapsed / time.Duration(s.TotalInputs)
	}
}

// Summarize computes stats for items collected from Stream.
func Summarize(items []Item, wall time.Duration) Stats {
	s := newStats()
	for _, it := range items {
		s.add(it)
	}
	s.finish(wall)
	return s
}

// Report is the result of ProcessSequential and ProcessParallel. Items are in
// input order.
type Report struct {
	BatchID string
	Items   []Item
	Stats   Stats
}

// Progress is passed to the progress callback after each input completes.
type Progress struct {
	BatchID   string        `json:"batchId"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Failed    int           `json:"failed"`
	Matches   int           `json:"matches"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ProgressFunc receives progress updates. Calls are serialized.
type ProgressFunc func(Progress)

// Config tunes the coordinator.
type Config struct {
	// MaxConcurrency bounds in-flight inputs for ProcessParallel when the
	// caller passes 0. Defaults to the pool size.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// ChunkSize is the Stream chunk size when the caller passes 0.
	ChunkSize int `mapstructure:"chunk_size"`
	// ProgressLogEvery logs progress every N inputs; 0 disables it.
	ProgressLogEvery int `mapstructure:"progress_log_every"`

	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
	// RetryMaxElapsed bounds how long a QueueFull submission is retried.
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:            100,
		ProgressLogEvery:     1000,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     250 * time.Millisecond,
		RetryMaxElapsed:      30 * time.Second,
	}
}
