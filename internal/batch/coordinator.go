package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/privacy"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

// ErrNoPool is returned by ProcessParallel on a coordinator built without a
// worker pool.
var ErrNoPool = errors.New("batch: no worker pool configured")

// Coordinator drives batches of inputs through the detection engine, either
// inline or through a worker pool.
type Coordinator struct {
	exec     workerpool.Executor
	pool     *workerpool.Pool
	cfg      Config
	logger   *zap.Logger
	progress ProgressFunc
}

// New creates a coordinator. pool may be nil, in which case only the
// sequential paths are available.
func New(detector *privacy.Detector, p *workerpool.Pool, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = defaults.RetryMaxInterval
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = defaults.RetryMaxElapsed
	}

	return &Coordinator{
		exec:   workerpool.NewDetectorExecutor(detector),
		pool:   p,
		cfg:    cfg,
		logger: logger,
	}
}

// OnProgress sets the progress callback. It must be called before any batch
// is started.
func (c *Coordinator) OnProgress(fn ProgressFunc) {
	c.progress = fn
}

// ProcessSequential processes inputs one at a time on the calling goroutine.
// It stops early when ctx is cancelled and returns the items completed so far
// together with ctx.Err().
func (c *Coordinator) ProcessSequential(ctx context.Context, inputs []Input) (*Report, error) {
	start := time.Now()
	batchID := uuid.NewString()
	tracker := c.newTracker(batchID, len(inputs), start)

	items := make([]Item, 0, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return c.report(batchID, items, start), err
		}
		it := c.runInline(ctx, batchID, i, in)
		items = append(items, it)
		tracker.record(it)
	}

	report := c.report(batchID, items, start)
	c.logDone("sequential", report.Stats)
	return report, nil
}

// ProcessParallel processes inputs through the worker pool with at most
// maxConcurrency inputs in flight (0 means the configured default). Items
// come back in input order. A submission rejected with ErrQueueFull is
// retried with exponential backoff.
func (c *Coordinator) ProcessParallel(ctx context.Context, inputs []Input, maxConcurrency int) (*Report, error) {
	if c.pool == nil {
		return nil, ErrNoPool
	}

	start := time.Now()
	batchID := uuid.NewString()
	items := c.fanOut(ctx, batchID, inputs, 0, maxConcurrency, c.newTracker(batchID, len(inputs), start))

	report := c.report(batchID, items, start)
	c.logDone("parallel", report.Stats)
	return report, ctx.Err()
}

// Stream lazily processes inputs chunkSize at a time (0 means the configured
// default) and yields items in input order. Processing stops as soon as the
// consumer stops ranging; ranging again starts over from the first input.
func (c *Coordinator) Stream(ctx context.Context, inputs []Input, chunkSize int) iter.Seq[Item] {
	if chunkSize <= 0 {
		chunkSize = c.cfg.ChunkSize
	}

	return func(yield func(Item) bool) {
		start := time.Now()
		batchID := uuid.NewString()
		tracker := c.newTracker(batchID, len(inputs), start)

		for lo := 0; lo < len(inputs); lo += chunkSize {
			if ctx.Err() != nil {
				return
			}
			hi := min(lo+chunkSize, len(inputs))

			var chunk []Item
			if c.pool != nil {
				chunk = c.fanOut(ctx, batchID, inputs[lo:hi], lo, 0, tracker)
			} else {
				chunk = make([]Item, 0, hi-lo)
				for i := lo; i < hi; i++ {
					it := c.runInline(ctx, batchID, i, inputs[i])
					tracker.record(it)
					chunk = append(chunk, it)
				}
			}

			for _, it := range chunk {
				if !yield(it) {
					return
				}
			}
		}
	}
}

// fanOut runs inputs through the pool. offset is the index of inputs[0] in
// the full batch.
func (c *Coordinator) fanOut(ctx context.Context, batchID string, inputs []Input, offset, maxConcurrency int, tracker *tracker) []Item {
	if maxConcurrency <= 0 {
		maxConcurrency = c.cfg.MaxConcurrency
	}
	if maxConcurrency <= 0 {
		maxConcurrency = c.pool.Size()
	}

	items := make([]Item, len(inputs))
	p := pool.New().WithMaxGoroutines(maxConcurrency)
	for i, in := range inputs {
		p.Go(func() {
			it := c.runPooled(ctx, batchID, offset+i, in)
			items[i] = it
			tracker.record(it)
		})
	}
	p.Wait()
	return items
}

func (c *Coordinator) runInline(ctx context.Context, batchID string, index int, in Input) Item {
	started := time.Now()
	res, err := c.exec.Execute(ctx, in.task(taskID(batchID, index)))
	return Item{
		Index:     index,
		ID:        in.ID,
		Detection: res.Detection,
		Document:  res.Document,
		Err:       err,
		Elapsed:   time.Since(started),
	}
}

func (c *Coordinator) runPooled(ctx context.Context, batchID string, index int, in Input) Item {
	task := in.task(taskID(batchID, index))

	var h *workerpool.Handle
	submit := func() error {
		var err error
		h, err = c.pool.Submit(task)
		if err != nil && !errors.Is(err, workerpool.ErrQueueFull) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Pool queue full, retrying submission",
			zap.Int("index", index),
			zap.Duration("backoff", wait),
		)
	}

	if err := backoff.RetryNotify(submit, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return Item{Index: index, ID: in.ID, Err: fmt.Errorf("submitting input %d: %w", index, err)}
	}

	res, err := h.Wait(ctx)
	return Item{
		Index:     index,
		ID:        in.ID,
		Detection: res.Detection,
		Document:  res.Document,
		Err:       err,
		Elapsed:   res.Elapsed,
	}
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval
	b.MaxInterval = c.cfg.RetryMaxInterval
	b.MaxElapsedTime = c.cfg.RetryMaxElapsed
	b.Reset()
	return b
}

func (c *Coordinator) report(batchID string, items []Item, start time.Time) *Report {
	return &Report{BatchID: batchID, Items: items, Stats: Summarize(items, time.Since(start))}
}

func (c *Coordinator) logDone(mode string, s Stats) {
	c.logger.Info("Batch completed",
		zap.String("mode", mode),
		zap.Int("total_inputs", s.TotalInputs),
		zap.Int("failed_inputs", s.FailedInputs),
		zap.Int("total_matches", s.TotalMatches),
		zap.Duration("wall_time", s.WallTime),
		zap.Duration("avg_per_input", s.AveragePerInput),
	)
}

func taskID(batchID string, index int) string {
	return fmt.Sprintf("%s-%d", batchID, index)
}

// tracker aggregates progress across concurrently completing inputs.
type tracker struct {
	mu       sync.Mutex
	state    Progress
	start    time.Time
	fn       ProgressFunc
	logger   *zap.Logger
	logEvery int
}

func (c *Coordinator) newTracker(batchID string, total int, start time.Time) *tracker {
	return &tracker{
		state:    Progress{BatchID: batchID, Total: total},
		start:    start,
		fn:       c.progress,
		logger:   c.logger,
		logEvery: c.cfg.ProgressLogEvery,
	}
}

func (t *tracker) record(it Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Completed++
	if it.Err != nil {
		t.state.Failed++
	} else {
		t.state.Matches += len(it.Matches())
	}
	t.state.Elapsed = time.Since(t.start)

	if t.logEvery > 0 && t.state.Completed%t.logEvery == 0 {
		rate := float64(t.state.Completed) / t.state.Elapsed.Seconds()
		t.logger.Info("Processing progress",
			zap.Int("completed", t.state.Completed),
			zap.Int("total", t.state.Total),
			zap.Int("failed", t.state.Failed),
			zap.Float64("rate_per_sec", rate),
			zap.Duration("elapsed", t.state.Elapsed),
		)
	}

	if t.fn != nil {
		t.fn(t.state)
	}
}
