package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/catalog"
	"github.com/raaihank/pii-scrubber/internal/privacy"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

func newDetector(t *testing.T) *privacy.Detector {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	return privacy.NewDetector(catalog.Static(cat), privacy.DefaultOptions(), zap.NewNop())
}

func newPool(t *testing.T, cfg workerpool.Config, exec workerpool.Executor) *workerpool.Pool {
	t.Helper()
	p, err := workerpool.New(cfg, exec, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(5 * time.Second) })
	return p
}

func TestProcessSequential(t *testing.T) {
	c := New(newDetector(t), nil, Config{}, nil)

	var updates []Progress
	c.OnProgress(func(p Progress) { updates = append(updates, p) })

	inputs := []Input{
		{ID: "first", Text: "a@x.io"},
		{ID: "second", Text: "nothing"},
		{ID: "third", Text: "123-45-6789 b@y.io"},
	}
	report, err := c.ProcessSequential(context.Background(), inputs)
	require.NoError(t, err)

	require.Len(t, report.Items, 3)
	for i, it := range report.Items {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, inputs[i].ID, it.ID)
		assert.NoError(t, it.Err)
	}
	assert.Equal(t, "[SSN_1] [EMAIL_1]", report.Items[2].Detection.Redacted)

	assert.Equal(t, 3, report.Stats.TotalInputs)
	assert.Equal(t, 0, report.Stats.FailedInputs)
	assert.Equal(t, 3, report.Stats.TotalMatches)
	assert.Equal(t, map[string]int{"EMAIL": 2, "SSN": 1}, report.Stats.MatchesByType)

	require.Len(t, updates, 3)
	for i, u := range updates {
		assert.Equal(t, i+1, u.Completed)
		assert.Equal(t, 3, u.Total)
		assert.Equal(t, report.BatchID, u.BatchID)
	}
	assert.NotEmpty(t, report.BatchID)
	assert.Equal(t, 3, updates[2].Matches)
}

func TestProcessSequentialCancelled(t *testing.T) {
	c := New(newDetector(t), nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.OnProgress(func(p Progress) {
		if p.Completed == 2 {
			cancel()
		}
	})

	report, err := c.ProcessSequential(ctx, TextInputs("a", "b", "c", "d"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, report.Items, 2)
}

func TestProcessParallelPreservesOrder(t *testing.T) {
	det := newDetector(t)
	// A tiny queue forces ErrQueueFull and exercises the retry path.
	p := newPool(t, workerpool.Config{NumWorkers: 4, MaxQueueSize: 2}, workerpool.NewDetectorExecutor(det))
	c := New(det, p, Config{}, nil)

	const n = 60
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("user%d@x.io", i)
	}

	report, err := c.ProcessParallel(context.Background(), TextInputs(texts...), 16)
	require.NoError(t, err)
	require.Len(t, report.Items, n)

	for i, it := range report.Items {
		require.NoError(t, it.Err)
		assert.Equal(t, i, it.Index)
		assert.Equal(t, texts[i], it.Detection.Placeholders["[EMAIL_1]"])
	}
	assert.Equal(t, n, report.Stats.TotalMatches)
	assert.Equal(t, n, report.Stats.MatchesByType["EMAIL"])
}

func TestProcessParallelDocuments(t *testing.T) {
	det := newDetector(t)
	p := newPool(t, workerpool.Config{NumWorkers: 2, MaxQueueSize: 8}, workerpool.NewDetectorExecutor(det))
	c := New(det, p, Config{}, nil)

	inputs := []Input{
		{ID: "doc", Document: &workerpool.Document{Name: "doc", Units: []string{"a@x.io", "123-45-6789"}}},
		{ID: "text", Text: "b@y.io"},
	}
	report, err := c.ProcessParallel(context.Background(), inputs, 0)
	require.NoError(t, err)

	require.NotNil(t, report.Items[0].Document)
	assert.Len(t, report.Items[0].Matches(), 2)
	assert.Len(t, report.Items[1].Matches(), 1)
	assert.Equal(t, 3, report.Stats.TotalMatches)
}

func TestProcessParallelRetryExhausted(t *testing.T) {
	release := make(chan struct{})
	gate := workerpool.ExecutorFunc(func(ctx context.Context, task workerpool.Task) (workerpool.Result, error) {
		<-release
		return workerpool.Result{Detection: &privacy.DetectionResult{}}, nil
	})
	p := newPool(t, workerpool.Config{NumWorkers: 1, MaxQueueSize: 1}, gate)
	c := New(newDetector(t), p, Config{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		RetryMaxElapsed:      50 * time.Millisecond,
	}, nil)

	go func() {
		time.Sleep(300 * time.Millisecond)
		close(release)
	}()

	report, err := c.ProcessParallel(context.Background(), TextInputs("a", "b", "c", "d", "e"), 5)
	require.NoError(t, err)

	queueFull := 0
	for _, it := range report.Items {
		if it.Err != nil {
			assert.True(t, errors.Is(it.Err, workerpool.ErrQueueFull))
			queueFull++
		}
	}
	assert.GreaterOrEqual(t, queueFull, 3)
	assert.Equal(t, queueFull, report.Stats.FailedInputs)
}

func TestProcessParallelWithoutPool(t *testing.T) {
	c := New(newDetector(t), nil, Config{}, nil)
	_, err := c.ProcessParallel(context.Background(), TextInputs("a"), 2)
	assert.ErrorIs(t, err, ErrNoPool)
}

func TestStream(t *testing.T) {
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("u%d@x.io", i)
	}
	inputs := TextInputs(texts...)

	t.Run("yields in order", func(t *testing.T) {
		c := New(newDetector(t), nil, Config{}, nil)
		var items []Item
		for it := range c.Stream(context.Background(), inputs, 3) {
			items = append(items, it)
		}
		require.Len(t, items, 10)
		for i, it := range items {
			assert.Equal(t, i, it.Index)
		}

		stats := Summarize(items, time.Second)
		assert.Equal(t, 10, stats.TotalMatches)
		assert.Equal(t, time.Second, stats.WallTime)
	})

	t.Run("stops with the consumer", func(t *testing.T) {
		c := New(newDetector(t), nil, Config{}, nil)
		processed := 0
		c.OnProgress(func(Progress) { processed++ })

		seen := 0
		for range c.Stream(context.Background(), inputs, 3) {
			seen++
			if seen == 4 {
				break
			}
		}
		assert.Equal(t, 4, seen)
		assert.Equal(t, 6, processed, "only the first two chunks run")
	})

	t.Run("restartable", func(t *testing.T) {
		c := New(newDetector(t), nil, Config{}, nil)
		seq := c.Stream(context.Background(), inputs, 4)

		first := 0
		for it := range seq {
			first = it.Index
			break
		}
		var indexes []int
		for it := range seq {
			indexes = append(indexes, it.Index)
		}
		assert.Equal(t, 0, first)
		assert.Len(t, indexes, 10)
		assert.Equal(t, 0, indexes[0])
	})

	t.Run("through the pool", func(t *testing.T) {
		det := newDetector(t)
		p := newPool(t, workerpool.Config{NumWorkers: 3, MaxQueueSize: 4}, workerpool.NewDetectorExecutor(det))
		c := New(det, p, Config{}, nil)

		i := 0
		for it := range c.Stream(context.Background(), inputs, 4) {
			require.NoError(t, it.Err)
			assert.Equal(t, i, it.Index)
			assert.Equal(t, texts[i], it.Detection.Placeholders["[EMAIL_1]"])
			i++
		}
		assert.Equal(t, 10, i)
	})

	t.Run("cancelled context", func(t *testing.T) {
		c := New(newDetector(t), nil, Config{}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		count := 0
		for range c.Stream(ctx, inputs, 3) {
			count++
		}
		assert.Zero(t, count)
	})
}

func TestSummarize(t *testing.T) {
	items := []Item{
		{Elapsed: 10 * time.Millisecond, Detection: &privacy.DetectionResult{Matches: []privacy.Match{{Type: "EMAIL"}}}},
		{Elapsed: 30 * time.Millisecond, Err: errors.New("boom")},
	}
	s := Summarize(items, 50*time.Millisecond)
	assert.Equal(t, 2, s.TotalInputs)
	assert.Equal(t, 1, s.FailedInputs)
	assert.Equal(t, 1, s.TotalMatches)
	assert.Equal(t, 40*time.Millisecond, s.TotalElapsed)
	assert.Equal(t, 20*time.Millisecond, s.AveragePerInput)

	empty := Summarize(nil, 0)
	assert.Zero(t, empty.AveragePerInput)
	assert.NotNil(t, empty.MatchesByType)
}
