package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultMaxQueueSize bounds the pending queue when Config leaves it unset.
const DefaultMaxQueueSize = 1024

// Config sizes the pool.
type Config struct {
	// NumWorkers defaults to runtime.NumCPU().
	NumWorkers int `mapstructure:"num_workers"`
	// MaxQueueSize defaults to DefaultMaxQueueSize.
	MaxQueueSize int `mapstructure:"max_queue_size"`

	// Registerer receives the pool's Prometheus collectors when non-nil.
	Registerer prometheus.Registerer `mapstructure:"-"`
	Namespace  string                `mapstructure:"-"`
}

// WorkerState is the lifecycle state of a single worker.
type WorkerState string

const (
	StateIdle       WorkerState = "idle"
	StateBusy       WorkerState = "busy"
	StateTerminated WorkerState = "terminated"
)

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Workers        int           `json:"workers"`
	Busy           int           `json:"busy"`
	Queued         int           `json:"queued"`
	Pending        int           `json:"pending"`
	Processed      uint64        `json:"processed"`
	Failed         uint64        `json:"failed"`
	Faults         uint64        `json:"faults"`
	Rejected       uint64        `json:"rejected"`
	TotalElapsed   time.Duration `json:"totalElapsed"`
	AverageElapsed time.Duration `json:"averageElapsed"`
}

type job struct {
	task     Task
	enqueued time.Time
}

// Handle is the caller's side of a submitted task.
type Handle struct {
	ID     string
	done   chan struct{}
	once   sync.Once
	result Result
}

func newHandle(id string) *Handle {
	return &Handle{ID: id, done: make(chan struct{})}
}

func (h *Handle) complete(res Result) {
	h.once.Do(func() {
		h.result = res
		close(h.done)
	})
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task's result is available or ctx is done. The
// returned error is the task's error, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return Result{ID: h.ID}, ctx.Err()
	}
}

// Pool runs tasks on a fixed number of goroutine workers fed from a bounded
// FIFO queue. Every submitter receives exactly the result of its own task.
type Pool struct {
	size   int
	exec   Executor
	logger *zap.Logger
	m      *metrics

	queue chan *job

	// mu guards closed, workers, nextWorker and pending. Submissions enqueue
	// while holding it so that Shutdown cannot close the queue underneath.
	mu         sync.Mutex
	closed     bool
	workers    map[int]WorkerState
	nextWorker int
	pending    map[string]*Handle

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed    atomic.Uint64
	failed       atomic.Uint64
	faults       atomic.Uint64
	rejected     atomic.Uint64
	totalElapsed atomic.Int64
}

// New starts a pool. The executor's context is cancelled only when Shutdown
// times out.
func New(cfg Config, exec Executor, logger *zap.Logger) (*Pool, error) {
	if exec == nil {
		return nil, fmt.Errorf("workerpool: executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:    cfg.NumWorkers,
		exec:    exec,
		logger:  logger,
		queue:   make(chan *job, cfg.MaxQueueSize),
		workers: make(map[int]WorkerState, cfg.NumWorkers),
		pending: make(map[string]*Handle),
		ctx:     ctx,
		cancel:  cancel,
	}

	m, err := newMetrics(cfg.Registerer, cfg.Namespace, func() float64 { return float64(len(p.queue)) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("registering pool metrics: %w", err)
	}
	p.m = m

	p.mu.Lock()
	for i := 0; i < cfg.NumWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	logger.Info("Worker pool started",
		zap.Int("workers", cfg.NumWorkers),
		zap.Int("max_queue_size", cfg.MaxQueueSize),
	)

	return p, nil
}

func (p *Pool) spawnLocked() {
	id := p.nextWorker
	p.nextWorker++
	p.workers[id] = StateIdle
	p.wg.Add(1)
	go p.runWorker(id)
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		if !p.process(id, j) {
			return
		}
	}
}

// process runs one job. It reports false when the worker faulted and must
// exit; a replacement has already been started by then.
func (p *Pool) process(id int, j *job) (healthy bool) {
	p.setState(id, StateBusy)
	p.m.busy(1)
	start := time.Now()

	defer func() {
		p.m.busy(-1)
		r := recover()
		if r == nil {
			return
		}

		elapsed := time.Since(start)
		fault := &WorkerFaultError{WorkerID: id, TaskID: j.task.ID, Panic: r}
		p.logger.Error("Worker panicked, replacing it",
			zap.Int("worker_id", id),
			zap.String("task_id", j.task.ID),
			zap.Error(fault),
		)

		p.faults.Add(1)
		p.failed.Add(1)
		p.totalElapsed.Add(int64(elapsed))
		p.m.incFaults()
		p.m.observeTask("fault", elapsed.Seconds())

		p.mu.Lock()
		p.workers[id] = StateTerminated
		p.spawnLocked()
		p.mu.Unlock()

		p.resolve(Result{ID: j.task.ID, Err: fault, Elapsed: elapsed, WorkerID: id})
		healthy = false
	}()

	var (
		res Result
		err error
	)
	if ctxErr := p.ctx.Err(); ctxErr != nil {
		err = ErrPoolClosed
	} else {
		res, err = p.exec.Execute(p.ctx, j.task)
	}

	elapsed := time.Since(start)
	res.ID = j.task.ID
	res.WorkerID = id
	res.Elapsed = elapsed
	res.Err = err

	p.processed.Add(1)
	p.totalElapsed.Add(int64(elapsed))
	outcome := "ok"
	if err != nil {
		p.failed.Add(1)
		outcome = "error"
	}
	p.m.observeTask(outcome, elapsed.Seconds())

	p.logger.Debug("Task completed",
		zap.String("task_id", j.task.ID),
		zap.Int("worker_id", id),
		zap.Duration("queue_wait", start.Sub(j.enqueued)),
		zap.Duration("elapsed", elapsed),
		zap.Bool("failed", err != nil),
	)

	p.setState(id, StateIdle)
	p.resolve(res)
	return true
}

func (p *Pool) setState(id int, state WorkerState) {
	p.mu.Lock()
	p.workers[id] = state
	p.mu.Unlock()
}

// resolve delivers res to the handle registered under res.ID, if it is still
// waiting.
func (p *Pool) resolve(res Result) {
	p.mu.Lock()
	h, ok := p.pending[res.ID]
	delete(p.pending, res.ID)
	p.mu.Unlock()

	if ok {
		h.complete(res)
	}
}

// Submit enqueues a task without blocking. It fails with ErrQueueFull when
// the queue is at capacity, ErrPoolClosed after Shutdown and
// ErrDuplicateTask when the ID is already pending.
func (p *Pool) Submit(task Task) (*Handle, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if _, dup := p.pending[task.ID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	h := newHandle(task.ID)
	select {
	case p.queue <- &job{task: task, enqueued: time.Now()}:
		p.pending[task.ID] = h
		return h, nil
	default:
		p.rejected.Add(1)
		p.m.incRejected()
		return nil, ErrQueueFull
	}
}

// Execute submits task and waits for its result.
func (p *Pool) Execute(ctx context.Context, task Task) (Result, error) {
	h, err := p.Submit(task)
	if err != nil {
		return Result{ID: task.ID, Err: err}, err
	}
	return h.Wait(ctx)
}

// Shutdown stops intake and waits up to timeout for queued and in-flight
// tasks to finish. On timeout the executors' context is cancelled, every
// caller still waiting receives ErrPoolClosed and ErrShutdownTimeout is
// returned. Calling Shutdown again is a no-op.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped", zap.Uint64("processed", p.processed.Load()))
		return nil
	case <-timer.C:
		abandoned := p.failPending(ErrPoolClosed)
		p.cancel()
		p.logger.Warn("Worker pool shutdown timed out",
			zap.Duration("timeout", timeout),
			zap.Int("abandoned", abandoned),
		)
		return ErrShutdownTimeout
	}
}

func (p *Pool) failPending(err error) int {
	p.mu.Lock()
	handles := p.pending
	p.pending = make(map[string]*Handle)
	p.mu.Unlock()

	for id, h := range handles {
		h.complete(Result{ID: id, Err: err})
	}
	return len(handles)
}

// Size returns the configured number of workers.
func (p *Pool) Size() int {
	return p.size
}

// WorkerStates returns a snapshot of every worker ever started, including
// terminated ones.
func (p *Pool) WorkerStates() map[int]WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]WorkerState, len(p.workers))
	for id, s := range p.workers {
		out[id] = s
	}
	return out
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Queued:  len(p.queue),
		Pending: len(p.pending),
	}
	for _, state := range p.workers {
		switch state {
		case StateBusy:
			s.Busy++
			s.Workers++
		case StateIdle:
			s.Workers++
		}
	}
	p.mu.Unlock()

	s.Processed = p.processed.Load()
	s.Failed = p.failed.Load()
	s.Faults = p.faults.Load()
	s.Rejected = p.rejected.Load()
	s.TotalElapsed = time.Duration(p.totalElapsed.Load())

	if done := s.Processed + s.Faults; done > 0 {
		s.AverageElapsed = s.TotalElapsed / time.Duration(done)
	}
	return s
}
