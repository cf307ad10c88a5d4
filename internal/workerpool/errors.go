package workerpool

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Submit when the pending queue is at capacity.
	// It is safe to retry.
	ErrQueueFull = errors.New("workerpool: queue full")
	// ErrPoolClosed is returned by Submit after Shutdown, and delivered to
	// callers whose tasks were abandoned by a shutdown timeout.
	ErrPoolClosed = errors.New("workerpool: pool closed")
	// ErrShutdownTimeout is returned by Shutdown when in-flight work did not
	// finish in time.
	ErrShutdownTimeout = errors.New("workerpool: shutdown timed out")
	// ErrDuplicateTask is returned by Submit when a task with the same ID is
	// still pending.
	ErrDuplicateTask = errors.New("workerpool: duplicate task id")
	// ErrWorkerFault matches any *WorkerFaultError via errors.Is.
	ErrWorkerFault = errors.New("workerpool: worker fault")
	// ErrUnknownKind is returned by the detector executor for unsupported task kinds.
	ErrUnknownKind = errors.New("workerpool: unknown task kind")
)

// WorkerFaultError is delivered to the caller whose task made a worker panic.
// The worker is retired and replaced.
type WorkerFaultError struct {
	WorkerID int
	TaskID   string
	Panic    any
}

func (e *WorkerFaultError) Error() string {
	return fmt.Sprintf("workerpool: worker %d faulted on task %s: %v", e.WorkerID, e.TaskID, e.Panic)
}

func (e *WorkerFaultError) Is(target error) bool {
	return target == ErrWorkerFault
}
