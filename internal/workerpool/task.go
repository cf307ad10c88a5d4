package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/raaihank/pii-scrubber/internal/privacy"
)

// Kind selects what an executor does with a task.
type Kind string

const (
	KindDetect   Kind = "detect"
	KindDocument Kind = "document"
)

// Document is a multi-unit input, for example the pages of a file or the
// rows of a record. Each unit is scanned independently.
type Document struct {
	Name  string   `json:"name"`
	Units []string `json:"units"`
}

// DocumentResult holds one detection result per document unit, in order.
type DocumentResult struct {
	Name  string                     `json:"name"`
	Units []*privacy.DetectionResult `json:"units"`
}

// Matches returns the total number of matches across all units.
func (d *DocumentResult) Matches() int {
	total := 0
	for _, u := range d.Units {
		total += len(u.Matches)
	}
	return total
}

// Task is a unit of work submitted to the pool.
type Task struct {
	// ID correlates the task with its result. Submit assigns a UUID when empty.
	ID       string
	Kind     Kind
	Text     string
	Document *Document
	// Options overrides the executor's detection options for this task.
	Options *privacy.Options
}

// Result is delivered to the submitter of the task with the same ID.
type Result struct {
	ID        string
	Detection *privacy.DetectionResult
	Document  *DocumentResult
	Err       error
	Elapsed   time.Duration
	WorkerID  int
}

// Executor runs tasks on behalf of pool workers. It must be safe for
// concurrent use.
type Executor interface {
	Execute(ctx context.Context, task Task) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}

// DetectorExecutor runs tasks through the detection engine.
type DetectorExecutor struct {
	Detector *privacy.Detector
}

// NewDetectorExecutor returns the default executor.
func NewDetectorExecutor(d *privacy.Detector) *DetectorExecutor {
	return &DetectorExecutor{Detector: d}
}

func (e *DetectorExecutor) Execute(ctx context.Context, task Task) (Result, error) {
	opts := e.Detector.Options()
	if task.Options != nil {
		opts = *task.Options
	}

	switch task.Kind {
	case KindDetect, "":
		res, err := e.Detector.DetectWithOptions(ctx, task.Text, opts)
		if err != nil {
			return Result{}, err
		}
		return Result{Detection: res}, nil

	case KindDocument:
		if task.Document == nil {
			return Result{}, fmt.Errorf("document task %s has no document", task.ID)
		}
		doc := &DocumentResult{
			Name:  task.Document.Name,
			Units: make([]*privacy.DetectionResult, 0, len(task.Document.Units)),
		}
		for i, unit := range task.Document.Units {
			res, err := e.Detector.DetectWithOptions(ctx, unit, opts)
			if err != nil {
				return Result{}, fmt.Errorf("document %s unit %d: %w", task.Document.Name, i, err)
			}
			doc.Units = append(doc.Units, res)
		}
		return Result{Document: doc}, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, task.Kind)
	}
}
