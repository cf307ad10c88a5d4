package privacy

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/catalog"
)

const tracerName = "github.com/raaihank/pii-scrubber/internal/privacy"

// tracer is looked up per call so that a provider installed after package
// init is honoured.
func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// ErrNoCatalog is returned when a detector has no catalog to scan with.
var ErrNoCatalog = errors.New("privacy: no pattern catalog loaded")

// Detector handles PII detection and redaction. It holds no per-run state and
// is safe for concurrent use.
type Detector struct {
	source catalog.Source
	opts   Options
	logger *zap.Logger
}

// NewDetector creates a detector over a catalog source. Each run takes one
// snapshot of the source, so a hot reload never affects a scan in progress.
func NewDetector(source catalog.Source, opts Options, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		source: source,
		opts:   opts.normalized(),
		logger: logger,
	}
}

// Options returns the detector's default run options.
func (d *Detector) Options() Options {
	return d.opts
}

// Catalog returns the catalog the next run would use.
func (d *Detector) Catalog() *catalog.Catalog {
	if d.source == nil {
		return nil
	}
	return d.source.Current()
}

// Detect scans text with the detector's options.
func (d *Detector) Detect(ctx context.Context, text string) (*DetectionResult, error) {
	return d.DetectWithOptions(ctx, text, d.opts)
}

// DetectWithOptions scans text: every pattern is matched, validated, resolved
// into a non-overlapping set, numbered and spliced into the redacted text.
// The only error sources are a missing catalog and ctx cancellation.
func (d *Detector) DetectWithOptions(ctx context.Context, text string, opts Options) (*DetectionResult, error) {
	ctx, span := tracer().Start(ctx, "privacy.detect",
		trace.WithAttributes(attribute.Int("text.bytes", len(text))))
	defer span.End()

	cat := d.Catalog()
	if cat == nil {
		span.SetStatus(codes.Error, ErrNoCatalog.Error())
		return nil, ErrNoCatalog
	}
	opts = opts.normalized()

	candidates, err := d.findCandidates(ctx, text, cat.Patterns(), opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := assemble(text, resolve(candidates), opts)

	span.SetAttributes(
		attribute.Int("pii.candidates", len(candidates)),
		attribute.Int("pii.matches", len(result.Matches)),
		attribute.String("pii.max_severity", string(result.MaxSeverity())),
	)

	if result.HasPII() {
		d.logger.Debug("PII detected and redacted",
			zap.Int("candidates", len(candidates)),
			zap.Int("matches", len(result.Matches)),
			zap.Any("types", result.CountByType()),
		)
	}

	return result, nil
}

// Detect is a one-shot form of (*Detector).Detect for a fixed catalog.
func Detect(ctx context.Context, text string, cat *catalog.Catalog, opts Options) (*DetectionResult, error) {
	return NewDetector(catalog.Static(cat), opts, nil).Detect(ctx, text)
}
