package privacy

import (
	"math"

	"github.com/raaihank/pii-scrubber/internal/catalog"
)

// DefaultContextWindow is the number of bytes on each side of a match handed
// to validators.
const DefaultContextWindow = 60

// Candidate is a raw regex hit that survived validation but has not yet been
// through conflict resolution.
type Candidate struct {
	Type    string
	Start   int
	End     int
	Text    string
	Context string

	pattern *catalog.Pattern
}

// Len returns the byte length of the candidate span.
func (c Candidate) Len() int { return c.End - c.Start }

// Match is an accepted detection. Fields carrying the detected value are never
// serialized.
type Match struct {
	Type        string           `json:"type"`
	Pattern     string           `json:"pattern"`
	Start       int              `json:"start"`
	End         int              `json:"end"`
	Text        string           `json:"-"`
	Context     string           `json:"-"`
	Confidence  float64          `json:"confidence"`
	Severity    catalog.Severity `json:"severity"`
	Priority    int              `json:"priority"`
	Placeholder string           `json:"placeholder"`
}

// DetectionResult is the outcome of one detection run. It is not modified
// after Detect returns.
type DetectionResult struct {
	Original string `json:"-"` // Never serialize original text
	Redacted string `json:"redacted"`
	// Matches are pairwise non-overlapping and sorted by Start.
	Matches []Match `json:"matches"`
	// Placeholders maps each placeholder to the text it replaced.
	Placeholders map[string]string `json:"-"`
}

// HasPII reports whether anything was detected.
func (r *DetectionResult) HasPII() bool {
	return len(r.Matches) > 0
}

// CountByType returns the number of matches per type.
func (r *DetectionResult) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, m := range r.Matches {
		counts[m.Type]++
	}
	return counts
}

// MaxSeverity returns the highest severity among the matches, or "" when
// there are none.
func (r *DetectionResult) MaxSeverity() catalog.Severity {
	var top catalog.Severity
	for _, m := range r.Matches {
		if m.Severity.Rank() > top.Rank() {
			top = m.Severity
		}
	}
	return top
}

// ConfidenceAdjuster rescores a match after placement. The returned value is
// clamped to [0,1].
type ConfidenceAdjuster func(m Match) float64

// Options tune a detection run. Use DefaultOptions as the starting point: the
// zero value leaves EnableContextValidation off, which skips every validator.
type Options struct {
	// ContextWindow is the number of bytes of surrounding text given to
	// validators on each side of a match.
	ContextWindow int `json:"contextWindow" mapstructure:"context_window"`
	// EnableContextValidation runs pattern validators. When false, every regex
	// hit is a candidate.
	EnableContextValidation bool `json:"enableContextValidation" mapstructure:"enable_context_validation"`
	// PlaceholderSeed is the first counter value used for each type.
	PlaceholderSeed int `json:"placeholderSeed" mapstructure:"placeholder_seed"`

	ConfidenceAdjuster ConfidenceAdjuster `json:"-" mapstructure:"-"`
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		ContextWindow:           DefaultContextWindow,
		EnableContextValidation: true,
		PlaceholderSeed:         1,
	}
}

func (o Options) normalized() Options {
	if o.ContextWindow <= 0 {
		o.ContextWindow = DefaultContextWindow
	}
	if o.PlaceholderSeed <= 0 {
		o.PlaceholderSeed = 1
	}
	return o
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
