package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Severity ranks how damaging a leak of a pattern's data would be.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity accepts the four severity names case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q (must be low, medium, high or critical)", s)
	}
	return sev, nil
}

// Validator decides whether a raw regex hit really is the identifier the
// pattern describes. context is the text surrounding the match.
type Validator func(match, context string) bool

// CounterToken is the placeholder template token replaced by the per-type
// occurrence number.
const CounterToken = "{{N}}"

const (
	// DefaultConfidence is used for definitions that leave confidence unset.
	DefaultConfidence = 0.5
	// DefaultPriority is used for definitions that leave priority unset.
	DefaultPriority = 50
)

// Definition is the declarative, YAML-loadable form of a pattern.
type Definition struct {
	// Name identifies the definition for layering; defaults to Type.
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Type        string   `yaml:"type" json:"type"`
	Regex       string   `yaml:"regex" json:"regex"`
	// Priority and Confidence are pointers so that an explicit zero is kept;
	// nil takes DefaultPriority and DefaultConfidence.
	Priority    *int     `yaml:"priority,omitempty" json:"priority,omitempty"`
	Confidence  *float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	Severity    string   `yaml:"severity,omitempty" json:"severity,omitempty"`
	Placeholder string   `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	Validator   string   `yaml:"validator,omitempty" json:"validator,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Validate attaches a predicate directly. It takes precedence over the
	// named Validator and cannot be expressed in YAML.
	Validate Validator `yaml:"-" json:"-"`
}

func (d *Definition) key() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Type
}

func (d *Definition) isEnabled() bool {
	if d.Enabled == nil {
		return true
	}
	return *d.Enabled
}

// Pattern is a compiled definition. Patterns are immutable once their
// Catalog is built and may be shared across goroutines.
type Pattern struct {
	Name       string
	Type       string
	Priority   int
	Confidence float64
	Severity   Severity
	Template   string
	Regex      *regexp.Regexp
	Validate   Validator
	// Index is the pattern's position in its catalog, used as the final
	// tie-break between patterns that claim the same span.
	Index int
}

// Placeholder renders the pattern's template for occurrence n.
func (p *Pattern) Placeholder(n int) string {
	return strings.ReplaceAll(p.Template, CounterToken, strconv.Itoa(n))
}

// checkTemplate requires a template to open and close with two distinct
// delimiters that are neither letters nor digits and occur nowhere else in
// the expanded placeholder. A placeholder built this way can only occur in
// redacted text at its own position, whatever text surrounds it.
func checkTemplate(template string) error {
	if !strings.Contains(template, CounterToken) {
		return fmt.Errorf("placeholder %q lacks %s", template, CounterToken)
	}

	sample := []rune(strings.ReplaceAll(template, CounterToken, "0"))
	open, closing := sample[0], sample[len(sample)-1]
	switch {
	case len(sample) < 3:
		return fmt.Errorf("placeholder %q is too short to be delimited", template)
	case !isDelimiter(open) || !isDelimiter(closing):
		return fmt.Errorf("placeholder %q must start and end with a symbol such as [ and ]", template)
	case open == closing:
		return fmt.Errorf("placeholder %q must use different opening and closing delimiters", template)
	}

	s := string(sample)
	if strings.Count(s, string(open)) != 1 || strings.Count(s, string(closing)) != 1 {
		return fmt.Errorf("placeholder %q repeats its delimiters %q and %q", template, open, closing)
	}
	return nil
}

func isDelimiter(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}

// DefaultTemplate is the placeholder template used when a definition
// declares none, e.g. "[EMAIL_{{N}}]".
func DefaultTemplate(patternType string) string {
	return "[" + patternType + "_" + CounterToken + "]"
}
