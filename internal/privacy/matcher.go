package privacy

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/catalog"
)

// ValidationError records a validator that panicked. The candidate it was
// judging is rejected. The message carries offsets only, never the match.
type ValidationError struct {
	Pattern string
	Type    string
	Start   int
	End     int
	Panic   any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validator for pattern %q (%s) panicked on span [%d,%d)", e.Pattern, e.Type, e.Start, e.End)
}

// findCandidates runs every pattern over text in catalog order and passes the
// hits through the validator gate.
func (d *Detector) findCandidates(ctx context.Context, text string, patterns []*catalog.Pattern, opts Options) ([]Candidate, error) {
	var candidates []Candidate

	for _, p := range patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if start == end {
				continue
			}

			c := Candidate{
				Type:    p.Type,
				Start:   start,
				End:     end,
				Text:    text[start:end],
				Context: contextWindow(text, start, end, opts.ContextWindow),
				pattern: p,
			}

			if p.Validate != nil && opts.EnableContextValidation && !d.validate(c) {
				continue
			}
			candidates = append(candidates, c)
		}
	}

	return candidates, nil
}

// validate runs the candidate's validator, treating a panic as rejection.
func (d *Detector) validate(c Candidate) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := &ValidationError{
				Pattern: c.pattern.Name,
				Type:    c.Type,
				Start:   c.Start,
				End:     c.End,
				Panic:   r,
			}
			d.logger.Warn("Validator panicked, candidate rejected", zap.Error(err))
			ok = false
		}
	}()
	return c.pattern.Validate(c.Text, c.Context)
}

// contextWindow returns text[start-n : end+n], clipped to the text and widened
// so it never splits a UTF-8 sequence.
func contextWindow(text string, start, end, n int) string {
	lo := start - n
	if lo < 0 {
		lo = 0
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}

	hi := end + n
	if hi > len(text) {
		hi = len(text)
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}

	return text[lo:hi]
}
