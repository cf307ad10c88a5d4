package privacy

import (
	"errors"
	"sort"
	"strings"
)

// ErrResultMismatch is returned by Redact when the text is not the one the
// result was computed from.
var ErrResultMismatch = errors.New("privacy: text does not match detection result")

// assemble turns the accepted candidates (sorted by Start) into matches,
// numbers their placeholders and builds the redacted text.
func assemble(text string, accepted []Candidate, opts Options) *DetectionResult {
	result := &DetectionResult{
		Original:     text,
		Matches:      make([]Match, 0, len(accepted)),
		Placeholders: make(map[string]string, len(accepted)),
	}

	next := make(map[string]int)
	for _, c := range accepted {
		p := c.pattern

		n, ok := next[c.Type]
		if !ok {
			n = opts.PlaceholderSeed
		}
		placeholder := p.Placeholder(n)
		// Skip numbers whose placeholder is already taken or already appears
		// in the input, so Restore can never touch literal text.
		for {
			_, taken := result.Placeholders[placeholder]
			if !taken && !strings.Contains(text, placeholder) {
				break
			}
			n++
			placeholder = p.Placeholder(n)
		}
		next[c.Type] = n + 1

		m := Match{
			Type:        c.Type,
			Pattern:     p.Name,
			Start:       c.Start,
			End:         c.End,
			Text:        c.Text,
			Context:     c.Context,
			Confidence:  p.Confidence,
			Severity:    p.Severity,
			Priority:    p.Priority,
			Placeholder: placeholder,
		}
		if opts.ConfidenceAdjuster != nil {
			m.Confidence = opts.ConfidenceAdjuster(m)
		}
		m.Confidence = clamp01(m.Confidence)

		result.Matches = append(result.Matches, m)
		result.Placeholders[placeholder] = c.Text
	}

	result.Redacted = splice(text, result.Matches)
	return result
}

// splice replaces each match span with its placeholder, working from the end
// of the text so earlier offsets stay valid.
func splice(text string, matches []Match) string {
	if len(matches) == 0 {
		return text
	}

	out := []byte(text)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		out = append(out[:m.Start], append([]byte(m.Placeholder), out[m.End:]...)...)
	}
	return string(out)
}

// Redact re-applies a detection result to its original text. It returns
// ErrResultMismatch when text is not result.Original.
func Redact(text string, result *DetectionResult) (string, error) {
	if result == nil || text != result.Original {
		return "", ErrResultMismatch
	}
	return splice(text, result.Matches), nil
}

// Restore substitutes placeholders back into redacted text in a single pass.
// Longer placeholders are tried first so that one placeholder being a prefix
// of another cannot cause a partial replacement. An empty key is ignored.
func Restore(redacted string, placeholders map[string]string) string {
	keys := make([]string, 0, len(placeholders))
	for k := range placeholders {
		if k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return redacted
	}

	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, placeholders[k])
	}
	return strings.NewReplacer(pairs...).Replace(redacted)
}
