package dataset

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/raaihank/pii-scrubber/internal/batch"
	"github.com/raaihank/pii-scrubber/internal/privacy"
)

// OutputRecord is one line of batch output. It carries the redacted text and
// match metadata only; original values never leave the process this way.
type OutputRecord struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Redacted string          `json:"redacted,omitempty"`
	Units    []string        `json:"units,omitempty"`
	Matches  []privacy.Match `json:"matches"`
	Error    string          `json:"error,omitempty"`
}

// NewOutputRecord summarizes a batch item.
func NewOutputRecord(it batch.Item) OutputRecord {
	out := OutputRecord{Index: it.Index, ID: it.ID, Matches: it.Matches()}
	if out.Matches == nil {
		out.Matches = []privacy.Match{}
	}

	switch {
	case it.Err != nil:
		out.Error = it.Err.Error()
	case it.Detection != nil:
		out.Redacted = it.Detection.Redacted
	case it.Document != nil:
		out.Units = make([]string, len(it.Document.Units))
		for i, u := range it.Document.Units {
			out.Units[i] = u.Redacted
		}
	}
	return out
}

// JSONLWriter writes one JSON object per line.
type JSONLWriter struct {
	enc   *json.Encoder
	count int
}

// NewJSONLWriter wraps w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{enc: json.NewEncoder(w)}
}

// Write appends one record.
func (w *JSONLWriter) Write(rec OutputRecord) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing output record %d: %w", rec.Index, err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *JSONLWriter) Count() int {
	return w.count
}
