package server

import (
	"time"

	"github.com/raaihank/pii-scrubber/internal/batch"
	"github.com/raaihank/pii-scrubber/internal/catalog"
	"github.com/raaihank/pii-scrubber/internal/privacy"
	"github.com/raaihank/pii-scrubber/internal/vault"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

// OptionsRequest overrides detector options for one request. Unset fields
// keep the server defaults.
type OptionsRequest struct {
	ContextWindow           *int  `json:"contextWindow,omitempty"`
	MaxDepth                *int  `json:"maxDepth,omitempty"`
	EnableContextValidation *bool `json:"enableContextValidation,omitempty"`
	PlaceholderSeed         *int  `json:"placeholderSeed,omitempty"`
}

func (o *OptionsRequest) apply(base privacy.Options) privacy.Options {
	if o == nil {
		return base
	}
	if o.MaxDepth != nil {
		base.ContextWindow = *o.MaxDepth
	}
	if o.ContextWindow != nil {
		base.ContextWindow = *o.ContextWindow
	}
	if o.EnableContextValidation != nil {
		base.EnableContextValidation = *o.EnableContextValidation
	}
	if o.PlaceholderSeed != nil {
		base.PlaceholderSeed = *o.PlaceholderSeed
	}
	return base
}

// DetectRequest is the body of POST /v1/detect and POST /v1/redact.
type DetectRequest struct {
	Text    string          `json:"text"`
	Options *OptionsRequest `json:"options,omitempty"`
}

// RedactRequest is the body of POST /v1/redact.
type RedactRequest struct {
	DetectRequest
	// Store keeps the placeholder mapping in the vault and returns its ID
	// instead of the mapping.
	Store bool `json:"store,omitempty"`
	// TTL overrides the vault default, e.g. "1h".
	TTL string `json:"ttl,omitempty"`
}

// MatchResponse exposes one match, including the matched text.
type MatchResponse struct {
	Type        string           `json:"type"`
	Pattern     string           `json:"pattern"`
	Start       int              `json:"start"`
	End         int              `json:"end"`
	Text        string           `json:"text,omitempty"`
	Confidence  float64          `json:"confidence"`
	Severity    catalog.Severity `json:"severity"`
	Priority    int              `json:"priority"`
	Placeholder string           `json:"placeholder"`
}

func newMatches(matches []privacy.Match, withText bool) []MatchResponse {
	out := make([]MatchResponse, len(matches))
	for i, m := range matches {
		out[i] = MatchResponse{
			Type:        m.Type,
			Pattern:     m.Pattern,
			Start:       m.Start,
			End:         m.End,
			Confidence:  m.Confidence,
			Severity:    m.Severity,
			Priority:    m.Priority,
			Placeholder: m.Placeholder,
		}
		if withText {
			out[i].Text = m.Text
		}
	}
	return out
}

// DetectResponse is returned by POST /v1/detect.
type DetectResponse struct {
	HasPII       bool              `json:"hasPii"`
	Redacted     string            `json:"redacted"`
	Matches      []MatchResponse   `json:"matches"`
	Placeholders map[string]string `json:"placeholders"`
	CountByType  map[string]int    `json:"countByType"`
	MaxSeverity  catalog.Severity  `json:"maxSeverity,omitempty"`
	ProcessingMS float64           `json:"processingMs"`
}

func newDetectResponse(res *privacy.DetectionResult, elapsed time.Duration) DetectResponse {
	return DetectResponse{
		HasPII:       res.HasPII(),
		Redacted:     res.Redacted,
		Matches:      newMatches(res.Matches, true),
		Placeholders: res.Placeholders,
		CountByType:  res.CountByType(),
		MaxSeverity:  res.MaxSeverity(),
		ProcessingMS: millis(elapsed),
	}
}

// RedactResponse is returned by POST /v1/redact. Placeholders is omitted when
// the mapping was stored in the vault.
type RedactResponse struct {
	Redacted     string            `json:"redacted"`
	Matches      []MatchResponse   `json:"matches"`
	Placeholders map[string]string `json:"placeholders,omitempty"`
	VaultID      string            `json:"vaultId,omitempty"`
	ProcessingMS float64           `json:"processingMs"`
}

// RestoreRequest is the body of POST /v1/restore. Exactly one of
// Placeholders and VaultID must be set.
type RestoreRequest struct {
	Redacted     string            `json:"redacted"`
	Placeholders map[string]string `json:"placeholders,omitempty"`
	VaultID      string            `json:"vaultId,omitempty"`
}

// RestoreResponse is returned by POST /v1/restore.
type RestoreResponse struct {
	Text string `json:"text"`
}

// BatchInputRequest is one input of a batch request: text or units.
type BatchInputRequest struct {
	ID    string   `json:"id,omitempty"`
	Text  string   `json:"text,omitempty"`
	Units []string `json:"units,omitempty"`
}

// BatchRequest is the body of POST /v1/batch.
type BatchRequest struct {
	Inputs []BatchInputRequest `json:"inputs"`
	// Mode is "parallel" (default) or "sequential".
	Mode           string `json:"mode,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
}

func (r BatchRequest) inputs() []batch.Input {
	out := make([]batch.Input, len(r.Inputs))
	for i, in := range r.Inputs {
		out[i] = batch.Input{ID: in.ID, Text: in.Text}
		if len(in.Units) > 0 {
			out[i].Document = &workerpool.Document{Name: in.ID, Units: in.Units}
		}
	}
	return out
}

// BatchItemResponse is the outcome of one batch input. Matched text is not
// echoed in batch responses.
type BatchItemResponse struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Redacted string          `json:"redacted,omitempty"`
	Units    []string        `json:"units,omitempty"`
	Matches  []MatchResponse `json:"matches"`
	Error    string          `json:"error,omitempty"`
}

// BatchResponse is returned by POST /v1/batch.
type BatchResponse struct {
	BatchID string              `json:"batchId"`
	Items   []BatchItemResponse `json:"items"`
	Stats   batch.Stats         `json:"stats"`
}

func newBatchResponse(report *batch.Report) BatchResponse {
	resp := BatchResponse{
		BatchID: report.BatchID,
		Items:   make([]BatchItemResponse, len(report.Items)),
		Stats:   report.Stats,
	}
	for i, it := range report.Items {
		item := BatchItemResponse{
			Index:   it.Index,
			ID:      it.ID,
			Matches: newMatches(it.Matches(), false),
		}
		switch {
		case it.Err != nil:
			item.Error = it.Err.Error()
		case it.Detection != nil:
			item.Redacted = it.Detection.Redacted
		case it.Document != nil:
			for _, u := range it.Document.Units {
				item.Units = append(item.Units, u.Redacted)
			}
		}
		resp.Items[i] = item
	}
	return resp
}

// InfoResponse is returned by GET /info.
type InfoResponse struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Patterns     []string          `json:"patterns"`
	Options      privacy.Options   `json:"options"`
	Pool         *workerpool.Stats `json:"pool,omitempty"`
	VaultEnabled bool              `json:"vaultEnabled"`
	Vault        *vault.Stats      `json:"vault,omitempty"`
	Uptime       string            `json:"uptime"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
