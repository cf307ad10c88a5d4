package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/batch"
	"github.com/raaihank/pii-scrubber/internal/privacy"
	"github.com/raaihank/pii-scrubber/internal/vault"
	"github.com/raaihank/pii-scrubber/internal/websocket"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

var (
	errRateLimited   = errors.New("rate limit exceeded")
	errVaultDisabled = errors.New("vault is not enabled")
	errBadRequest    = errors.New("bad request")
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := InfoResponse{
		Name:         "pii-scrubber",
		Version:      s.version,
		Patterns:     []string{},
		Options:      s.detector.Options(),
		VaultEnabled: s.vault != nil,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
	}
	if cat := s.detector.Catalog(); cat != nil {
		info.Patterns = cat.Types()
	}
	if s.pool != nil {
		stats := s.pool.Stats()
		info.Pool = &stats
	}
	if s.vault != nil {
		stats := s.vault.Stats()
		info.Vault = &stats
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeStatus(err), err)
		return
	}

	res, elapsed, err := s.detect(r.Context(), req.Text, req.Options.apply(s.detector.Options()))
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.observe(r, "detect", res, elapsed)

	writeJSON(w, http.StatusOK, newDetectResponse(res, elapsed))
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	var req RedactRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeStatus(err), err)
		return
	}

	var ttl time.Duration
	if req.Store {
		if s.vault == nil {
			s.writeError(w, r, http.StatusBadRequest, errVaultDisabled)
			return
		}
		if req.TTL != "" {
			d, err := time.ParseDuration(req.TTL)
			if err != nil || d < 0 {
				s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: invalid ttl %q", errBadRequest, req.TTL))
				return
			}
			ttl = d
		}
	}

	res, elapsed, err := s.detect(r.Context(), req.Text, req.Options.apply(s.detector.Options()))
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.observe(r, "redact", res, elapsed)

	resp := RedactResponse{
		Redacted:     res.Redacted,
		Matches:      newMatches(res.Matches, false),
		ProcessingMS: millis(elapsed),
	}
	if req.Store {
		id, err := s.vault.Put(r.Context(), res.Placeholders, ttl)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		resp.VaultID = id
	} else {
		resp.Placeholders = res.Placeholders
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeStatus(err), err)
		return
	}

	placeholders := req.Placeholders
	switch {
	case req.VaultID != "" && req.Placeholders != nil:
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: give either placeholders or vaultId", errBadRequest))
		return

	case req.VaultID != "":
		if s.vault == nil {
			s.writeError(w, r, http.StatusBadRequest, errVaultDisabled)
			return
		}
		stored, err := s.vault.Get(r.Context(), req.VaultID)
		if err != nil {
			s.writeError(w, r, statusFor(err), err)
			return
		}
		placeholders = stored

	case req.Placeholders == nil:
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: placeholders or vaultId required", errBadRequest))
		return

	default:
		if _, ok := req.Placeholders[""]; ok {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: placeholder keys must not be empty", errBadRequest))
			return
		}
	}

	writeJSON(w, http.StatusOK, RestoreResponse{Text: privacy.Restore(req.Redacted, placeholders)})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, decodeStatus(err), err)
		return
	}
	if len(req.Inputs) == 0 {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: no inputs", errBadRequest))
		return
	}
	if limit := s.cfg.Server.MaxBatchInputs; limit > 0 && len(req.Inputs) > limit {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, fmt.Errorf("%w: %d inputs exceed the limit of %d", errBadRequest, len(req.Inputs), limit))
		return
	}

	var (
		report *batch.Report
		err    error
	)
	switch req.Mode {
	case "", "parallel":
		if s.pool != nil {
			report, err = s.coordinator.ProcessParallel(r.Context(), req.inputs(), req.MaxConcurrency)
		} else {
			report, err = s.coordinator.ProcessSequential(r.Context(), req.inputs())
		}
	case "sequential":
		report, err = s.coordinator.ProcessSequential(r.Context(), req.inputs())
	default:
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: unknown mode %q", errBadRequest, req.Mode))
		return
	}
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}

	if report.Stats.TotalMatches > 0 {
		s.detections.Add(1)
		s.logger.WithRequestID(getRequestID(r.Context())).Info("PII detected in batch",
			zap.String("batch_id", report.BatchID),
			zap.Int("inputs", report.Stats.TotalInputs),
			zap.Int("matches", report.Stats.TotalMatches),
			zap.Any("types", report.Stats.MatchesByType),
		)
	}

	writeJSON(w, http.StatusOK, newBatchResponse(report))
}

// detect runs one text through the pool when there is one, otherwise inline.
func (s *Server) detect(ctx context.Context, text string, opts privacy.Options) (*privacy.DetectionResult, time.Duration, error) {
	start := time.Now()
	if s.pool == nil {
		res, err := s.detector.DetectWithOptions(ctx, text, opts)
		return res, time.Since(start), err
	}

	res, err := s.pool.Execute(ctx, workerpool.Task{Kind: workerpool.KindDetect, Text: text, Options: &opts})
	if err != nil {
		return nil, time.Since(start), err
	}
	return res.Detection, res.Elapsed, nil
}

// observe records a detection and broadcasts its summary. Only types and
// counts are logged.
func (s *Server) observe(r *http.Request, source string, res *privacy.DetectionResult, elapsed time.Duration) {
	if !res.HasPII() {
		return
	}
	requestID := getRequestID(r.Context())
	s.detections.Add(1)

	s.logger.WithRequestID(requestID).Info("PII detected in request",
		zap.String("source", source),
		zap.Int("matches", len(res.Matches)),
		zap.Any("types", res.CountByType()),
	)
	s.hub.PublishDetection(websocket.NewDetectionEvent(source, requestID, res, elapsed))
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func decodeStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	requestID := getRequestID(r.Context())
	log := s.logger.WithRequestID(requestID)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.Int("status_code", status), zap.Error(err))
	} else {
		log.Debug("Request rejected", zap.Int("status_code", status), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: requestID})
}
