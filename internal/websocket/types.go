package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/pii-scrubber/internal/batch"
	"github.com/raaihank/pii-scrubber/internal/catalog"
	"github.com/raaihank/pii-scrubber/internal/privacy"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDetection summarizes one detection run
	EventTypeDetection EventType = "detection"
	// EventTypeBatchProgress reports batch job progress
	EventTypeBatchProgress EventType = "batch_progress"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// DetectionEvent carries types and counts only. Matched values never leave
// the process through the hub.
type DetectionEvent struct {
	RequestID    string           `json:"request_id,omitempty"`
	Source       string           `json:"source"`
	Types        map[string]int   `json:"types"`
	TotalMatches int              `json:"total_matches"`
	MaxSeverity  catalog.Severity `json:"max_severity,omitempty"`
	TextBytes    int              `json:"text_bytes"`
	ProcessingMS float64          `json:"processing_ms"`
}

// NewDetectionEvent summarizes result for broadcasting.
func NewDetectionEvent(source, requestID string, result *privacy.DetectionResult, elapsed time.Duration) DetectionEvent {
	ev := DetectionEvent{
		RequestID:    requestID,
		Source:       source,
		Types:        map[string]int{},
		ProcessingMS: float64(elapsed.Microseconds()) / 1000,
	}
	if result == nil {
		return ev
	}
	ev.Types = result.CountByType()
	ev.TotalMatches = len(result.Matches)
	ev.MaxSeverity = result.MaxSeverity()
	ev.TextBytes = len(result.Original)
	return ev
}

// BatchProgressEvent reports how far a batch job has come.
type BatchProgressEvent struct {
	BatchID   string  `json:"batch_id"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Failed    int     `json:"failed"`
	Matches   int     `json:"matches"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Done      bool    `json:"done"`
}

// NewBatchProgressEvent converts coordinator progress into an event.
func NewBatchProgressEvent(p batch.Progress) BatchProgressEvent {
	return BatchProgressEvent{
		BatchID:   p.BatchID,
		Completed: p.Completed,
		Total:     p.Total,
		Failed:    p.Failed,
		Matches:   p.Matches,
		ElapsedMS: float64(p.Elapsed.Microseconds()) / 1000,
		Done:      p.Completed >= p.Total,
	}
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalRequests    int64  `json:"total_requests"`
	TotalDetections  int64  `json:"total_detections"`
	ActivePatterns   int    `json:"active_patterns"`
	Workers          int    `json:"workers"`
	BusyWorkers      int    `json:"busy_workers"`
	QueuedTasks      int    `json:"queued_tasks"`
	ConnectedClients int    `json:"connected_clients"`
	MemoryUsage      string `json:"memory_usage"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string               `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows detection events sent to one client.
type EventFilter struct {
	MinSeverity string   `json:"min_severity,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string
}
