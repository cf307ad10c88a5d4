package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-scrubber/internal/batch"
	"github.com/raaihank/pii-scrubber/internal/catalog"
	"github.com/raaihank/pii-scrubber/internal/privacy"
)

func startHub(t *testing.T, cfg HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func allEvents() HubConfig {
	return HubConfig{
		BroadcastDetections:    true,
		BroadcastBatchProgress: true,
		BroadcastSystem:        true,
		BroadcastConnections:   true,
	}
}

func TestHubBroadcast(t *testing.T) {
	hub, srv := startHub(t, allEvents())

	first := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	second := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	ev := readEvent(t, first)
	assert.Equal(t, EventTypeConnection, ev.Type)
	var conn ConnectionEvent
	require.NoError(t, json.Unmarshal(ev.Data, &conn))
	assert.Equal(t, "connected", conn.Action)

	hub.PublishStatus(SystemStatusEvent{Status: "healthy", Workers: 4})

	for _, c := range []*websocket.Conn{first, second} {
		ev := readEvent(t, c)
		assert.Equal(t, EventTypeSystemStatus, ev.Type)
		var status SystemStatusEvent
		require.NoError(t, json.Unmarshal(ev.Data, &status))
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, 4, status.Workers)
	}

	stats := hub.GetStats()
	assert.Equal(t, int64(2), stats.TotalConnections)
	assert.Equal(t, int64(2), stats.ActiveConnections)
}

func TestHubDisconnect(t *testing.T) {
	hub, srv := startHub(t, allEvents())

	watcher := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	leaving := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EventTypeConnection, readEvent(t, watcher).Type)

	require.NoError(t, leaving.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ev := readEvent(t, watcher)
	var conn ConnectionEvent
	require.NoError(t, json.Unmarshal(ev.Data, &conn))
	assert.Equal(t, "disconnected", conn.Action)
}

func TestHubAuth(t *testing.T) {
	cfg := allEvents()
	cfg.Username = "admin"
	cfg.Password = "s3cret"
	hub, srv := startHub(t, cfg)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.SetBasicAuth("admin", "wrong")
	bad.Set("Authorization", req.Header.Get("Authorization"))
	_, resp, err = websocket.DefaultDialer.Dial(url, bad)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	good := http.Header{}
	req.SetBasicAuth("admin", "s3cret")
	good.Set("Authorization", req.Header.Get("Authorization"))
	dial(t, srv, good)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubPing(t *testing.T) {
	hub, srv := startHub(t, HubConfig{})
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	assert.Equal(t, EventTypePong, readEvent(t, conn).Type)
}

func TestHubSubscription(t *testing.T) {
	hub, srv := startHub(t, allEvents())
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type: "subscribe",
		Data: &SubscriptionRequest{
			Events: []EventType{EventTypeDetection},
			Filter: &EventFilter{MinSeverity: "high"},
		},
	}))
	// The pong round trip orders the subscription before the broadcasts.
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	require.Equal(t, EventTypePong, readEvent(t, conn).Type)

	hub.PublishStatus(SystemStatusEvent{Status: "healthy"})
	hub.PublishDetection(DetectionEvent{Source: "api", Types: map[string]int{"EMAIL": 1}, MaxSeverity: catalog.SeverityMedium})
	hub.PublishDetection(DetectionEvent{Source: "api", Types: map[string]int{"SSN": 1}, MaxSeverity: catalog.SeverityCritical})

	ev := readEvent(t, conn)
	assert.Equal(t, EventTypeDetection, ev.Type)
	var det DetectionEvent
	require.NoError(t, json.Unmarshal(ev.Data, &det))
	assert.Equal(t, map[string]int{"SSN": 1}, det.Types)
}

func TestBroadcastDisabled(t *testing.T) {
	hub := NewHub(HubConfig{BroadcastSystem: true}, nil)

	hub.PublishDetection(DetectionEvent{})
	hub.PublishBatchProgress(BatchProgressEvent{})
	assert.Len(t, hub.broadcast, 0)

	hub.PublishStatus(SystemStatusEvent{})
	assert.Len(t, hub.broadcast, 1)

	var nilHub *Hub
	assert.NotPanics(t, func() { nilHub.PublishStatus(SystemStatusEvent{}) })
}

func TestApplyEventFilter(t *testing.T) {
	detection := Event{Type: EventTypeDetection, Data: DetectionEvent{
		Types:       map[string]int{"EMAIL": 2, "PHONE": 1},
		MaxSeverity: catalog.SeverityMedium,
	}}

	tests := []struct {
		name   string
		filter EventFilter
		event  Event
		want   bool
	}{
		{"empty filter", EventFilter{}, detection, true},
		{"severity met", EventFilter{MinSeverity: "medium"}, detection, true},
		{"severity not met", EventFilter{MinSeverity: "high"}, detection, false},
		{"unknown severity ignored", EventFilter{MinSeverity: "extreme"}, detection, true},
		{"type present", EventFilter{Types: []string{"SSN", "PHONE"}}, detection, true},
		{"type absent", EventFilter{Types: []string{"SSN"}}, detection, false},
		{"non detection passes", EventFilter{Types: []string{"SSN"}}, Event{Type: EventTypeSystemStatus, Data: SystemStatusEvent{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, applyEventFilter(&tt.filter, tt.event))
		})
	}
}

func TestNewDetectionEvent(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)
	res, err := privacy.Detect(context.Background(), "write to a@example.com", cat, privacy.DefaultOptions())
	require.NoError(t, err)

	ev := NewDetectionEvent("api", "req-1", res, 1500*time.Microsecond)
	assert.Equal(t, map[string]int{"EMAIL": 1}, ev.Types)
	assert.Equal(t, 1, ev.TotalMatches)
	assert.Equal(t, 1.5, ev.ProcessingMS)
	assert.Equal(t, len("write to a@example.com"), ev.TextBytes)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "a@example.com")

	empty := NewDetectionEvent("api", "", nil, 0)
	assert.Empty(t, empty.Types)
}

func TestNewBatchProgressEvent(t *testing.T) {
	ev := NewBatchProgressEvent(batch.Progress{BatchID: "b1", Completed: 5, Total: 5, Failed: 1, Matches: 9, Elapsed: 2 * time.Millisecond})
	assert.Equal(t, "b1", ev.BatchID)
	assert.True(t, ev.Done)
	assert.Equal(t, 2.0, ev.ElapsedMS)

	ev = NewBatchProgressEvent(batch.Progress{BatchID: "b1", Completed: 2, Total: 5})
	assert.False(t, ev.Done)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1:1234", ClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "10.0.0.3")
	assert.Equal(t, "10.0.0.3", ClientIP(r))
}
