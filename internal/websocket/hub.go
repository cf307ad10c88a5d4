package websocket

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/pii-scrubber/internal/catalog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 512
	// Per-client outbound buffer
	sendBuffer = 256
)

// HubConfig contains configuration for the WebSocket hub
type HubConfig struct {
	BroadcastDetections    bool     `mapstructure:"broadcast_detections"`
	BroadcastBatchProgress bool     `mapstructure:"broadcast_batch_progress"`
	BroadcastSystem        bool     `mapstructure:"broadcast_system"`
	BroadcastConnections   bool     `mapstructure:"broadcast_connections"`
	Username               string   `mapstructure:"username"`
	Password               string   `mapstructure:"password"`
	AllowedOrigins         []string `mapstructure:"allowed_origins"`
}

// Hub maintains the set of active clients and broadcasts messages to the clients
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	config   HubConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	subMu sync.RWMutex
	stats HubStats
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	TotalBroadcasts    int64     `json:"total_broadcasts"`
	DroppedEvents      int64     `json:"dropped_events"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastDisconnectTime time.Time `json:"last_disconnect_time"`
	LastBroadcastTime  time.Time `json:"last_broadcast_time"`
}

// NewHub creates a new WebSocket hub
func NewHub(config HubConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     config,
		logger:     logger.With(zap.String("component", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run handles client registration and broadcasting until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event, nil)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections++
	h.stats.LastConnectionTime = time.Now()
	active := h.stats.ActiveConnections
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", active),
	)

	if h.config.BroadcastConnections {
		h.broadcastEvent(connectionEvent("connected", client), client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		h.dropLocked(client)
		h.stats.LastDisconnectTime = time.Now()
	}
	active := h.stats.ActiveConnections
	h.mu.Unlock()

	if !ok {
		return
	}

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", active),
	)

	if h.config.BroadcastConnections {
		h.broadcastEvent(connectionEvent("disconnected", client), nil)
	}
}

// broadcastEvent delivers event to every subscribed client except skip.
// Clients whose buffer is full are disconnected.
func (h *Hub) broadcastEvent(event Event, skip *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()

	for client := range h.clients {
		if client == skip || !h.shouldSendToClient(client, event) {
			continue
		}
		select {
		case client.Send <- event:
			h.stats.TotalMessages++
		default:
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("client_id", client.ID),
			)
			h.dropLocked(client)
		}
	}
}

func (h *Hub) dropLocked(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	h.stats.ActiveConnections--
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.dropLocked(client)
	}
}

// shouldSendToClient determines if an event should be sent to a specific client based on their subscription
func (h *Hub) shouldSendToClient(client *Client, event Event) bool {
	h.subMu.RLock()
	sub := client.Subscription
	h.subMu.RUnlock()

	if sub == nil {
		return true
	}
	if !slices.Contains(sub.Events, event.Type) {
		return false
	}
	if sub.Filter != nil {
		return applyEventFilter(sub.Filter, event)
	}
	return true
}

// applyEventFilter applies the filter to detection events; other event types pass.
func applyEventFilter(filter *EventFilter, event Event) bool {
	detection, ok := event.Data.(DetectionEvent)
	if !ok {
		return true
	}

	if filter.MinSeverity != "" {
		floor, err := catalog.ParseSeverity(filter.MinSeverity)
		if err == nil && detection.MaxSeverity.Rank() < floor.Rank() {
			return false
		}
	}

	if len(filter.Types) > 0 {
		for _, t := range filter.Types {
			if detection.Types[t] > 0 {
				return true
			}
		}
		return false
	}
	return true
}

// BroadcastEvent queues an event for all connected clients if its type is
// enabled. It never blocks; events are dropped when the queue is full.
// A nil hub discards everything.
func (h *Hub) BroadcastEvent(event Event) {
	if h == nil || !h.shouldBroadcastEvent(event.Type) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// PublishDetection broadcasts a detection summary.
func (h *Hub) PublishDetection(ev DetectionEvent) {
	h.BroadcastEvent(Event{Type: EventTypeDetection, RequestID: ev.RequestID, Data: ev})
}

// PublishBatchProgress broadcasts batch progress.
func (h *Hub) PublishBatchProgress(ev BatchProgressEvent) {
	h.BroadcastEvent(Event{Type: EventTypeBatchProgress, Data: ev})
}

// PublishStatus broadcasts a system status snapshot.
func (h *Hub) PublishStatus(ev SystemStatusEvent) {
	h.BroadcastEvent(Event{Type: EventTypeSystemStatus, Data: ev})
}

// shouldBroadcastEvent checks if an event type should be broadcast based on configuration
func (h *Hub) shouldBroadcastEvent(eventType EventType) bool {
	switch eventType {
	case EventTypeDetection:
		return h.config.BroadcastDetections
	case EventTypeBatchProgress:
		return h.config.BroadcastBatchProgress
	case EventTypeSystemStatus:
		return h.config.BroadcastSystem
	case EventTypeConnection:
		return h.config.BroadcastConnections
	default:
		return false
	}
}

// HandleWebSocket authenticates and upgrades a dashboard connection.
// Basic auth is required when a username is configured.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="pii-scrubber"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          "client_" + uuid.NewString(),
		Conn:        conn,
		Send:        make(chan Event, sendBuffer),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		IP:          ClientIP(r),
		UserAgent:   r.UserAgent(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.handleClientWrite(client)
	go h.handleClientRead(client)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.config.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.config.AllowedOrigins, origin)
}

// handleClientWrite handles writing messages to the client
func (h *Hub) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Error("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientRead handles reading messages from the client
func (h *Hub) handleClientRead(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		_ = client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

// handleClientMessage handles messages received from clients
func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.Data == nil {
			return
		}
		h.subMu.Lock()
		client.Subscription = msg.Data
		h.subMu.Unlock()
		h.logger.Info("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Any("events", msg.Data.Events),
		)

	case "unsubscribe":
		h.subMu.Lock()
		client.Subscription = nil
		h.subMu.Unlock()

	case "ping":
		h.sendDirect(client, Event{
			Type:      EventTypePong,
			Timestamp: time.Now(),
			Data:      map[string]string{"message": "pong"},
		})
	}
}

// sendDirect delivers to one client without going through the broadcast queue.
func (h *Hub) sendDirect(client *Client, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return
	}
	select {
	case client.Send <- event:
	default:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := h.stats
	stats.ActiveConnections = int64(len(h.clients))
	return stats
}

func connectionEvent(action string, client *Client) Event {
	return Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:    action,
			ClientID:  client.ID,
			ClientIP:  client.IP,
			UserAgent: client.UserAgent,
			Message:   fmt.Sprintf("Client %s %s", client.ID, action),
		},
	}
}

// ClientIP extracts the client IP from the request
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
