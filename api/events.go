package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sdlora_server/core"
	"sdlora_server/metrics"
)

// Event types pushed on /ws/events.
const (
	// EventInitial carries a StatsResponse, sent once per connection
	EventInitial            = "initial"
	EventGenerationStarted  = "generation_started"
	EventGenerationFinished = "generation_finished"
	EventGPUUpdate          = "gpu_update"
)

// Event is the envelope of every message on the events stream.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// InFlightData is the payload of EventGenerationStarted.
type InFlightData struct {
	InFlight int64 `json:"in_flight"`
}

// EventHubConfig configures an EventHub.
type EventHubConfig struct {
	PingInterval time.Duration
	// PongWait must be longer than PingInterval
	PongWait  time.Duration
	WriteWait time.Duration
	// MaxMessageSize caps what a client may send; the stream is one-way
	MaxMessageSize int64
	// SendBuffer is the per-client queue. A client that falls this far
	// behind is disconnected.
	SendBuffer     int
	AllowedOrigins []string
}

// DefaultEventHubConfig returns the default configuration.
func DefaultEventHubConfig() EventHubConfig {
	return EventHubConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
		SendBuffer:     64,
		AllowedOrigins: []string{"*"},
	}
}

// EventHub fans generation and GPU events out to WebSocket clients.
// It satisfies imagegen.Observer; GPU samples arrive through PublishGPU.
type EventHub struct {
	config   EventHubConfig
	upgrader websocket.Upgrader
	stats    StatsProvider
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool

	inFlight atomic.Int64
}

type eventClient struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

// NewEventHub creates a hub. stats may be nil, in which case clients get no
// initial snapshot.
func NewEventHub(config EventHubConfig, stats StatsProvider, logger *zap.Logger) *EventHub {
	def := DefaultEventHubConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongWait <= config.PingInterval {
		config.PongWait = config.PingInterval * 2
	}
	if config.WriteWait <= 0 {
		config.WriteWait = def.WriteWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &EventHub{
		config:  config,
		stats:   stats,
		logger:  logger.Named("events"),
		clients: make(map[*eventClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(config.AllowedOrigins),
	}
	return h
}

// originChecker applies the CORS origin list to WebSocket handshakes.
// Requests without an Origin header (non-browser clients) are allowed.
func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[strings.TrimRight(origin, "/")]
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, detailShuttingDown)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	c := &eventClient{
		conn:       conn,
		send:       make(chan []byte, h.config.SendBuffer),
		remoteAddr: conn.RemoteAddr().String(),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	if h.stats != nil {
		if data, err := json.Marshal(newEvent(EventInitial, newStatsResponse(h.stats.Snapshot(statsRecentLimit)))); err == nil {
			c.send <- data
		}
	}
	h.mu.Unlock()

	h.logger.Info("Events client connected",
		zap.String("remote_addr", c.remoteAddr),
		zap.Int("clients", count),
	)

	go h.writePump(c)
	go h.readPump(c)
}

func newEvent(eventType string, data interface{}) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}

// GenerationStarted implements imagegen.Observer.
func (h *EventHub) GenerationStarted() {
	n := h.inFlight.Add(1)
	h.Broadcast(newEvent(EventGenerationStarted, InFlightData{InFlight: n}))
}

// GenerationFinished implements imagegen.Observer.
func (h *EventHub) GenerationFinished(rec core.GenerationRecord) {
	if h.inFlight.Add(-1) < 0 {
		h.inFlight.Store(0)
	}
	h.Broadcast(newEvent(EventGenerationFinished, newGenerationView(rec)))
}

// PublishGPU pushes a GPU sample. Pass it as (part of) the GPU collector's
// onMetrics callback.
func (h *EventHub) PublishGPU(m metrics.GPUMetrics) {
	h.Broadcast(newEvent(EventGPUUpdate, m))
}

// Broadcast queues ev for every client without blocking. Clients whose
// queue is full are disconnected.
func (h *EventHub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Events client too slow, disconnecting", zap.String("remote_addr", c.remoteAddr))
			h.removeLocked(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *EventHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	return nil
}

func (h *EventHub) remove(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked closes the client's queue; writePump then sends a close
// frame and closes the connection.
func (h *EventHub) removeLocked(c *eventClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("Events client removed",
		zap.String("remote_addr", c.remoteAddr),
		zap.Int("clients", len(h.clients)),
	)
}

// readPump discards client messages and keeps the read deadline moving on pongs.
func (h *EventHub) readPump(c *eventClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(h.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Events client read error",
					zap.String("remote_addr", c.remoteAddr),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *EventHub) writePump(c *eventClient) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing stream"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
