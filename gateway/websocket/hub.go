// Package websocket streams zone lifecycle events to browser and tool clients.
//
// Hub is an events.Observer and an http.Handler. Each connected client gets
// its own bounded queue; a client that cannot keep up loses its oldest
// undelivered events instead of slowing the scheduler or other clients.
// Events are JSON encoded events.Event values, one per text message.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/events"
	"github.com/c360/zonestream/metric"
	"github.com/c360/zonestream/pkg/buffer"
	"github.com/c360/zonestream/zone"
)

const (
	defaultBufferSize   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	batchSize           = 16
)

// Hub fans zone events out to websocket clients
type Hub struct {
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	bufferSize   int
	writeTimeout time.Duration
	pingInterval time.Duration
	snapshot     func() []events.Event
	metrics      *hubMetrics
	registry     *metric.MetricsRegistry

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

type client struct {
	conn      *websocket.Conn
	queue     buffer.Buffer[[]byte]
	closeOnce sync.Once
}

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBufferSize sets the per-client queue capacity
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithPingInterval sets how often idle clients are pinged
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithCheckOrigin restricts which origins may connect. All are accepted by default.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// WithSnapshot sends the events returned by fn to each client as it connects,
// typically one loaded event per resident zone.
func WithSnapshot(fn func() []events.Event) Option {
	return func(h *Hub) {
		h.snapshot = fn
	}
}

// WithMetrics registers the hub metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) {
		h.registry = registry
	}
}

// NewHub creates a hub with no clients
func NewHub(opts ...Option) (*Hub, error) {
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:       slog.Default(),
		bufferSize:   defaultBufferSize,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		clients:      make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "websocket-hub")

	if h.registry != nil {
		m, err := newHubMetrics(h.registry)
		if err != nil {
			return nil, errors.Wrap(err, "Hub", "NewHub", "register metrics")
		}
		h.metrics = m
	}
	return h, nil
}

// ZoneLoading implements events.Observer
func (h *Hub) ZoneLoading(name string, progress zone.Progress) {
	h.Broadcast(events.NewEvent(events.KindLoading, name, progress))
}

// ZoneLoaded implements events.Observer
func (h *Hub) ZoneLoaded(name string) {
	h.Broadcast(events.NewEvent(events.KindLoaded, name, nil))
}

// ZoneUnloaded implements events.Observer
func (h *Hub) ZoneUnloaded(name string) {
	h.Broadcast(events.NewEvent(events.KindUnloaded, name, nil))
}

// Broadcast queues e for every connected client. It never blocks on a client.
func (h *Hub) Broadcast(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to encode zone event", "kind", e.Kind, "zone", e.Zone, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		// a closed queue belongs to a client being removed
		_ = c.queue.Write(data)
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Sent returns the number of messages written to clients
func (h *Hub) Sent() int64 {
	return h.sent.Load()
}

// Dropped returns the number of events discarded for slow clients
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		h.metrics.recordError("upgrade")
		return
	}

	c, err := h.newClient(conn)
	if err != nil {
		_ = conn.Close()
		h.logger.Warn("Rejected websocket client", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.logger.Debug("WebSocket client connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) newClient(conn *websocket.Conn) (*client, error) {
	queue, err := buffer.NewCircularBuffer[[]byte](h.bufferSize,
		buffer.WithDropCallback(func([]byte) {
			h.dropped.Add(1)
			h.metrics.recordDrop()
		}))
	if err != nil {
		return nil, err
	}
	c := &client{conn: conn, queue: queue}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "Hub", "ServeHTTP", "hub closed")
	}
	// Broadcast holds the read lock, so no live event can be queued ahead
	// of the snapshot.
	if h.snapshot != nil {
		for _, e := range h.snapshot() {
			if data, err := json.Marshal(e); err == nil {
				_ = c.queue.Write(data)
			}
		}
	}
	h.clients[c] = struct{}{}
	h.metrics.setClients(len(h.clients))
	// counted under the lock so Close cannot wait before the pumps exist
	h.wg.Add(2)
	return c, nil
}

func (h *Hub) removeClient(c *client) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.metrics.setClients(len(h.clients))
		h.mu.Unlock()

		_ = c.queue.Close()
		_ = c.conn.Close()
	})
}

// writePump is the only writer on the connection
func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.queue.Ready():
			for batch := c.queue.ReadBatch(batchSize); len(batch) > 0; batch = c.queue.ReadBatch(batchSize) {
				for _, data := range batch {
					if !h.write(c, websocket.TextMessage, data) {
						return
					}
					h.sent.Add(1)
					h.metrics.recordSent()
				}
			}
		case <-ticker.C:
			if !h.write(c, websocket.PingMessage, nil) {
				return
			}
		case <-c.queue.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (h *Hub) write(c *client, messageType int, data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		h.logger.Debug("WebSocket write failed, dropping client", "error", err)
		h.metrics.recordError("write")
		return false
	}
	return true
}

// readPump discards client messages and notices disconnects
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	readTimeout := 2 * h.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client and waits for their goroutines
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.queue.Close()
	}
	h.wg.Wait()
	h.logger.Info("WebSocket hub closed", "sent", h.Sent(), "dropped", h.Dropped())
	return nil
}

type hubMetrics struct {
	clients prometheus.Gauge
	sent    prometheus.Counter
	drops   prometheus.Counter
	errors  *prometheus.CounterVec
}

func newHubMetrics(registry *metric.MetricsRegistry) (*hubMetrics, error) {
	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonestream",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of connected websocket clients",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonestream",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Zone events written to websocket clients",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonestream",
			Subsystem: "websocket",
			Name:      "messages_dropped_total",
			Help:      "Zone events discarded because a client queue was full",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonestream",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket errors by operation",
		}, []string{"operation"}),
	}

	if err := registry.RegisterGauge("websocket", "clients_connected", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("websocket", "messages_sent", m.sent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("websocket", "messages_dropped", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("websocket", "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *hubMetrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *hubMetrics) recordSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *hubMetrics) recordDrop() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *hubMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}
