// Package http serves the zonestream status and control API.
package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/zonestream/boundary"
	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/health"
	"github.com/c360/zonestream/loader"
	"github.com/c360/zonestream/streamer"
	"github.com/c360/zonestream/zone"
)

const (
	// maxRequestSize bounds request bodies
	maxRequestSize = 64 * 1024

	defaultControlRate  = 100
	defaultControlBurst = 10
)

// Scheduler is the part of streamer.Scheduler the gateway drives
type Scheduler interface {
	SetCurrentZone(name string)
	Stats() streamer.Stats
	Load(name string) *loader.Handle
	Unload(name string) bool
	IsLoaded(name string) bool
}

// ZoneInspector reports per-zone state. loader.Loader satisfies it.
type ZoneInspector interface {
	State(name string) zone.State
	Root(name string) (*zone.Root, bool)
}

// CurrentZoneRequest is the body of POST /zones/current
type CurrentZoneRequest struct {
	Zone string `json:"zone"`
}

// CrossingRequest is the body of POST /zones/{name}/edges/{edge}
type CrossingRequest struct {
	Tag string `json:"tag"`
}

// ZoneStatus is the body returned for a single zone
type ZoneStatus struct {
	Name   string     `json:"name"`
	State  string     `json:"state"`
	Loaded bool       `json:"loaded"`
	Root   *zone.Root `json:"root,omitempty"`
}

// Gateway exposes the scheduler over HTTP:
//
//	GET    /zones           scheduler stats
//	POST   /zones/current   set the focal zone
//	GET    /zones/{name}    state of one zone
//	PUT    /zones/{name}    load a zone outside the scheduler
//	DELETE /zones/{name}    unload a zone
//	POST   /zones/{name}/edges/{edge}
//	                        cross a boundary edge of a resident zone
//	GET    /health          aggregated component health
//	GET    /ws              zone event feed, when configured
//
// A crossing answers 202 when the edge accepted the tag and changed the
// focal zone, 204 when the tag is not on the edge's allow-list.
//
// The POST, PUT and DELETE routes share one rate limiter and answer 429 when
// it is exhausted.
type Gateway struct {
	port      int
	scheduler Scheduler
	zones     ZoneInspector
	monitor   *health.Monitor
	feed      http.Handler
	logger    *slog.Logger
	limiter   *rate.Limiter

	mu     sync.Mutex
	server *http.Server
	addr   string

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithZones enables per-zone state in GET /zones/{name}
func WithZones(zones ZoneInspector) Option {
	return func(g *Gateway) {
		g.zones = zones
	}
}

// WithHealth serves monitor on /health
func WithHealth(monitor *health.Monitor) Option {
	return func(g *Gateway) {
		g.monitor = monitor
	}
}

// WithFeed mounts the event feed on /ws
func WithFeed(feed http.Handler) Option {
	return func(g *Gateway) {
		g.feed = feed
	}
}

// WithRateLimit limits control requests to perSecond with the given burst.
// A non-positive perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewGateway creates a gateway listening on port once started
func NewGateway(port int, scheduler Scheduler, opts ...Option) (*Gateway, error) {
	if scheduler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "NewGateway", "scheduler is required")
	}
	g := &Gateway{
		port:      port,
		scheduler: scheduler,
		logger:    slog.Default(),
		limiter:   rate.NewLimiter(rate.Limit(defaultControlRate), defaultControlBurst),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "http-gateway")
	return g, nil
}

// Handler returns the gateway routes
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /zones", g.handleStats)
	mux.HandleFunc("POST /zones/current", g.limited(g.handleSetCurrent))
	mux.HandleFunc("GET /zones/{name}", g.handleZone)
	mux.HandleFunc("PUT /zones/{name}", g.limited(g.handleLoad))
	mux.HandleFunc("DELETE /zones/{name}", g.limited(g.handleUnload))
	mux.HandleFunc("POST /zones/{name}/edges/{edge}", g.limited(g.handleCrossing))
	mux.HandleFunc("GET /health", g.handleHealth)
	if g.feed != nil {
		mux.Handle("GET /ws", g.feed)
	}
	return g.track(mux)
}

// Start binds the listener and serves in the background
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start", "gateway already running")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", fmt.Sprintf("listen on port %d", g.port))
	}

	srv := &http.Server{Handler: g.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.server = srv
	g.addr = ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("HTTP gateway stopped", "error", err)
		}
	}()
	g.logger.Info("HTTP gateway listening", "addr", g.addr)
	return nil
}

// Stop shuts the server down
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server == nil {
		return nil
	}
	err := g.server.Shutdown(ctx)
	g.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "shutdown http gateway")
	}
	return nil
}

// Addr returns the bound listen address, empty before Start
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Health reports request failures
func (g *Gateway) Health() health.Status {
	total := g.requestsTotal.Load()
	failed := g.requestsFailed.Load()
	status := health.NewHealthy("http-gateway", fmt.Sprintf("%d requests served", total))
	if total > 0 && failed*2 > total {
		status = health.NewDegraded("http-gateway", fmt.Sprintf("%d of %d requests failed", failed, total))
	}
	return status.WithMetrics(&health.Metrics{ErrorCount: int(failed)})
}

// getOrGenerateRequestID extracts the request ID from headers or generates one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (g *Gateway) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		g.requestsTotal.Add(1)

		if r.URL.Path == "/ws" {
			// the upgrader hijacks the connection
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError || rec.status == http.StatusBadRequest {
			g.requestsFailed.Add(1)
		}
		g.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", requestID)
	})
}

func (g *Gateway) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.limiter != nil && !g.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.scheduler.Stats())
}

func (g *Gateway) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var req CurrentZoneRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Zone)
	if name == "" {
		g.writeError(w, http.StatusBadRequest, "zone name is required")
		return
	}

	g.scheduler.SetCurrentZone(name)
	g.logger.Info("Focal zone set over HTTP", "zone", name, "remote", r.RemoteAddr)
	g.writeJSON(w, http.StatusAccepted, map[string]string{"current_zone": name})
}

// handleCrossing feeds an entity crossing to the named edge of a resident
// zone. Sensors are built from the zone's current root, so the edge's
// allow-list decides whether the focal zone changes.
func (g *Gateway) handleCrossing(w http.ResponseWriter, r *http.Request) {
	var req CrossingRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	name, edgeName := r.PathValue("name"), r.PathValue("edge")
	if g.zones == nil {
		g.writeError(w, http.StatusNotFound, "zone roots are not available")
		return
	}
	root, ok := g.zones.Root(name)
	if !ok || root == nil {
		g.writeError(w, http.StatusNotFound, fmt.Sprintf("zone %q has no resident root", name))
		return
	}

	sensors, err := boundary.Sensors(g.scheduler, root, boundary.WithLogger(g.logger))
	if err != nil {
		g.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
		return
	}
	edge := findEdge(sensors, edgeName)
	if edge == nil {
		g.writeError(w, http.StatusNotFound, fmt.Sprintf("zone %q has no edge %q", name, edgeName))
		return
	}

	if !edge.Enter(req.Tag) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.logger.Info("Boundary crossed over HTTP", "zone", name, "edge", edge.Name(), "target", edge.Zone())
	g.writeJSON(w, http.StatusAccepted, map[string]string{"current_zone": edge.Zone()})
}

// findEdge matches an edge by name, then by target zone
func findEdge(sensors []*boundary.Edge, key string) *boundary.Edge {
	for _, e := range sensors {
		if e.Name() == key {
			return e
		}
	}
	for _, e := range sensors {
		if e.Zone() == key {
			return e
		}
	}
	return nil
}

// decodeBody reads a bounded JSON body into v and writes the error response
// when it cannot.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxRequestSize {
		g.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", maxRequestSize))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func (g *Gateway) handleZone(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.zoneStatus(r.PathValue("name")))
}

func (g *Gateway) handleLoad(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h := g.scheduler.Load(name)
	if h.Rejected() {
		g.writeError(w, mapErrorToHTTPStatus(h.Err()), sanitizeError(h.Err()))
		return
	}
	g.writeJSON(w, http.StatusAccepted, g.zoneStatus(name))
}

func (g *Gateway) handleUnload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !g.scheduler.Unload(name) {
		g.writeError(w, http.StatusNotFound, "zone not resident")
		return
	}
	g.writeJSON(w, http.StatusOK, g.zoneStatus(name))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if g.monitor == nil {
		g.writeJSON(w, http.StatusOK, health.NewHealthy("zonestream", "no health monitor configured"))
		return
	}
	status := g.monitor.AggregateHealth("zonestream")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, status)
}

func (g *Gateway) zoneStatus(name string) ZoneStatus {
	s := ZoneStatus{Name: name, Loaded: g.scheduler.IsLoaded(name)}
	if g.zones == nil {
		s.State = zone.Unloaded.String()
		if s.Loaded {
			s.State = zone.Resident.String()
		}
		return s
	}
	s.State = g.zones.State(name).String()
	if root, ok := g.zones.Root(name); ok {
		s.Root = root
	}
	return s
}

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case stderrors.Is(err, errors.ErrLoaderClosed):
		return http.StatusServiceUnavailable
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsFatal(err):
		return http.StatusServiceUnavailable
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a message safe for external clients
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case stderrors.Is(err, errors.ErrLoaderClosed):
		return "service temporarily unavailable"
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.IsFatal(err), errors.IsTransient(err):
		return "service temporarily unavailable"
	}
	return "internal server error"
}

func (g *Gateway) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("Failed to encode response", "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": code,
	})
	_, _ = w.Write(data)
}
