package streamer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/health"
	"github.com/c360/zonestream/loader"
	"github.com/c360/zonestream/metric"
)

const tracerName = "github.com/c360/zonestream/streamer"

// ZoneLoader is the part of the loader the scheduler drives
type ZoneLoader interface {
	Load(name string, distance int, then loader.Continuation) *loader.Handle
	Unload(name string) bool
	IsLoaded(name string) bool
	Resident() []string
	InFlight() []string
}

// Adjacency answers neighbor queries for loaded zones
type Adjacency interface {
	Neighbors(name string) ([]string, bool)
}

// CycleResult summarizes the last finished cycle
type CycleResult struct {
	ID       string        `json:"id"`
	Zone     string        `json:"zone"`
	Outcome  string        `json:"outcome"`
	Wanted   int           `json:"wanted"`
	Unloaded []string      `json:"unloaded,omitempty"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
	Finished time.Time     `json:"finished"`
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	CurrentZone string       `json:"current_zone"`
	Phase       Phase        `json:"phase"`
	Wanted      []string     `json:"wanted"`
	Resident    []string     `json:"resident"`
	InFlight    []string     `json:"in_flight"`
	Cycles      uint64       `json:"cycles"`
	Superseded  uint64       `json:"superseded"`
	Timeouts    uint64       `json:"timeouts"`
	LastCycle   *CycleResult `json:"last_cycle,omitempty"`
}

// Scheduler keeps the focal zone and its neighborhood resident.
//
// Each focal change starts a cycle on its own goroutine. A newer focal change
// cancels the running cycle, and the new cycle starts only after the
// cancelled one has exited, so at most one cycle mutates residency at a time.
type Scheduler struct {
	cfg       Config
	loader    ZoneLoader
	adjacency Adjacency
	logger    *slog.Logger
	metrics   *metric.Metrics
	tracer    trace.Tracer
	started   time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	current    string
	wanted     map[string]struct{}
	phase      Phase
	cancel     context.CancelFunc
	lastDone   chan struct{}
	closed     bool
	cycles     uint64
	superseded uint64
	timeouts   uint64
	last       *CycleResult
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics records cycle outcomes to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Scheduler) {
		if registry != nil {
			s.metrics = registry.CoreMetrics()
		}
	}
}

// WithTracer sets the tracer used for cycle spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

// New creates a scheduler with no focal zone
func New(zones ZoneLoader, adjacency Adjacency, cfg Config, opts ...Option) (*Scheduler, error) {
	if zones == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "streamer", "New", "zone loader is nil")
	}
	if adjacency == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "streamer", "New", "adjacency is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:       cfg,
		loader:    zones,
		adjacency: adjacency,
		wanted:    make(map[string]struct{}),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "streamer")
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s, nil
}

// SetCurrentZone makes name the focal zone and starts a cycle. Setting the
// zone that is already focal does nothing.
func (s *Scheduler) SetCurrentZone(name string) {
	if name == "" {
		return
	}

	s.mu.Lock()
	if s.closed || name == s.current {
		s.mu.Unlock()
		return
	}
	previous := s.current
	s.current = name
	s.wanted = map[string]struct{}{name: {}}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	prev := s.lastDone
	done := make(chan struct{})
	s.lastDone = done
	id := uuid.NewString()
	s.wg.Add(1)
	s.mu.Unlock()

	s.debug(ctx, "Focal zone changed", "cycle_id", id, "from", previous, "to", name)

	go s.runCycle(ctx, cancel, cycle{id: id, focal: name}, prev, done)
}

// Load requests name directly at distance 0 without changing the focal zone
func (s *Scheduler) Load(name string) *loader.Handle {
	return s.loader.Load(name, 0, nil)
}

// Unload evicts name directly. A later cycle reloads it if it is still wanted.
func (s *Scheduler) Unload(name string) bool {
	return s.loader.Unload(name)
}

// IsLoaded reports whether name is resident
func (s *Scheduler) IsLoaded(name string) bool {
	return s.loader.IsLoaded(name)
}

// CurrentZone returns the focal zone, empty before the first SetCurrentZone
func (s *Scheduler) CurrentZone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Wanted returns the zones the current cycle wants resident, sorted
func (s *Scheduler) Wanted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedSet(s.wanted)
}

// Phase returns the phase of the running cycle
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastCycle returns the result of the last finished cycle, or nil
func (s *Scheduler) LastCycle() *CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	last := *s.last
	return &last
}

// Stats returns a snapshot of the scheduler and loader registries
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		CurrentZone: s.current,
		Phase:       s.phase,
		Wanted:      sortedSet(s.wanted),
		Cycles:      s.cycles,
		Superseded:  s.superseded,
		Timeouts:    s.timeouts,
	}
	if s.last != nil {
		last := *s.last
		st.LastCycle = &last
	}
	s.mu.Unlock()

	st.Resident = s.loader.Resident()
	st.InFlight = s.loader.InFlight()
	return st
}

// Health reports the scheduler status. A cycle that hit the wait ceiling
// leaves the scheduler degraded until a later cycle completes in time.
func (s *Scheduler) Health() health.Status {
	st := s.Stats()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	var status health.Status
	switch {
	case closed:
		status = health.NewUnhealthy("streamer", "scheduler closed")
	case st.LastCycle != nil && st.LastCycle.TimedOut:
		status = health.NewDegraded("streamer", "last cycle hit the load wait ceiling for "+st.LastCycle.Zone)
	default:
		status = health.NewHealthy("streamer", "streaming around "+focalLabel(st.CurrentZone))
	}

	status.Metrics = &health.Metrics{
		Uptime:        time.Since(s.started),
		ErrorCount:    int(st.Timeouts),
		ResidentZones: len(st.Resident),
		InFlightZones: len(st.InFlight),
		WantedZones:   len(st.Wanted),
	}
	if st.LastCycle != nil {
		status.Metrics.LastActivity = st.LastCycle.Finished
	}
	return status
}

// WaitIdle blocks until the most recently started cycle has exited
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	done := s.lastDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the running cycle and waits for it to exit. Resident zones
// stay resident; the loader is closed by its owner.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.baseCancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.phase = PhaseIdle
	s.mu.Unlock()
	s.logger.Info("Zone scheduler closed")
	return nil
}

// debug logs only when debug logging is configured and the logger emits
// debug records.
func (s *Scheduler) debug(ctx context.Context, msg string, args ...any) {
	if !s.cfg.DebugLogging || !s.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	s.logger.DebugContext(ctx, msg, args...)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func focalLabel(name string) string {
	if name == "" {
		return "no focal zone"
	}
	return name
}
