// Package loader loads and unloads single zones asynchronously.
//
// At most one backend load runs per zone. A Load for a zone that is already
// in flight attaches to the running operation and receives its own
// continuation; a Load for a resident zone completes at once. Loads execute
// on a bounded worker pool; a saturated queue is retried with backoff rather
// than blocking the caller.
//
// A load whose backend fails after retries, or that returns no root, is still
// recorded resident with no root. Such zones have no known neighbors, so the
// scheduler treats them as leaves instead of requesting them again.
package loader

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/zonestream/adjacency"
	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/events"
	"github.com/c360/zonestream/metric"
	"github.com/c360/zonestream/pkg/retry"
	"github.com/c360/zonestream/pkg/worker"
	"github.com/c360/zonestream/world"
	"github.com/c360/zonestream/zone"
)

const tracerName = "github.com/c360/zonestream/loader"

// Config sizes the worker pool and the backend retry policy
type Config struct {
	Workers     int
	QueueSize   int
	Retry       errors.RetryConfig
	StopTimeout time.Duration
}

// DefaultConfig returns the loader defaults
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		Retry:       errors.DefaultRetryConfig(),
		StopTimeout: 5 * time.Second,
	}
}

type taskKind int

const (
	taskLoad taskKind = iota
	taskUnload
)

type task struct {
	kind taskKind
	name string
	op   *op
}

// Loader owns the resident and in-flight registries
type Loader struct {
	backend  world.Backend
	resolver *adjacency.Resolver
	observer events.Observer
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
	tracer   trace.Tracer
	cfg      Config

	pool   *worker.Pool[task]
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	resident  map[string]*zone.Root // nil root: failed or missing representation
	failed    map[string]error
	inFlight  map[string]*op
	unloading map[string]int
	closed    bool
}

// Option configures a Loader
type Option func(*Loader)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// WithObserver sets the notification observer
func WithObserver(observer events.Observer) Option {
	return func(l *Loader) { l.observer = observer }
}

// WithMetrics records load outcomes and registry sizes to registry and
// registers the worker pool metrics with it.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(l *Loader) {
		l.registry = registry
		if registry != nil {
			l.metrics = registry.CoreMetrics()
		}
	}
}

// WithTracer sets the tracer used for load spans
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Loader) { l.tracer = tracer }
}

// New creates a loader and starts its worker pool
func New(backend world.Backend, resolver *adjacency.Resolver, cfg Config, opts ...Option) (*Loader, error) {
	if backend == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "loader", "New", "world backend is nil")
	}
	if resolver == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "loader", "New", "adjacency resolver is nil")
	}

	l := &Loader{
		backend:   backend,
		resolver:  resolver,
		cfg:       cfg,
		resident:  make(map[string]*zone.Root),
		failed:    make(map[string]error),
		inFlight:  make(map[string]*op),
		unloading: make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "loader")
	if _, ok := l.observer.(*events.Multi); !ok {
		// Observer panics must not reach Load callers or pool workers
		l.observer = events.NewMulti(l.logger, l.metrics, l.observer)
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer(tracerName)
	}

	var poolOpts []worker.Option[task]
	if l.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[task](l.registry, "zonestream_loader_pool"))
	}
	l.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, l.process, poolOpts...)

	l.ctx, l.cancel = context.WithCancel(context.Background())
	if err := l.pool.Start(l.ctx); err != nil {
		l.cancel()
		return nil, errors.WrapFatal(err, "loader", "New", "start worker pool")
	}
	return l, nil
}

// Load requests name and returns a handle for the request. then, if not
// nil, runs with distance once the zone is resident: synchronously when it
// already is, otherwise on the goroutine that finished the load.
func (l *Loader) Load(name string, distance int, then Continuation) *Handle {
	if name == "" {
		return completedHandle(name, distance, errors.ErrEmptyZoneName)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return completedHandle(name, distance, errors.ErrLoaderClosed)
	}

	if _, ok := l.resident[name]; ok {
		l.mu.Unlock()
		l.metrics.RecordLoad(metric.LoadOutcomeResident, 0)
		if then != nil {
			then(name, distance)
		}
		return completedHandle(name, distance, nil)
	}

	if o, ok := l.inFlight[name]; ok {
		o.waiters = append(o.waiters, waiter{distance: distance, then: then})
		l.mu.Unlock()
		l.metrics.RecordLoad(metric.LoadOutcomeAttached, 0)
		return &Handle{name: name, distance: distance, op: o}
	}

	o := newOp(name)
	o.waiters = append(o.waiters, waiter{distance: distance, then: then})
	l.inFlight[name] = o
	l.updateSizesLocked()
	l.mu.Unlock()

	l.logger.Debug("Zone load started", "zone", name, "distance", distance)
	l.observer.ZoneLoading(name, o)
	l.submit(task{kind: taskLoad, name: name, op: o})

	return &Handle{name: name, distance: distance, op: o}
}

// Unload evicts a resident zone and starts its backend unload without
// waiting for it. It reports whether the zone was resident.
func (l *Loader) Unload(name string) bool {
	l.mu.Lock()
	if _, ok := l.resident[name]; !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.resident, name)
	delete(l.failed, name)
	l.resolver.Remove(name)
	l.unloading[name]++
	l.updateSizesLocked()
	l.mu.Unlock()

	l.metrics.RecordUnload()
	l.logger.Debug("Zone unloaded", "zone", name)
	l.observer.ZoneUnloaded(name)
	l.submit(task{kind: taskUnload, name: name})
	return true
}

// IsLoaded reports whether name is resident, including failed loads
func (l *Loader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.resident[name]
	return ok
}

// IsLoading reports whether name has a load in flight
func (l *Loader) IsLoading(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inFlight[name]
	return ok
}

// State returns the residency state of name
func (l *Loader) State(name string) zone.State {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.inFlight[name]; ok {
		return zone.Loading
	}
	if _, ok := l.failed[name]; ok {
		return zone.Failed
	}
	if _, ok := l.resident[name]; ok {
		return zone.Resident
	}
	if l.unloading[name] > 0 {
		return zone.Unloading
	}
	return zone.Unloaded
}

// Root returns the root of a resident zone. It is nil for failed loads and
// for loads whose root could not be located.
func (l *Loader) Root(name string) (*zone.Root, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	root, ok := l.resident[name]
	return root, ok
}

// Resident returns the sorted names of resident zones
func (l *Loader) Resident() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedKeys(l.resident)
}

// InFlight returns the sorted names of zones with a load in flight
func (l *Loader) InFlight() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedKeys(l.inFlight)
}

// Counts returns the resident and in-flight registry sizes
func (l *Loader) Counts() (resident, inFlight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.resident), len(l.inFlight)
}

// PoolStats returns the worker pool statistics
func (l *Loader) PoolStats() worker.PoolStats {
	return l.pool.Stats()
}

// Close stops accepting loads, releases every waiter of an unfinished load
// with ErrLoaderClosed, cancels running backend calls and stops the pool.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := make([]*op, 0, len(l.inFlight))
	for name, o := range l.inFlight {
		o.finished = true
		o.waiters = nil
		pending = append(pending, o)
		delete(l.inFlight, name)
	}
	l.updateSizesLocked()
	l.mu.Unlock()

	for _, o := range pending {
		o.setErr(errors.ErrLoaderClosed)
		close(o.done)
	}

	l.cancel()
	if err := l.pool.Stop(l.cfg.StopTimeout); err != nil {
		return errors.WrapTransient(err, "loader", "Close", "stop worker pool")
	}
	return nil
}

func (l *Loader) process(ctx context.Context, t task) error {
	switch t.kind {
	case taskLoad:
		return l.runLoad(ctx, t.op)
	case taskUnload:
		return l.runUnload(ctx, t.name)
	}
	return nil
}

func (l *Loader) runLoad(ctx context.Context, o *op) error {
	ctx, span := l.tracer.Start(ctx, "zonestream.load",
		trace.WithAttributes(attribute.String("zone.name", o.name)))
	defer span.End()

	attempt := 0
	root, err := retry.DoWithResult(ctx, l.cfg.Retry.ToRetryConfig(), func() (*zone.Root, error) {
		root, err := l.backend.Load(ctx, o.name, o.report)
		retryable := l.cfg.Retry.ShouldRetry(err, attempt)
		attempt++
		if err != nil {
			if !retryable {
				return nil, retry.Permanent(err)
			}
			l.logger.Debug("Retrying zone load", "zone", o.name, "attempt", attempt, "error", err)
		}
		return root, err
	})
	span.SetAttributes(attribute.Int("zone.load.attempts", attempt))

	var perm *retry.PermanentError
	if stderrors.As(err, &perm) {
		err = perm.Err
	}

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "zone load failed")
		l.logger.Warn("Zone load failed, marking resident without root",
			"zone", o.name,
			"attempts", attempt,
			"error", err)
		l.finish(o, nil, err, metric.LoadOutcomeFailed)
	case root == nil:
		span.SetStatus(codes.Error, "zone root missing")
		l.logger.Warn("Zone loaded but its root could not be located, marking resident", "zone", o.name)
		l.finish(o, nil, nil, metric.LoadOutcomeMissing)
	default:
		if root.Name != o.name {
			l.logger.Warn("Zone root name differs from requested zone",
				"zone", o.name,
				"root", root.Name)
			fixed := *root
			fixed.Name = o.name
			root = &fixed
		}
		l.finish(o, root, nil, metric.LoadOutcomeLoaded)
	}
	return err
}

// finish moves o from in flight to resident, registers its root and runs
// the attached continuations outside the lock. Continuations run before
// done is closed, so a returned Wait implies they have all run.
func (l *Loader) finish(o *op, root *zone.Root, err error, outcome string) {
	l.mu.Lock()
	if o.finished {
		l.mu.Unlock()
		return
	}
	o.finished = true
	delete(l.inFlight, o.name)
	l.resident[o.name] = root
	if err != nil {
		l.failed[o.name] = err
	}
	l.resolver.Register(root)
	waiters := o.waiters
	o.waiters = nil
	l.updateSizesLocked()
	l.mu.Unlock()

	o.setErr(err)
	o.report(1)

	l.metrics.RecordLoad(outcome, time.Since(o.started))
	l.logger.Debug("Zone load finished", "zone", o.name, "outcome", outcome)
	l.observer.ZoneLoaded(o.name)

	for _, w := range waiters {
		if w.then != nil {
			w.then(o.name, w.distance)
		}
	}
	close(o.done)
}

func (l *Loader) runUnload(ctx context.Context, name string) error {
	err := l.backend.Unload(ctx, name)
	if err != nil {
		l.logger.Warn("Backend unload failed", "zone", name, "error", err)
	}
	l.doneUnloading(name)
	return err
}

func (l *Loader) doneUnloading(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unloading[name] <= 1 {
		delete(l.unloading, name)
		return
	}
	l.unloading[name]--
}

// submit queues t on the pool. A full queue is retried in the background.
func (l *Loader) submit(t task) {
	err := l.pool.Submit(t)
	if err == nil {
		return
	}
	if !stderrors.Is(err, worker.ErrQueueFull) {
		l.abandon(t, err)
		return
	}

	l.logger.Debug("Loader queue full, retrying submit", "zone", t.name)
	go func() {
		err := retry.Do(l.ctx, retry.Quick(), func() error {
			err := l.pool.Submit(t)
			if err != nil && !stderrors.Is(err, worker.ErrQueueFull) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			l.abandon(t, err)
		}
	}()
}

// abandon settles a task that never reached a worker
func (l *Loader) abandon(t task, err error) {
	switch t.kind {
	case taskLoad:
		l.logger.Warn("Zone load could not be scheduled", "zone", t.name, "error", err)
		l.finish(t.op, nil, errors.WrapTransient(err, "loader", "submit", "schedule load"), metric.LoadOutcomeFailed)
	case taskUnload:
		l.logger.Warn("Zone unload could not be scheduled", "zone", t.name, "error", err)
		l.doneUnloading(t.name)
	}
}

func (l *Loader) updateSizesLocked() {
	l.metrics.SetRegistrySizes(len(l.resident), len(l.inFlight))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
