// Package memory is an in-process world backend.
//
// Zones are registered up front with Add. Per-zone latency, gates, hangs,
// failures and missing roots can be injected, and every backend call is
// counted, which makes the backend the test double for the loader and the
// scheduler as well as the engine of the "memory" world in the CLI.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/zone"
)

const progressSteps = 4

type failure struct {
	err       error
	remaining int // <= 0 fails forever
}

// World is an in-memory zone backend
type World struct {
	mu sync.Mutex

	zones   map[string]*zone.Root
	loaded  map[string]bool
	latency map[string]time.Duration
	gates   map[string]chan struct{}
	hangs   map[string]bool
	missing map[string]bool
	fails   map[string]*failure

	defaultLatency time.Duration

	loads   map[string]int
	unloads map[string]int
	order   []string
	active  int
	peak    int
}

// New creates a world containing roots
func New(roots ...*zone.Root) *World {
	w := &World{
		zones:   make(map[string]*zone.Root),
		loaded:  make(map[string]bool),
		latency: make(map[string]time.Duration),
		gates:   make(map[string]chan struct{}),
		hangs:   make(map[string]bool),
		missing: make(map[string]bool),
		fails:   make(map[string]*failure),
		loads:   make(map[string]int),
		unloads: make(map[string]int),
	}
	for _, r := range roots {
		w.Add(r)
	}
	return w
}

// Chain builds a world whose zones form a line: names[0] - names[1] - ...
// Each zone declares its neighbors through boundary edges.
func Chain(names ...string) *World {
	edges := make(map[string][]zone.Edge, len(names))
	for i := 0; i+1 < len(names); i++ {
		a, b := names[i], names[i+1]
		edges[a] = append(edges[a], zone.Edge{Name: a + "->" + b, Target: b})
		edges[b] = append(edges[b], zone.Edge{Name: b + "->" + a, Target: a})
	}
	w := New()
	for _, n := range names {
		w.Add(&zone.Root{Name: n, Edges: edges[n]})
	}
	return w
}

// Add registers or replaces a zone. A nil root is ignored.
func (w *World) Add(root *zone.Root) {
	if root == nil || root.Name == "" {
		return
	}
	w.mu.Lock()
	w.zones[root.Name] = cloneRoot(root)
	w.mu.Unlock()
}

// Connect declares an undirected edge between a and b, adding missing zones
func (w *World) Connect(a, b string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		r, ok := w.zones[pair[0]]
		if !ok {
			r = &zone.Root{Name: pair[0]}
			w.zones[pair[0]] = r
		}
		r.Edges = append(r.Edges, zone.Edge{Name: pair[0] + "->" + pair[1], Target: pair[1]})
	}
}

// Names returns the sorted names of every known zone
func (w *World) Names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.zones))
	for n := range w.zones {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetDefaultLatency delays every load without a zone-specific latency
func (w *World) SetDefaultLatency(d time.Duration) {
	w.mu.Lock()
	w.defaultLatency = d
	w.mu.Unlock()
}

// SetLatency delays loads of name
func (w *World) SetLatency(name string, d time.Duration) {
	w.mu.Lock()
	w.latency[name] = d
	w.mu.Unlock()
}

// Gate blocks loads of name until the returned release function is called
func (w *World) Gate(name string) (release func()) {
	ch := make(chan struct{})
	w.mu.Lock()
	w.gates[name] = ch
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(ch)
			w.mu.Lock()
			if w.gates[name] == ch {
				delete(w.gates, name)
			}
			w.mu.Unlock()
		})
	}
}

// Hang makes loads of name block until their context is cancelled
func (w *World) Hang(name string) {
	w.mu.Lock()
	w.hangs[name] = true
	w.mu.Unlock()
}

// Fail makes the next times loads of name return err. times <= 0 fails forever.
func (w *World) Fail(name string, err error, times int) {
	w.mu.Lock()
	w.fails[name] = &failure{err: err, remaining: times}
	w.mu.Unlock()
}

// SetMissingRoot makes loads of name succeed without a root
func (w *World) SetMissingRoot(name string) {
	w.mu.Lock()
	w.missing[name] = true
	w.mu.Unlock()
}

// Loads returns how many backend loads were started for name
func (w *World) Loads(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loads[name]
}

// Unloads returns how many backend unloads were requested for name
func (w *World) Unloads(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unloads[name]
}

// LoadOrder returns zone names in the order their loads started
func (w *World) LoadOrder() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.order...)
}

// PeakConcurrency returns the largest number of loads observed running at once
func (w *World) PeakConcurrency() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peak
}

// IsLoaded reports whether the backend holds content for name
func (w *World) IsLoaded(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded[name]
}

// Load implements world.Backend
func (w *World) Load(ctx context.Context, name string, report func(float64)) (*zone.Root, error) {
	w.mu.Lock()
	w.loads[name]++
	w.order = append(w.order, name)
	w.active++
	if w.active > w.peak {
		w.peak = w.active
	}
	root, known := w.zones[name]
	delay, ok := w.latency[name]
	if !ok {
		delay = w.defaultLatency
	}
	gate := w.gates[name]
	hang := w.hangs[name]
	missing := w.missing[name]
	var failErr error
	if f, ok := w.fails[name]; ok {
		failErr = f.err
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				delete(w.fails, name)
			}
		}
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.active--
		w.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return nil, errors.WrapTransient(ctx.Err(), "memory", "Load", fmt.Sprintf("load zone %s", name))
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "memory", "Load", fmt.Sprintf("load zone %s", name))
		}
	}
	if err := w.simulate(ctx, delay, report); err != nil {
		return nil, errors.WrapTransient(err, "memory", "Load", fmt.Sprintf("load zone %s", name))
	}

	if failErr != nil {
		return nil, failErr
	}
	if !known {
		return nil, errors.WrapInvalid(errors.ErrZoneNotFound, "memory", "Load", fmt.Sprintf("load zone %s", name))
	}

	w.mu.Lock()
	w.loaded[name] = true
	w.mu.Unlock()

	if missing {
		return nil, nil
	}
	return cloneRoot(root), nil
}

// simulate spends delay in progressSteps increments, reporting progress
func (w *World) simulate(ctx context.Context, delay time.Duration, report func(float64)) error {
	step := delay / progressSteps
	for i := 1; i <= progressSteps; i++ {
		if step > 0 {
			timer := time.NewTimer(step)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if report != nil {
			report(float64(i) / progressSteps)
		}
	}
	return nil
}

// Unload implements world.Backend
func (w *World) Unload(_ context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unloads[name]++
	delete(w.loaded, name)
	return nil
}

// Health implements world.HealthChecker
func (w *World) Health(context.Context) error {
	return nil
}

func cloneRoot(r *zone.Root) *zone.Root {
	c := &zone.Root{
		Name:      r.Name,
		Neighbors: append([]string(nil), r.Neighbors...),
		Edges:     make([]zone.Edge, len(r.Edges)),
	}
	for i, e := range r.Edges {
		c.Edges[i] = zone.Edge{
			Name:         e.Name,
			Target:       e.Target,
			AcceptedTags: append([]string(nil), e.AcceptedTags...),
		}
	}
	return c
}
