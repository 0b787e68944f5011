package loader

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Continuation runs once the requested zone is resident, with the distance
// the caller passed to Load.
type Continuation func(name string, distance int)

type waiter struct {
	distance int
	then     Continuation
}

// op is the single in-flight load of one zone. Every Load call for the zone
// while it is in flight attaches a waiter to the same op.
type op struct {
	name    string
	started time.Time
	done    chan struct{}

	progress atomic.Uint64 // math.Float64bits

	// guarded by Loader.mu
	waiters  []waiter
	finished bool

	errOnce sync.Once
	err     error
}

func newOp(name string) *op {
	return &op{
		name:    name,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// Progress implements zone.Progress
func (o *op) Progress() float64 {
	return math.Float64frombits(o.progress.Load())
}

func (o *op) report(p float64) {
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	// progress never moves backwards
	for {
		cur := o.progress.Load()
		if math.Float64frombits(cur) >= p {
			return
		}
		if o.progress.CompareAndSwap(cur, math.Float64bits(p)) {
			return
		}
	}
}

func (o *op) setErr(err error) {
	o.errOnce.Do(func() { o.err = err })
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Handle tracks one Load request
type Handle struct {
	name     string
	distance int
	op       *op
	err      error
}

func completedHandle(name string, distance int, err error) *Handle {
	return &Handle{name: name, distance: distance, err: err}
}

// Name returns the requested zone
func (h *Handle) Name() string { return h.name }

// Distance returns the traversal distance passed to Load
func (h *Handle) Distance() int { return h.distance }

// Done is closed when the load has finished, successfully or not
func (h *Handle) Done() <-chan struct{} {
	if h.op == nil {
		return closedChan
	}
	return h.op.done
}

// Rejected reports whether the request was refused without a load, as for an
// empty name or a closed loader. The continuation of a rejected request never runs.
func (h *Handle) Rejected() bool {
	return h.op == nil && h.err != nil
}

// Progress reports load completion in [0,1]
func (h *Handle) Progress() float64 {
	if h.op == nil {
		if h.err != nil {
			return 0
		}
		return 1
	}
	select {
	case <-h.op.done:
		return 1
	default:
		return h.op.Progress()
	}
}

// Err returns the backend error of a finished load. A load that failed is
// still resident with no root, so Err is informational.
func (h *Handle) Err() error {
	if h.op == nil {
		return h.err
	}
	select {
	case <-h.op.done:
		return h.op.err
	default:
		return nil
	}
}

// Wait blocks until the load finishes or ctx is done
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
