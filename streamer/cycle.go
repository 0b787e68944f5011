package streamer

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/zonestream/metric"
)

type cycle struct {
	id    string
	focal string
}

// layer counts outstanding loads of one BFS layer. done closes when every
// continuation of the layer has run.
type layer struct {
	remaining atomic.Int64
	done      chan struct{}
}

func newLayer(n int) *layer {
	l := &layer{done: make(chan struct{})}
	l.remaining.Store(int64(n))
	if n == 0 {
		close(l.done)
	}
	return l
}

func (l *layer) resolve(string, int) {
	if l.remaining.Add(-1) == 0 {
		close(l.done)
	}
}

// request loads name as part of l. A rejected request never runs its
// continuation, so it is resolved here.
func (s *Scheduler) request(l *layer, name string, distance int) {
	if h := s.loader.Load(name, distance, l.resolve); h.Rejected() {
		s.debug(context.Background(), "Zone request rejected", "zone", name, "error", h.Err())
		l.resolve(name, distance)
	}
}

type waitResult int

const (
	waitDone waitResult = iota
	waitTimedOut
	waitCancelled
)

func await(ctx context.Context, l *layer, deadline <-chan time.Time) waitResult {
	select {
	case <-l.done:
		return waitDone
	case <-deadline:
		return waitTimedOut
	case <-ctx.Done():
		return waitCancelled
	}
}

type queued struct {
	name     string
	distance int
}

func (s *Scheduler) runCycle(ctx context.Context, cancel context.CancelFunc, c cycle, prev <-chan struct{}, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)
	defer cancel()

	// the superseded cycle exits promptly once cancelled
	if prev != nil {
		<-prev
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "zonestream.cycle",
		trace.WithAttributes(
			attribute.String("cycle.id", c.id),
			attribute.String("zone.name", c.focal),
			attribute.Int("zone.max_distance", s.cfg.MaxNeighborDistance),
		))
	defer span.End()

	logger := s.logger.With("cycle_id", c.id, "zone", c.focal)
	result := &CycleResult{ID: c.id, Zone: c.focal}

	superseded := func() {
		s.debug(ctx, "Cycle superseded by a newer focal zone", "cycle_id", c.id, "zone", c.focal)
		span.SetAttributes(attribute.String("cycle.outcome", metric.CycleOutcomeSuperseded))
		s.metrics.RecordCycle(metric.CycleOutcomeSuperseded, time.Since(start), 0)
		s.mu.Lock()
		s.superseded++
		s.mu.Unlock()
	}

	if ctx.Err() != nil {
		superseded()
		return
	}

	// Focal zone first, bounded by its own deadline
	s.setPhase(ctx, span, PhaseLoadingCurrent)
	current := newLayer(1)
	s.request(current, c.focal, 0)

	s.setPhase(ctx, span, PhaseWaitingForCurrent)
	currentTimer := time.NewTimer(s.cfg.MaxLoadWaitTime)
	defer currentTimer.Stop()
	switch await(ctx, current, currentTimer.C) {
	case waitCancelled:
		superseded()
		return
	case waitTimedOut:
		result.TimedOut = true
		logger.Warn("Focal zone did not finish loading within the wait ceiling, continuing",
			"max_load_wait_time", s.cfg.MaxLoadWaitTime)
		s.metrics.RecordPhaseTimeout("current")
		span.AddEvent("timeout", trace.WithAttributes(attribute.String("phase", "current")))
	}

	// Breadth-first expansion, one layer at a time. All neighbor layers share
	// one deadline; once it passes, unresolved zones are leaves.
	wanted := map[string]struct{}{c.focal: {}}
	queue := []queued{{name: c.focal, distance: 0}}
	neighborTimer := time.NewTimer(s.cfg.MaxLoadWaitTime)
	defer neighborTimer.Stop()
	neighborsTimedOut := false

	for len(queue) > 0 {
		s.setPhase(ctx, span, PhaseExpandingNeighbors)
		depth := queue[0].distance
		var next []queued
		for len(queue) > 0 && queue[0].distance == depth {
			item := queue[0]
			queue = queue[1:]
			if item.distance >= s.cfg.MaxNeighborDistance {
				continue
			}
			neighbors, ok := s.adjacency.Neighbors(item.name)
			if !ok {
				s.debug(ctx, "Zone adjacency unknown, treating as leaf",
					"cycle_id", c.id, "zone", item.name, "distance", item.distance)
				continue
			}
			for _, n := range neighbors {
				if _, seen := wanted[n]; seen {
					continue
				}
				wanted[n] = struct{}{}
				next = append(next, queued{name: n, distance: item.distance + 1})
			}
		}
		if len(next) == 0 {
			break
		}
		if !s.publishWanted(ctx, wanted) {
			superseded()
			return
		}

		s.setPhase(ctx, span, PhaseLoadingNeighbors)
		l := newLayer(len(next))
		for _, item := range next {
			s.debug(ctx, "Requesting neighbor zone",
				"cycle_id", c.id, "zone", item.name, "distance", item.distance)
			s.request(l, item.name, item.distance)
		}
		queue = append(queue, next...)

		if neighborsTimedOut {
			continue
		}
		s.setPhase(ctx, span, PhaseWaitingForNeighbors)
		switch await(ctx, l, neighborTimer.C) {
		case waitCancelled:
			superseded()
			return
		case waitTimedOut:
			neighborsTimedOut = true
			result.TimedOut = true
			logger.Warn("Neighbor zones did not finish loading within the wait ceiling, continuing",
				"max_load_wait_time", s.cfg.MaxLoadWaitTime, "depth", depth+1)
			s.metrics.RecordPhaseTimeout("neighbors")
			span.AddEvent("timeout", trace.WithAttributes(attribute.String("phase", "neighbors")))
		}
	}

	unloaded, ok := s.evict(ctx, span, c, wanted)
	if !ok {
		superseded()
		return
	}

	outcome := metric.CycleOutcomeCompleted
	if result.TimedOut {
		outcome = metric.CycleOutcomeTimedOut
	}
	result.Outcome = outcome
	result.Wanted = len(wanted)
	result.Unloaded = unloaded
	result.Duration = time.Since(start)
	result.Finished = time.Now()

	span.SetAttributes(
		attribute.String("cycle.outcome", outcome),
		attribute.Int("zone.wanted", len(wanted)),
		attribute.Int("zone.unloaded", len(unloaded)),
	)
	if result.TimedOut {
		span.SetStatus(codes.Error, "load wait ceiling reached")
	}
	s.metrics.RecordCycle(outcome, result.Duration, len(wanted))

	s.mu.Lock()
	s.cycles++
	if result.TimedOut {
		s.timeouts++
	}
	s.last = result
	if ctx.Err() == nil {
		s.phase = PhaseIdle
	}
	s.mu.Unlock()

	logger.Info("Zone streaming cycle finished",
		"outcome", outcome,
		"wanted", len(wanted),
		"unloaded", len(unloaded),
		"duration", result.Duration)
}

// evict unloads every resident zone outside wanted. It returns false if the
// cycle was superseded before eviction began.
func (s *Scheduler) evict(ctx context.Context, span trace.Span, c cycle, wanted map[string]struct{}) ([]string, bool) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return nil, false
	}
	s.wanted = copySet(wanted)
	s.phase = PhaseUnloading
	var far []string
	for _, name := range s.loader.Resident() {
		if _, keep := wanted[name]; !keep {
			far = append(far, name)
		}
	}
	s.mu.Unlock()
	span.AddEvent(PhaseUnloading.String())

	unloaded := make([]string, 0, len(far))
	for _, name := range far {
		// a newer focal zone may want this zone again
		if ctx.Err() != nil {
			break
		}
		if s.loader.Unload(name) {
			s.debug(ctx, "Unloaded far zone", "cycle_id", c.id, "zone", name)
			unloaded = append(unloaded, name)
		}
	}
	return unloaded, true
}

// setPhase records p while ctx belongs to the running cycle
func (s *Scheduler) setPhase(ctx context.Context, span trace.Span, p Phase) {
	s.mu.Lock()
	if ctx.Err() == nil {
		s.phase = p
	}
	s.mu.Unlock()
	span.AddEvent(p.String())
}

// publishWanted replaces the wanted set unless a newer focal zone has taken
// over. Cancellation happens under s.mu, so the check cannot race it.
func (s *Scheduler) publishWanted(ctx context.Context, wanted map[string]struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.wanted = copySet(wanted)
	return true
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}
