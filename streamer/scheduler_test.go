package streamer

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/c360/zonestream/adjacency"
	zserrors "github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/events"
	"github.com/c360/zonestream/health"
	"github.com/c360/zonestream/loader"
	"github.com/c360/zonestream/metric"
	"github.com/c360/zonestream/world/memory"
	"github.com/c360/zonestream/zone"
)

type fixture struct {
	world     *memory.World
	recorder  *events.Recorder
	loader    *loader.Loader
	scheduler *Scheduler
}

func newFixture(t *testing.T, w *memory.World, cfg Config, opts ...Option) *fixture {
	t.Helper()
	resolver, err := adjacency.NewResolver()
	require.NoError(t, err)

	rec := events.NewRecorder()
	lcfg := loader.DefaultConfig()
	lcfg.Retry.InitialDelay = time.Millisecond
	lcfg.Retry.MaxDelay = 5 * time.Millisecond
	lcfg.StopTimeout = time.Second
	l, err := loader.New(w, resolver, lcfg, loader.WithObserver(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	s, err := New(l, resolver, cfg, opts...)
	require.NoError(t, err)
	// cleanups run in reverse, so the scheduler closes before the loader
	t.Cleanup(func() { _ = s.Close() })

	return &fixture{world: w, recorder: rec, loader: l, scheduler: s}
}

func testConfig(distance int) Config {
	return Config{MaxNeighborDistance: distance, MaxLoadWaitTime: 2 * time.Second}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func preload(t *testing.T, s *Scheduler, names ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, n := range names {
		require.NoError(t, s.Load(n).Wait(ctx))
	}
}

func TestNew_Validation(t *testing.T) {
	resolver, err := adjacency.NewResolver()
	require.NoError(t, err)
	l, err := loader.New(memory.New(), resolver, loader.DefaultConfig())
	require.NoError(t, err)
	defer l.Close()

	_, err = New(nil, resolver, DefaultConfig())
	assert.True(t, zserrors.IsInvalid(err))

	_, err = New(l, nil, DefaultConfig())
	assert.True(t, zserrors.IsInvalid(err))

	_, err = New(l, resolver, Config{MaxNeighborDistance: -1, MaxLoadWaitTime: time.Second})
	assert.ErrorIs(t, err, zserrors.ErrInvalidConfig)

	_, err = New(l, resolver, Config{MaxNeighborDistance: 1})
	assert.ErrorIs(t, err, zserrors.ErrInvalidConfig)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1, cfg.MaxNeighborDistance)
	assert.Equal(t, 10*time.Second, cfg.MaxLoadWaitTime)
	assert.False(t, cfg.DebugLogging)
	assert.NoError(t, cfg.Validate())
}

func TestSetCurrentZone_LoadsNeighborhood(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B", "C", "D"), testConfig(1))

	f.scheduler.SetCurrentZone("B")
	assert.Equal(t, "B", f.scheduler.CurrentZone())
	waitIdle(t, f.scheduler)

	assert.Equal(t, []string{"A", "B", "C"}, f.scheduler.Wanted())
	assert.Equal(t, []string{"A", "B", "C"}, f.loader.Resident())
	assert.False(t, f.scheduler.IsLoaded("D"))
	assert.Equal(t, 0, f.world.Loads("D"))
	assert.Equal(t, PhaseIdle, f.scheduler.Phase())

	last := f.scheduler.LastCycle()
	require.NotNil(t, last)
	assert.Equal(t, metric.CycleOutcomeCompleted, last.Outcome)
	assert.Equal(t, 3, last.Wanted)
	assert.False(t, last.TimedOut)
}

func TestSetCurrentZone_UnloadsPreviouslyResidentFarZone(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B", "C", "D"), testConfig(1))
	preload(t, f.scheduler, "D")

	f.scheduler.SetCurrentZone("B")
	waitIdle(t, f.scheduler)

	assert.Equal(t, []string{"A", "B", "C"}, f.loader.Resident())
	assert.Equal(t, []string{"D"}, f.scheduler.LastCycle().Unloaded)
	require.Eventually(t, func() bool { return f.world.Unloads("D") == 1 }, time.Second, time.Millisecond)
}

func TestSetCurrentZone_FocalRequestedFirst(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B", "C", "D", "E"), testConfig(2))

	f.scheduler.SetCurrentZone("C")
	waitIdle(t, f.scheduler)

	order := f.world.LoadOrder()
	require.Len(t, order, 5)
	assert.Equal(t, "C", order[0])
	// distance 1 is requested only after the focal zone resolved
	first := append([]string(nil), order[1:3]...)
	sort.Strings(first)
	assert.Equal(t, []string{"B", "D"}, first)
	second := append([]string(nil), order[3:]...)
	sort.Strings(second)
	assert.Equal(t, []string{"A", "E"}, second)
}

func TestSetCurrentZone_SameZoneRunsOneCycle(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B"), testConfig(1))

	f.scheduler.SetCurrentZone("A")
	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)
	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)

	st := f.scheduler.Stats()
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Equal(t, uint64(0), st.Superseded)
	assert.Equal(t, 1, f.world.Loads("A"))
	assert.Equal(t, 1, f.world.Loads("B"))
}

func TestSetCurrentZone_EmptyNameIgnored(t *testing.T) {
	f := newFixture(t, memory.Chain("A"), testConfig(1))

	f.scheduler.SetCurrentZone("")
	waitIdle(t, f.scheduler)

	assert.Equal(t, "", f.scheduler.CurrentZone())
	assert.Empty(t, f.scheduler.Wanted())
	assert.Nil(t, f.scheduler.LastCycle())
	assert.Empty(t, f.loader.Resident())
}

func TestSetCurrentZone_DistanceZero(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B", "C"), testConfig(0))
	preload(t, f.scheduler, "A")

	f.scheduler.SetCurrentZone("B")
	waitIdle(t, f.scheduler)

	assert.Equal(t, []string{"B"}, f.scheduler.Wanted())
	assert.Equal(t, []string{"B"}, f.loader.Resident())
	assert.Equal(t, 0, f.world.Loads("C"))
}

func TestSetCurrentZone_CyclicGraphVisitsEachZoneOnce(t *testing.T) {
	w := memory.New()
	w.Connect("A", "B")
	w.Connect("B", "C")
	w.Connect("C", "A")
	f := newFixture(t, w, testConfig(5))

	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)

	assert.Equal(t, []string{"A", "B", "C"}, f.scheduler.Wanted())
	for _, n := range []string{"A", "B", "C"} {
		assert.Equal(t, 1, f.world.Loads(n), "zone %s", n)
	}
	assert.Equal(t, 3, f.scheduler.LastCycle().Wanted)
}

func TestSetCurrentZone_SelfNeighborIgnored(t *testing.T) {
	w := memory.New(
		&zone.Root{Name: "A", Neighbors: []string{"A", "B"}},
		&zone.Root{Name: "B"},
	)
	f := newFixture(t, w, testConfig(3))

	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)

	assert.Equal(t, []string{"A", "B"}, f.scheduler.Wanted())
	assert.Equal(t, 1, f.world.Loads("A"))
}

func TestSetCurrentZone_EvictsExactlyFarZones(t *testing.T) {
	w := memory.New(
		&zone.Root{Name: "A"},
		&zone.Root{Name: "B", Neighbors: []string{"C"}},
		&zone.Root{Name: "C"},
		&zone.Root{Name: "D"},
	)
	f := newFixture(t, w, testConfig(1))
	preload(t, f.scheduler, "A", "B", "C", "D")
	require.Equal(t, []string{"A", "B", "C", "D"}, f.loader.Resident())

	f.scheduler.SetCurrentZone("B")
	waitIdle(t, f.scheduler)

	assert.Equal(t, []string{"B", "C"}, f.scheduler.Wanted())
	assert.Equal(t, []string{"A", "D"}, f.scheduler.LastCycle().Unloaded)
	assert.ElementsMatch(t, []string{"A", "D"}, f.recorder.Zones(events.KindUnloaded))
	require.Eventually(t, func() bool {
		return f.world.Unloads("A") == 1 && f.world.Unloads("D") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, f.world.Unloads("B"))
	assert.Equal(t, 0, f.world.Unloads("C"))
}

func TestSetCurrentZone_UnresolvableNeighborIsLeaf(t *testing.T) {
	// "ghost" is declared but unknown to the backend; its sibling still expands
	w := memory.New(
		&zone.Root{Name: "A", Neighbors: []string{"ghost", "B"}},
		&zone.Root{Name: "B", Neighbors: []string{"C"}},
		&zone.Root{Name: "C"},
	)
	f := newFixture(t, w, testConfig(2))

	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)

	assert.Equal(t, []string{"A", "B", "C", "ghost"}, f.scheduler.Wanted())
	assert.True(t, f.scheduler.IsLoaded("C"))
	assert.True(t, f.scheduler.IsLoaded("ghost"))
	assert.Equal(t, zone.Failed, f.loader.State("ghost"))
}

func TestSetCurrentZone_NeighborTimeoutIsNotFatal(t *testing.T) {
	w := memory.Chain("A", "B")
	w.Add(&zone.Root{Name: "far"})
	w.Hang("B")
	f := newFixture(t, w, Config{MaxNeighborDistance: 1, MaxLoadWaitTime: 50 * time.Millisecond})
	preload(t, f.scheduler, "far")

	start := time.Now()
	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	last := f.scheduler.LastCycle()
	require.NotNil(t, last)
	assert.True(t, last.TimedOut)
	assert.Equal(t, metric.CycleOutcomeTimedOut, last.Outcome)
	assert.Equal(t, []string{"far"}, last.Unloaded)
	assert.Equal(t, []string{"B"}, f.loader.InFlight())
	assert.True(t, f.scheduler.IsLoaded("A"))

	st := f.scheduler.Health()
	assert.True(t, st.IsDegraded())
	require.NotNil(t, st.Metrics)
	assert.Equal(t, 1, st.Metrics.ErrorCount)
	assert.Equal(t, 2, st.Metrics.WantedZones)
}

func TestSetCurrentZone_FocalTimeoutIsNotFatal(t *testing.T) {
	w := memory.Chain("A", "B")
	w.Hang("A")
	f := newFixture(t, w, Config{MaxNeighborDistance: 1, MaxLoadWaitTime: 30 * time.Millisecond})

	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)

	// the unloaded focal zone has no known adjacency yet
	assert.Equal(t, []string{"A"}, f.scheduler.Wanted())
	assert.Equal(t, 0, f.world.Loads("B"))
	assert.True(t, f.scheduler.LastCycle().TimedOut)
	assert.Equal(t, uint64(1), f.scheduler.Stats().Timeouts)
}

func TestSetCurrentZone_SupersedesRunningCycle(t *testing.T) {
	w := memory.Chain("A", "B", "C", "D")
	release := w.Gate("B")
	defer release()
	f := newFixture(t, w, testConfig(1))

	f.scheduler.SetCurrentZone("B")
	require.Eventually(t, func() bool {
		return f.scheduler.Phase() == PhaseWaitingForCurrent
	}, time.Second, time.Millisecond)

	f.scheduler.SetCurrentZone("C")
	assert.Equal(t, "C", f.scheduler.CurrentZone())
	assert.Contains(t, f.scheduler.Wanted(), "C")
	release()
	waitIdle(t, f.scheduler)

	st := f.scheduler.Stats()
	assert.Equal(t, uint64(1), st.Superseded)
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Equal(t, []string{"B", "C", "D"}, st.Wanted)
	assert.Equal(t, []string{"B", "C", "D"}, st.Resident)
	// the in-flight load was reused rather than restarted
	assert.Equal(t, 1, f.world.Loads("B"))
	assert.Equal(t, 0, f.world.Loads("A"))
	assert.Equal(t, "C", f.scheduler.LastCycle().Zone)
}

func TestSetCurrentZone_RapidChangesSettleOnLast(t *testing.T) {
	w := memory.Chain("A", "B", "C", "D", "E", "F")
	w.SetDefaultLatency(20 * time.Millisecond)
	f := newFixture(t, w, testConfig(1))

	for _, n := range []string{"A", "B", "C", "D", "E", "F"} {
		f.scheduler.SetCurrentZone(n)
	}
	waitIdle(t, f.scheduler)

	// loads finishing after the last cycle's eviction stay resident until
	// the next cycle, so only the wanted set is required to be resident
	assert.Equal(t, []string{"E", "F"}, f.scheduler.Wanted())
	assert.True(t, f.scheduler.IsLoaded("E"))
	assert.True(t, f.scheduler.IsLoaded("F"))
	st := f.scheduler.Stats()
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Equal(t, uint64(5), st.Superseded)
}

func TestScheduler_DirectLoadAndUnload(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B"), testConfig(1))

	preload(t, f.scheduler, "B")
	assert.True(t, f.scheduler.IsLoaded("B"))
	assert.Equal(t, "", f.scheduler.CurrentZone())

	assert.True(t, f.scheduler.Unload("B"))
	assert.False(t, f.scheduler.IsLoaded("B"))
	assert.False(t, f.scheduler.Unload("B"))
}

func TestScheduler_UnloadedWantedZoneReloadsOnNextCycle(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B", "C"), testConfig(1))

	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)
	require.True(t, f.scheduler.Unload("B"))

	f.scheduler.SetCurrentZone("B")
	waitIdle(t, f.scheduler)

	assert.Equal(t, []string{"A", "B", "C"}, f.loader.Resident())
	assert.Equal(t, 2, f.world.Loads("B"))
}

func TestScheduler_ObserverSeesLoadsAndUnloads(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B", "C"), testConfig(1))

	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)
	f.scheduler.SetCurrentZone("C")
	waitIdle(t, f.scheduler)

	assert.ElementsMatch(t, []string{"A", "B", "C"}, f.recorder.Zones(events.KindLoading))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, f.recorder.Zones(events.KindLoaded))
	assert.Equal(t, []string{"A"}, f.recorder.Zones(events.KindUnloaded))
}

func TestScheduler_Close(t *testing.T) {
	w := memory.Chain("A", "B")
	w.Hang("B")
	f := newFixture(t, w, testConfig(1))

	f.scheduler.SetCurrentZone("A")
	require.Eventually(t, func() bool {
		return f.scheduler.Phase() == PhaseWaitingForNeighbors
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = f.scheduler.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, PhaseIdle, f.scheduler.Phase())
	assert.True(t, f.scheduler.Health().IsUnhealthy())
	assert.Equal(t, uint64(1), f.scheduler.Stats().Superseded)

	// focal changes after close are ignored
	f.scheduler.SetCurrentZone("B")
	assert.Equal(t, "A", f.scheduler.CurrentZone())
	assert.NoError(t, f.scheduler.Close())
}

func TestScheduler_HealthyAfterCompletedCycle(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B"), testConfig(1))

	st := f.scheduler.Health()
	assert.True(t, st.IsHealthy())
	assert.Contains(t, st.Message, "no focal zone")

	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)

	st = f.scheduler.Health()
	assert.Equal(t, health.StateHealthy, st.Status)
	assert.Equal(t, "streamer", st.Component)
	require.NotNil(t, st.Metrics)
	assert.Equal(t, 2, st.Metrics.ResidentZones)
	assert.False(t, st.Metrics.LastActivity.IsZero())
}

func TestScheduler_ConcurrentAccessors(t *testing.T) {
	f := newFixture(t, memory.Chain("A", "B", "C", "D"), testConfig(2))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = f.scheduler.Stats()
				_ = f.scheduler.Wanted()
				_ = f.scheduler.Health()
			}
		}()
	}
	for _, n := range []string{"A", "D", "B", "C"} {
		f.scheduler.SetCurrentZone(n)
	}
	wg.Wait()
	waitIdle(t, f.scheduler)

	assert.Contains(t, f.scheduler.Wanted(), "C")
}

func TestScheduler_DebugLoggingGated(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := testConfig(1)
	cfg.DebugLogging = true
	f := newFixture(t, memory.Chain("A", "B"), cfg, WithLogger(logger))
	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)
	assert.NotContains(t, buf.String(), "Focal zone changed")
	assert.Contains(t, buf.String(), "Zone streaming cycle finished")

	var dbg bytes.Buffer
	debugLogger := slog.New(slog.NewTextHandler(&dbg, &slog.HandlerOptions{Level: slog.LevelDebug}))
	g := newFixture(t, memory.Chain("A", "B"), cfg, WithLogger(debugLogger))
	g.scheduler.SetCurrentZone("A")
	waitIdle(t, g.scheduler)
	assert.Contains(t, dbg.String(), "Focal zone changed")
	assert.Contains(t, dbg.String(), "Requesting neighbor zone")

	var quiet bytes.Buffer
	quietLogger := slog.New(slog.NewTextHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newFixture(t, memory.Chain("A", "B"), testConfig(1), WithLogger(quietLogger))
	h.scheduler.SetCurrentZone("A")
	waitIdle(t, h.scheduler)
	assert.NotContains(t, quiet.String(), "Focal zone changed")
}

func TestScheduler_MetricsAndSpans(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	f := newFixture(t, memory.Chain("A", "B"), testConfig(1),
		WithMetrics(registry), WithTracer(tp.Tracer("test")))
	f.scheduler.SetCurrentZone("A")
	waitIdle(t, f.scheduler)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "zonestream.cycle", span.Name())

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "A", attrs["zone.name"])
	assert.Equal(t, metric.CycleOutcomeCompleted, attrs["cycle.outcome"])
	_, err := uuid.Parse(attrs["cycle.id"])
	assert.NoError(t, err)
	assert.Equal(t, f.scheduler.LastCycle().ID, attrs["cycle.id"])

	var phases []string
	for _, e := range span.Events() {
		phases = append(phases, e.Name)
	}
	assert.Equal(t, PhaseLoadingCurrent.String(), phases[0])
	assert.Contains(t, phases, PhaseWaitingForNeighbors.String())
	assert.Equal(t, PhaseUnloading.String(), phases[len(phases)-1])

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["zonestream_scheduler_cycles_total"])
	assert.True(t, names["zonestream_scheduler_cycle_duration_seconds"])
	assert.True(t, names["zonestream_zones_wanted"])
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "waiting_for_neighbors", PhaseWaitingForNeighbors.String())
	assert.Equal(t, "phase(42)", Phase(42).String())

	text, err := PhaseUnloading.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "unloading", string(text))
}
