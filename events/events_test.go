package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/zonestream/metric"
	"github.com/c360/zonestream/zone"
)

func TestFuncs_NilCallbacks(t *testing.T) {
	var f Funcs
	assert.NotPanics(t, func() {
		f.ZoneLoading("a", nil)
		f.ZoneLoaded("a")
		f.ZoneUnloaded("a")
	})
}

func TestMulti_DeliversInOrder(t *testing.T) {
	var calls []string
	first := Funcs{OnLoaded: func(name string) { calls = append(calls, "first:"+name) }}
	second := Funcs{OnLoaded: func(name string) { calls = append(calls, "second:"+name) }}

	m := NewMulti(nil, nil, first, nil, second)
	assert.Equal(t, 2, m.Len())

	m.ZoneLoaded("forest")
	assert.Equal(t, []string{"first:forest", "second:forest"}, calls)
}

func TestMulti_RecoversPanics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	rec := NewRecorder()
	panicky := Funcs{
		OnLoading:  func(string, zone.Progress) { panic("boom") },
		OnLoaded:   func(string) { panic("boom") },
		OnUnloaded: func(string) { panic(errors.New("boom")) },
	}

	m := NewMulti(nil, registry.CoreMetrics(), panicky, rec)
	assert.NotPanics(t, func() {
		m.ZoneLoading("a", zone.ProgressFunc(func() float64 { return 0.25 }))
		m.ZoneLoaded("a")
		m.ZoneUnloaded("a")
	})

	// Observers after the panicking one still receive everything.
	assert.Equal(t, []string{"a"}, rec.Zones(KindLoading))
	assert.Equal(t, []string{"a"}, rec.Zones(KindLoaded))
	assert.Equal(t, []string{"a"}, rec.Zones(KindUnloaded))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "zonestream_events_observer_panics_total" {
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}

func TestNewEvent(t *testing.T) {
	loading := NewEvent(KindLoading, "a", zone.ProgressFunc(func() float64 { return 0.4 }))
	assert.Equal(t, 0.4, loading.Progress)

	loaded := NewEvent(KindLoaded, "a", nil)
	assert.Equal(t, 1.0, loaded.Progress)

	unloaded := NewEvent(KindUnloaded, "a", nil)
	assert.Equal(t, 0.0, unloaded.Progress)
	assert.False(t, unloaded.Timestamp.IsZero())
}

func TestRecorder_WaitFor(t *testing.T) {
	rec := NewRecorder()

	go func() {
		time.Sleep(10 * time.Millisecond)
		rec.ZoneLoaded("lake")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rec.WaitFor(ctx, KindLoaded, "lake"))
	assert.Equal(t, 1, rec.Count(KindLoaded, "lake"))

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, rec.WaitFor(short, KindUnloaded, "lake"), context.DeadlineExceeded)

	rec.Reset()
	assert.Empty(t, rec.Events())
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSPublisher_Subjects(t *testing.T) {
	pub := &fakePublisher{}
	p := NewNATSPublisher(pub, "", nil)

	p.ZoneLoading("a", nil)
	p.ZoneLoaded("a")
	p.ZoneUnloaded("a")

	assert.Equal(t, []string{"zones.events.loading", "zones.events.loaded", "zones.events.unloaded"}, pub.subjects)

	var e Event
	require.NoError(t, json.Unmarshal(pub.payloads[1], &e))
	assert.Equal(t, KindLoaded, e.Kind)
	assert.Equal(t, "a", e.Zone)
}

func TestNATSPublisher_ErrorIsNotPropagated(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection lost")}
	p := NewNATSPublisher(pub, "world.zones", nil)

	assert.NotPanics(t, func() { p.ZoneLoaded("a") })
	err := p.Publish(NewEvent(KindLoaded, "a", nil))
	require.Error(t, err)
	assert.Equal(t, "world.zones.loaded", p.Subject(KindLoaded))
}
