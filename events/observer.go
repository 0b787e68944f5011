// Package events delivers zone lifecycle notifications to host integrations.
//
// Observers receive three callbacks: ZoneLoading when a load starts (with a
// progress handle), ZoneLoaded when it finishes and ZoneUnloaded when a zone
// is evicted. Observers return nothing and must not block for long. Multi
// fans a notification out to several observers and recovers any panic so a
// faulty observer never reaches the scheduler.
package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/zonestream/metric"
	"github.com/c360/zonestream/zone"
)

// Event kinds
const (
	KindLoading  = "loading"
	KindLoaded   = "loaded"
	KindUnloaded = "unloaded"
)

// Observer receives zone lifecycle notifications
type Observer interface {
	ZoneLoading(name string, progress zone.Progress)
	ZoneLoaded(name string)
	ZoneUnloaded(name string)
}

// Event is the serialized form of a notification
type Event struct {
	Kind      string    `json:"kind"`
	Zone      string    `json:"zone"`
	Progress  float64   `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent snapshots a notification. progress may be nil.
func NewEvent(kind, name string, progress zone.Progress) Event {
	e := Event{Kind: kind, Zone: name, Timestamp: time.Now().UTC()}
	switch {
	case progress != nil:
		e.Progress = progress.Progress()
	case kind == KindLoaded:
		e.Progress = 1
	}
	return e
}

// Funcs adapts optional callbacks to Observer
type Funcs struct {
	OnLoading  func(name string, progress zone.Progress)
	OnLoaded   func(name string)
	OnUnloaded func(name string)
}

// ZoneLoading implements Observer
func (f Funcs) ZoneLoading(name string, progress zone.Progress) {
	if f.OnLoading != nil {
		f.OnLoading(name, progress)
	}
}

// ZoneLoaded implements Observer
func (f Funcs) ZoneLoaded(name string) {
	if f.OnLoaded != nil {
		f.OnLoaded(name)
	}
}

// ZoneUnloaded implements Observer
func (f Funcs) ZoneUnloaded(name string) {
	if f.OnUnloaded != nil {
		f.OnUnloaded(name)
	}
}

// Nop ignores every notification
type Nop struct{}

// ZoneLoading implements Observer
func (Nop) ZoneLoading(string, zone.Progress) {}

// ZoneLoaded implements Observer
func (Nop) ZoneLoaded(string) {}

// ZoneUnloaded implements Observer
func (Nop) ZoneUnloaded(string) {}

// Multi delivers each notification to every observer in order
type Multi struct {
	observers []Observer
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// NewMulti creates a fan-out observer. nil observers are skipped.
func NewMulti(logger *slog.Logger, metrics *metric.Metrics, observers ...Observer) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger.With("component", "events"), metrics: metrics}
	for _, o := range observers {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
	return m
}

// Len returns the number of observers
func (m *Multi) Len() int {
	return len(m.observers)
}

// ZoneLoading implements Observer
func (m *Multi) ZoneLoading(name string, progress zone.Progress) {
	for _, o := range m.observers {
		m.deliver(KindLoading, name, func() { o.ZoneLoading(name, progress) })
	}
}

// ZoneLoaded implements Observer
func (m *Multi) ZoneLoaded(name string) {
	for _, o := range m.observers {
		m.deliver(KindLoaded, name, func() { o.ZoneLoaded(name) })
	}
}

// ZoneUnloaded implements Observer
func (m *Multi) ZoneUnloaded(name string) {
	for _, o := range m.observers {
		m.deliver(KindUnloaded, name, func() { o.ZoneUnloaded(name) })
	}
}

func (m *Multi) deliver(kind, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordObserverPanic()
			m.logger.Error("Observer panicked",
				"kind", kind,
				"zone", name,
				"panic", fmt.Sprint(r))
		}
	}()
	fn()
}
