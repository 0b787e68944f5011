package events

import (
	"context"
	"sync"

	"github.com/c360/zonestream/zone"
)

// Recorder is an Observer that keeps every notification in arrival order
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// ZoneLoading implements Observer
func (r *Recorder) ZoneLoading(name string, progress zone.Progress) {
	r.record(NewEvent(KindLoading, name, progress))
}

// ZoneLoaded implements Observer
func (r *Recorder) ZoneLoaded(name string) {
	r.record(NewEvent(KindLoaded, name, nil))
}

// ZoneUnloaded implements Observer
func (r *Recorder) ZoneUnloaded(name string) {
	r.record(NewEvent(KindUnloaded, name, nil))
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Zones returns the zone names recorded for kind, in order
func (r *Recorder) Zones(kind string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.events {
		if e.Kind == kind {
			names = append(names, e.Zone)
		}
	}
	return names
}

// Count returns how many events of kind were recorded for name
func (r *Recorder) Count(kind, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && e.Zone == name {
			n++
		}
	}
	return n
}

// Reset discards the recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// WaitFor blocks until an event of kind for name has been recorded or ctx is done
func (r *Recorder) WaitFor(ctx context.Context, kind, name string) error {
	for {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Kind == kind && e.Zone == name {
				r.mu.Unlock()
				return nil
			}
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
