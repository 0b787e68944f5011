package health

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Monitor tracks the latest status of named components
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	probes   map[string]func() Status
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		probes:   make(map[string]func() Status),
	}
}

// Update stores status under name
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// UpdateHealthy marks name healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks name unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks name degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Probe registers a function evaluated on every read of name. A probe
// shadows any stored status with the same name; a nil probe removes it.
func (m *Monitor) Probe(name string, probe func() Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if probe == nil {
		delete(m.probes, name)
		return
	}
	m.probes[name] = probe
}

// Get returns the status for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	probe, hasProbe := m.probes[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if hasProbe {
		s := probe()
		s.Component = name
		return s, true
	}
	return status, exists
}

// GetAll returns a copy of every status with probes evaluated
func (m *Monitor) GetAll() map[string]Status {
	result := make(map[string]Status)
	for _, name := range m.ListComponents() {
		if s, ok := m.Get(name); ok {
			result[name] = s
		}
	}
	return result
}

// Remove drops name and its probe
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
	delete(m.probes, name)
}

// AggregateHealth returns the aggregated status of all components ordered by name
//
// Probes may block on the network, so they are evaluated concurrently.
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.ListComponents()
	results := make([]Status, len(names))
	found := make([]bool, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i], found[i] = m.Get(name)
			return nil
		})
	}
	_ = g.Wait()

	subs := make([]Status, 0, len(names))
	for i, s := range results {
		if found[i] {
			subs = append(subs, s)
		}
	}
	return Aggregate(systemName, subs)
}

// ListComponents returns the sorted component names
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	seen := make(map[string]struct{}, len(m.statuses)+len(m.probes))
	for name := range m.statuses {
		seen[name] = struct{}{}
	}
	for name := range m.probes {
		seen[name] = struct{}{}
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of monitored components
func (m *Monitor) Count() int {
	return len(m.ListComponents())
}
