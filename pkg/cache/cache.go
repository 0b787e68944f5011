// Package cache provides a generic, thread-safe, non-evicting cache with
// always-on statistics and optional Prometheus export.
//
// zonestream caches derived zone adjacency for the life of the process; the
// world graph is static within a session, so entries are never expired.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/metric"
)

// Cache is a keyed store of values of type V
type Cache[V any] interface {
	// Get retrieves a value by key.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear()

	// Size returns the number of entries.
	Size() int

	// Keys returns the keys in sorted order.
	Keys() []string

	// Stats returns the cache statistics.
	Stats() *Statistics
}

// Statistics tracks cache activity with atomic counters
type Statistics struct {
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	size    atomic.Int64
}

// Hits returns the number of successful lookups
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of failed lookups
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of Set calls
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Deletes returns the number of entries removed by Delete
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Size returns the entry count at the last mutation
func (s *Statistics) Size() int64 { return s.size.Load() }

// HitRatio returns hits / (hits + misses), or 0 with no lookups
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits(), s.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Option configures a cache
type Option func(*options)

type options struct {
	registry *metric.MetricsRegistry
	prefix   string
}

// WithMetrics exports cache statistics to registry labelled with component=prefix.
// A nil registry or empty prefix is ignored.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(o *options) {
		if registry != nil && prefix != "" {
			o.registry = registry
			o.prefix = prefix
		}
	}
}

type simpleCache[V any] struct {
	mu      sync.RWMutex
	items   map[string]V
	stats   *Statistics
	metrics *cacheMetrics
}

// NewSimple creates a cache with no eviction policy
func NewSimple[V any](opts ...Option) (Cache[V], error) {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	c := &simpleCache[V]{
		items: make(map[string]V),
		stats: &Statistics{},
	}
	if o.registry != nil {
		m, err := newCacheMetrics(o.registry, o.prefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewSimple", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

func (c *simpleCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	value, ok := c.items[key]
	c.mu.RUnlock()

	if ok {
		c.stats.hits.Add(1)
		c.metrics.hit()
	} else {
		c.stats.misses.Add(1)
		c.metrics.miss()
	}
	return value, ok
}

func (c *simpleCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = value
	size := len(c.items)
	c.mu.Unlock()

	c.stats.sets.Add(1)
	c.stats.size.Store(int64(size))
	c.metrics.resize(size)
	return !exists, nil
}

func (c *simpleCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	delete(c.items, key)
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.deletes.Add(1)
		c.stats.size.Store(int64(size))
		c.metrics.resize(size)
	}
	return exists, nil
}

func (c *simpleCache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]V)
	c.mu.Unlock()

	c.stats.size.Store(0)
	c.metrics.resize(0)
}

func (c *simpleCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *simpleCache[V]) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (c *simpleCache[V]) Stats() *Statistics {
	return c.stats
}

type cacheMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	size   prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "zonestream",
			Subsystem:   "cache",
			Name:        "hits_total",
			ConstLabels: labels,
			Help:        "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "zonestream",
			Subsystem:   "cache",
			Name:        "misses_total",
			ConstLabels: labels,
			Help:        "Total number of cache misses",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "zonestream",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of entries in cache",
		}),
	}

	if err := registry.RegisterCounter(prefix, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) resize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
