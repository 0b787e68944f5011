// Package adjacency resolves the neighbors of resident zones.
//
// The loader registers each zone's root when its load completes and removes
// it on unload. Neighbors answers "unknown" for zones that are not
// registered; the scheduler treats those as leaves. For registered zones the
// neighbor list comes from, in order: the cache, an explicit Declare call, the
// root's declared Neighbors, or the targets of the root's boundary edges.
// Resolved lists are cached for the life of the resolver.
package adjacency

import (
	"log/slog"
	"sync"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/metric"
	"github.com/c360/zonestream/pkg/cache"
	"github.com/c360/zonestream/zone"
)

// Resolver maps resident zones to their adjacent zone names
type Resolver struct {
	logger *slog.Logger

	mu       sync.RWMutex
	roots    map[string]*zone.Root
	declared map[string][]string

	cache cache.Cache[[]string]
}

// Option configures a Resolver
type Option func(*resolverOptions)

type resolverOptions struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

// WithLogger sets the resolver logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolverOptions) { o.logger = logger }
}

// WithMetrics exports cache hit/miss statistics to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *resolverOptions) { o.registry = registry }
}

// NewResolver creates an empty resolver
func NewResolver(opts ...Option) (*Resolver, error) {
	o := &resolverOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c, err := cache.NewSimple[[]string](cache.WithMetrics(o.registry, "adjacency"))
	if err != nil {
		return nil, errors.Wrap(err, "adjacency", "NewResolver", "create cache")
	}

	return &Resolver{
		logger:   o.logger.With("component", "adjacency"),
		roots:    make(map[string]*zone.Root),
		declared: make(map[string][]string),
		cache:    c,
	}, nil
}

// Register records the root of a zone that finished loading. A nil root is ignored.
func (r *Resolver) Register(root *zone.Root) {
	if root == nil || root.Name == "" {
		return
	}
	r.mu.Lock()
	r.roots[root.Name] = root
	r.mu.Unlock()
}

// Remove forgets the root of an unloaded zone. Cached and declared lists are kept.
func (r *Resolver) Remove(name string) {
	r.mu.Lock()
	delete(r.roots, name)
	r.mu.Unlock()
}

// Declare seeds an explicit neighbor list for name, taking precedence over
// anything carried by the zone's root.
func (r *Resolver) Declare(name string, neighbors []string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.declared[name] = append([]string(nil), neighbors...)
	r.mu.Unlock()
}

// Located reports whether name has a registered root
func (r *Resolver) Located(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roots[name]
	return ok
}

// Neighbors returns the adjacent zone names of name. The second result is
// false when the zone cannot be located, which callers treat as a leaf.
func (r *Resolver) Neighbors(name string) ([]string, bool) {
	r.mu.RLock()
	root, ok := r.roots[name]
	declared, hasDeclared := r.declared[name]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if cached, hit := r.cache.Get(name); hit {
		return cached, true
	}

	var source []string
	switch {
	case hasDeclared:
		source = declared
	case len(root.Neighbors) > 0:
		source = root.Neighbors
	default:
		source = root.EdgeTargets()
	}

	neighbors := normalize(name, source)
	if _, err := r.cache.Set(name, neighbors); err != nil {
		r.logger.Warn("Failed to cache adjacency", "zone", name, "error", err)
	}
	return neighbors, true
}

// Stats returns the adjacency cache statistics
func (r *Resolver) Stats() *cache.Statistics {
	return r.cache.Stats()
}

// normalize deduplicates names preserving first occurrence, dropping empty
// names and self references.
func normalize(self string, names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || n == self {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
