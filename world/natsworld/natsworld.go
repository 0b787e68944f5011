// Package natsworld is a world backend that delegates zone loading to a
// remote world host over NATS request/reply.
//
// A load is a request on <prefix>.load and an unload a request on
// <prefix>.unload, both carrying a JSON Request. The host answers with a
// Reply holding the zone root or an error code. When the reply declares no
// neighbors the World looks the zone up in an adjacency key-value bucket,
// keyed by zone name with a JSON array of neighbor names as value.
//
// Host serves any world.Backend on the same subjects, so a process can expose
// a manifest or in-memory world to remote schedulers.
package natsworld

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/natsclient"
	"github.com/c360/zonestream/zone"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured
const DefaultSubjectPrefix = "zonestream.world"

// Reply error codes
const (
	CodeNotFound    = "not_found"
	CodeInvalid     = "invalid"
	CodeUnavailable = "unavailable"
)

// Request asks the host to load or unload a zone
type Request struct {
	Zone string `json:"zone"`
}

// Reply is the host's answer. A reply with neither Root nor Error means the
// zone loaded but its root could not be located.
type Reply struct {
	Root  *zone.Root `json:"root,omitempty"`
	Error string     `json:"error,omitempty"`
	Code  string     `json:"code,omitempty"`
}

// Requester sends a request and waits for one reply. natsclient.Client
// satisfies it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// AdjacencyStore reads declared neighbor lists. natsclient.KVStore
// satisfies it.
type AdjacencyStore interface {
	GetJSON(ctx context.Context, key string, v any) error
}

// World implements world.Backend over NATS
type World struct {
	requester Requester
	adjacency AdjacencyStore
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a World
type Option func(*World)

// WithSubjectPrefix sets the request subject prefix
func WithSubjectPrefix(prefix string) Option {
	return func(w *World) {
		if prefix != "" {
			w.prefix = prefix
		}
	}
}

// WithAdjacency sets the store consulted when a reply declares no neighbors
func WithAdjacency(store AdjacencyStore) Option {
	return func(w *World) {
		w.adjacency = store
	}
}

// WithTimeout bounds each request. Zero leaves the caller's context in charge.
func WithTimeout(d time.Duration) Option {
	return func(w *World) {
		w.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *World) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a World sending requests through requester
func New(requester Requester, opts ...Option) (*World, error) {
	if requester == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsworld", "New", "requester")
	}
	w := &World{
		requester: requester,
		prefix:    DefaultSubjectPrefix,
		timeout:   5 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "natsworld")
	return w, nil
}

// LoadSubject returns the subject load requests are sent on
func (w *World) LoadSubject() string {
	return w.prefix + ".load"
}

// UnloadSubject returns the subject unload requests are sent on
func (w *World) UnloadSubject() string {
	return w.prefix + ".unload"
}

// Load implements world.Backend
func (w *World) Load(ctx context.Context, name string, report func(float64)) (*zone.Root, error) {
	if report == nil {
		report = func(float64) {}
	}
	reply, err := w.call(ctx, w.LoadSubject(), name, "Load")
	if err != nil {
		return nil, err
	}
	report(0.5)

	root := reply.Root
	if root == nil {
		report(1)
		return nil, nil
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	if root.Name != name {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: host returned %q for %q", errors.ErrInvalidZone, root.Name, name),
			"natsworld", "Load", "check root name")
	}
	if len(root.Neighbors) == 0 && w.adjacency != nil {
		root.Neighbors = w.lookupNeighbors(ctx, name)
	}
	report(1)
	return root, nil
}

// Unload implements world.Backend
func (w *World) Unload(ctx context.Context, name string) error {
	_, err := w.call(ctx, w.UnloadSubject(), name, "Unload")
	return err
}

// Health implements world.HealthChecker when the requester can report it
func (w *World) Health(ctx context.Context) error {
	if hc, ok := w.requester.(interface{ Health(context.Context) error }); ok {
		return hc.Health(ctx)
	}
	return nil
}

func (w *World) call(ctx context.Context, subject, name, method string) (*Reply, error) {
	data, err := json.Marshal(Request{Zone: name})
	if err != nil {
		return nil, errors.WrapInvalid(err, "natsworld", method, "encode request")
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	raw, err := w.requester.Request(ctx, subject, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsworld", method, fmt.Sprintf("request zone %s", name))
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"natsworld", method, "decode reply")
	}
	if reply.Error != "" || reply.Code != "" {
		return nil, replyError(reply, method, name)
	}
	return &reply, nil
}

func replyError(reply Reply, method, name string) error {
	action := fmt.Sprintf("zone %s", name)
	switch reply.Code {
	case CodeNotFound:
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrZoneNotFound, reply.Error),
			"natsworld", method, action)
	case CodeInvalid:
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidZone, reply.Error),
			"natsworld", method, action)
	default:
		return errors.WrapTransient(fmt.Errorf("world host: %s", reply.Error), "natsworld", method, action)
	}
}

// lookupNeighbors reads the declared neighbors of name. A missing key means
// none are declared; other failures are logged and treated the same way, so
// the resolver falls back to the root's edge targets.
func (w *World) lookupNeighbors(ctx context.Context, name string) []string {
	var neighbors []string
	err := w.adjacency.GetJSON(ctx, name, &neighbors)
	switch {
	case err == nil:
		return neighbors
	case natsclient.IsKVNotFoundError(err):
		return nil
	default:
		w.logger.Warn("Failed to read zone adjacency, falling back to edge targets",
			"zone", name, "error", err)
		return nil
	}
}

// codeFor maps a backend error to a reply code
func codeFor(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrZoneNotFound):
		return CodeNotFound
	case errors.IsInvalid(err):
		return CodeInvalid
	default:
		return CodeUnavailable
	}
}
