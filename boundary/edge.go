// Package boundary turns boundary-sensor crossings into focal zone changes.
//
// An Edge leads into one zone. When an entity crosses it, Enter compares the
// entity's tag with the edge's allow-list and, on a match, makes the edge's
// zone the focal zone of the scheduler it holds. The boundary package never
// looks up the scheduler itself; the composition root passes it in.
package boundary

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/zone"
)

// FocusSetter receives focal zone changes. *streamer.Scheduler implements it.
type FocusSetter interface {
	SetCurrentZone(name string)
}

// Edge is a boundary sensor leading into Zone
type Edge struct {
	name     string
	zone     string
	accepted map[string]struct{} // empty accepts every tag
	focus    FocusSetter
	logger   *slog.Logger
}

// EdgeOption configures an Edge
type EdgeOption func(*Edge)

// WithAcceptedTags replaces the allow-list. Calling it with no tags makes the
// edge accept every entity.
func WithAcceptedTags(tags ...string) EdgeOption {
	return func(e *Edge) {
		e.accepted = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			if t = strings.TrimSpace(t); t != "" {
				e.accepted[t] = struct{}{}
			}
		}
	}
}

// WithName names the edge in logs
func WithName(name string) EdgeOption {
	return func(e *Edge) { e.name = name }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) EdgeOption {
	return func(e *Edge) { e.logger = logger }
}

// NewEdge creates an edge into zoneName. Without WithAcceptedTags only
// zone.DefaultAcceptedTag is accepted.
func NewEdge(focus FocusSetter, zoneName string, opts ...EdgeOption) (*Edge, error) {
	if focus == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "boundary", "NewEdge", "focus setter is nil")
	}
	if strings.TrimSpace(zoneName) == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyZoneName, "boundary", "NewEdge", "edge target")
	}

	e := &Edge{
		zone:     zoneName,
		accepted: map[string]struct{}{zone.DefaultAcceptedTag: {}},
		focus:    focus,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.name == "" {
		e.name = "edge->" + zoneName
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "boundary", "edge", e.name)
	return e, nil
}

// FromZoneEdge creates an edge from a declared zone.Edge. Nil AcceptedTags
// keep the default allow-list; an empty, non-nil list accepts every tag.
func FromZoneEdge(focus FocusSetter, decl zone.Edge, opts ...EdgeOption) (*Edge, error) {
	base := []EdgeOption{}
	if decl.Name != "" {
		base = append(base, WithName(decl.Name))
	}
	if decl.AcceptedTags != nil {
		base = append(base, WithAcceptedTags(decl.AcceptedTags...))
	}
	return NewEdge(focus, decl.Target, append(base, opts...)...)
}

// Sensors creates an edge for every boundary edge declared by root
func Sensors(focus FocusSetter, root *zone.Root, opts ...EdgeOption) ([]*Edge, error) {
	if root == nil {
		return nil, nil
	}
	edges := make([]*Edge, 0, len(root.Edges))
	for _, decl := range root.Edges {
		e, err := FromZoneEdge(focus, decl, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "boundary", "Sensors", "zone "+root.Name)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// Name returns the edge name
func (e *Edge) Name() string { return e.name }

// Zone returns the zone the edge leads into
func (e *Edge) Zone() string { return e.zone }

// AcceptedTags returns the sorted allow-list; empty means every tag
func (e *Edge) AcceptedTags() []string {
	tags := make([]string, 0, len(e.accepted))
	for t := range e.accepted {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Accepts reports whether an entity tagged tag triggers the edge
func (e *Edge) Accepts(tag string) bool {
	if len(e.accepted) == 0 {
		return true
	}
	_, ok := e.accepted[tag]
	return ok
}

// Enter handles an entity crossing the edge and reports whether it changed
// the focal zone request.
func (e *Edge) Enter(tag string) bool {
	if !e.Accepts(tag) {
		e.logger.Debug("Ignoring boundary crossing", "tag", tag, "zone", e.zone)
		return false
	}
	e.logger.Debug("Boundary crossed, switching focal zone", "tag", tag, "zone", e.zone)
	e.focus.SetCurrentZone(e.zone)
	return true
}
