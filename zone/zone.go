// Package zone defines the types shared by every zonestream component: a
// zone's residency state, its root representation with declared neighbors
// and boundary edges, and the progress handle reported while a zone loads.
package zone

import (
	"fmt"
	"strings"

	"github.com/c360/zonestream/errors"
)

// DefaultAcceptedTag is accepted by an edge declared without tags
const DefaultAcceptedTag = "Player"

// State is the residency state of a zone
type State int

// Residency states. Absence from every registry is Unloaded.
const (
	Unloaded State = iota
	Loading
	Resident
	Failed
	Unloading
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Resident:
		return "resident"
	case Failed:
		return "failed"
	case Unloading:
		return "unloading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Edge is a boundary sensor inside a zone. Crossing it by an entity whose
// tag is accepted makes Target the focal zone.
type Edge struct {
	Name         string   `json:"name,omitempty"          yaml:"name,omitempty"`
	Target       string   `json:"target"                  yaml:"target"`
	AcceptedTags []string `json:"accepted_tags,omitempty" yaml:"accepted_tags,omitempty"`
}

// Root is the resident representation of a loaded zone
type Root struct {
	Name string `json:"name" yaml:"name"`

	// Neighbors is the author-declared adjacency. When empty, adjacency is
	// derived from the edge targets.
	Neighbors []string `json:"neighbors,omitempty" yaml:"neighbors,omitempty"`

	Edges []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Validate checks the root is usable by the scheduler
func (r *Root) Validate() error {
	if r == nil {
		return errors.WrapInvalid(errors.ErrInvalidZone, "zone", "Validate", "nil root")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.WrapInvalid(errors.ErrEmptyZoneName, "zone", "Validate", "root name")
	}
	for i, e := range r.Edges {
		if strings.TrimSpace(e.Target) == "" {
			return errors.WrapInvalid(errors.ErrInvalidZone, "zone", "Validate",
				fmt.Sprintf("zone %s edge %d has no target", r.Name, i))
		}
	}
	return nil
}

// EdgeTargets returns each edge's target in declaration order, duplicates included
func (r *Root) EdgeTargets() []string {
	if r == nil {
		return nil
	}
	targets := make([]string, 0, len(r.Edges))
	for _, e := range r.Edges {
		targets = append(targets, e.Target)
	}
	return targets
}

// Progress reports load completion in [0,1]
type Progress interface {
	Progress() float64
}

// ProgressFunc adapts a function to Progress
type ProgressFunc func() float64

// Progress implements Progress
func (f ProgressFunc) Progress() float64 { return f() }
