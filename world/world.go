// Package world defines the contract between the zone loader and the
// mechanism that actually brings zone content in and out of memory.
//
// Implementations live in subpackages: memory (in-process, for tests and
// demos), manifest (YAML zone manifests on disk) and natsworld (a remote
// world host reached over NATS request/reply).
package world

import (
	"context"

	"github.com/c360/zonestream/zone"
)

// Backend loads and unloads zone content.
//
// Load reports progress in [0,1] through report as it goes and returns the
// zone's root representation. A nil root with a nil error means the content
// loaded but its root could not be located. Errors classified transient by
// the errors package are retried by the loader.
//
// Unload releases a zone's content. The loader does not wait for it.
type Backend interface {
	Load(ctx context.Context, name string, report func(progress float64)) (*zone.Root, error)
	Unload(ctx context.Context, name string) error
}

// HealthChecker is implemented by backends that can report reachability
type HealthChecker interface {
	Health(ctx context.Context) error
}
