// Package streamer keeps the zones around a focal zone resident.
//
// A Scheduler owns the focal zone and the wanted set. Every focal change runs
// one cycle:
//
//  1. request the focal zone and wait for it, bounded by MaxLoadWaitTime
//  2. expand neighbors breadth-first up to MaxNeighborDistance, requesting
//     each layer only after the previous one resolved or the shared neighbor
//     deadline passed
//  3. unload every resident zone outside the wanted set
//
// A wait that reaches the ceiling is logged and the cycle continues with
// whatever has loaded. Zones whose adjacency is unknown when reached are
// leaves.
//
// A focal change during a running cycle cancels that cycle. The cancelled
// cycle skips its unload phase and the new cycle starts once it has exited.
// Loads already in flight are never cancelled; the new cycle attaches to them.
//
// Example:
//
//	resolver, _ := adjacency.NewResolver()
//	zones, _ := loader.New(backend, resolver, loader.DefaultConfig())
//	sched, _ := streamer.New(zones, resolver, streamer.DefaultConfig())
//	defer sched.Close()
//
//	sched.SetCurrentZone("harbor")
package streamer
