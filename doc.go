// Package zonestream keeps the zones around a player resident and releases
// the rest.
//
// A world is split into named zones. Each zone has a root that declares its
// neighbors and the boundary edges leading out of it. When the player crosses
// into a zone it becomes the focal zone and the scheduler runs a cycle:
//
//  1. load the focal zone and wait for it
//  2. expand breadth first through declared neighbors, one layer per
//     distance up to max_neighbor_distance, waiting for each layer
//  3. unload every resident zone that the expansion did not reach
//
// Each wait is bounded by max_load_wait_time. A timed-out wait stops the
// expansion but never fails the cycle. A newer focal zone cancels the running
// cycle, which then skips its unload phase; loads already in flight finish.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   boundary.Edge / HTTP gateway      │  focal zone changes
//	└─────────────────────────────────────┘
//	           ↓ SetCurrentZone
//	┌─────────────────────────────────────┐
//	│        streamer.Scheduler           │  cycles: load, expand,
//	│                                     │  unload far zones
//	└─────────────────────────────────────┘
//	           ↓ Load / Unload              ↑ Neighbors
//	┌──────────────────────┐   ┌──────────────────────┐
//	│    loader.Loader     │ → │  adjacency.Resolver  │
//	│  resident, in-flight │   │  declared neighbors, │
//	│  worker pool, retry  │   │  edges, cache        │
//	└──────────────────────┘   └──────────────────────┘
//	           ↓ world.Backend             ↓ events.Observer
//	┌──────────────────────┐   ┌──────────────────────┐
//	│ memory | manifest |  │   │ NATS subjects,       │
//	│ natsworld            │   │ websocket feed       │
//	└──────────────────────┘   └──────────────────────┘
//
// # Packages
//
// Core:
//   - zone: zone roots, edges, load state
//   - adjacency: neighbor resolution from declared neighbors and edges
//   - loader: deduplicated asynchronous loads with a resident registry
//   - streamer: the focal zone scheduler
//   - boundary: edge sensors that make a zone focal on entry
//
// Worlds:
//   - world: the backend contract
//   - world/memory: in-process world for tests and demos
//   - world/manifest: YAML zone manifests on disk
//   - world/natsworld: a remote world host over NATS request/reply
//
// Infrastructure:
//   - config: layered JSON configuration with ZONESTREAM_ env overrides
//   - errors: classified errors (transient, invalid, fatal) and retry policy
//   - events: zone notifications, fan-out, NATS publishing
//   - gateway/http: status and control API
//   - gateway/websocket: live event feed
//   - health, metric: component health and Prometheus metrics
//   - natsclient: NATS connection, JetStream KV, test containers
//   - pkg/buffer, pkg/cache, pkg/retry, pkg/worker: generic building blocks
//
// The zonestream command in cmd/zonestream wires these together.
package zonestream
