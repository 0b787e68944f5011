// Package health reports the health of zonestream components.
//
// A Status is a plain value: it carries a component name, one of the states
// "healthy", "degraded" or "unhealthy", a human readable message and an
// optional Metrics snapshot. Statuses nest through SubStatuses, and Aggregate
// folds a set of them into one: any unhealthy child makes the parent unhealthy,
// otherwise any degraded child makes it degraded.
//
// The Monitor holds the latest Status per component for the HTTP gateway:
//
//	monitor := health.NewMonitor()
//	monitor.Probe("scheduler", scheduler.Health)
//	monitor.UpdateHealthy("nats", "connected")
//	overall := monitor.AggregateHealth("zonestream")
//
// Messages built from errors go through Sanitize, which strips URLs, paths,
// addresses and credentials before they reach an HTTP response.
package health
