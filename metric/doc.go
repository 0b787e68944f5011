// Package metric exposes zonestream's Prometheus metrics.
//
// A MetricsRegistry owns a private prometheus.Registry. It pre-registers the
// core zone metrics (resident, in-flight and wanted gauges, load and unload
// counters, cycle outcomes, phase timeouts, durations) plus the Go runtime
// collectors. Other packages register their own collectors through
// MetricsRegistrar, keyed by service and metric name so duplicates are reported
// as invalid instead of panicking.
//
// Components take the registry as an optional dependency. Metrics methods are
// nil-safe, which keeps the loader and scheduler usable in tests without any
// Prometheus wiring:
//
//	registry := metric.NewMetricsRegistry()
//	ld := loader.New(backend, resolver, loader.WithMetrics(registry))
//
// Server serves the registry on /metrics for standalone deployments; the HTTP
// gateway mounts Handler directly.
package metric
