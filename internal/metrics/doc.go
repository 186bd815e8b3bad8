/*
Package metrics exports engine activity to Prometheus and serves a small status API.

The Collector implements the batch and stream observer interfaces, so passing it
to batch.WithObserver and stream.WithObserver is enough to record requests,
batches and chunks. Pool and cache state is pulled rather than pushed: the engine
calls UpdatePool and UpdateCache from its sampler loop.

	┌─────────────┐ ObserveRequest   ┌───────────────┐
	│ batch       ├─────────────────►│               │   /metrics  (promhttp)
	│ controller  │ ObserveBatch     │   Collector   │   /stats    (StatsSource)
	└─────────────┘                  │               │   /health
	┌─────────────┐ ObserveChunk     │  prometheus   ├──────────────────────────
	│ stream      ├─────────────────►│  registry     │   chi router behind
	└─────────────┘                  └───────────────┘   otelhttp when served

Metrics are always recorded. MetricsConfig.Enabled only decides whether Start
opens a listener; Handler can be mounted elsewhere regardless.

Request outcomes share one label set:

	success, cached, http_error, transport_error, timeout, circuit_open,
	not_attempted, other

Pool and cache counters are exported as gauges because they mirror counters that
the owning component may reset.
*/
package metrics
