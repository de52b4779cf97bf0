/*
Package metrics exposes keeld's Prometheus metrics and component health.

The package-level collectors cover the daemon's subsystems: container
counts and restart-supervisor activity, network allocator state, DNS
query/connection gauges, build cache hits and misses, PTY session I/O,
and internal RPC latency. Collector samples the container and network
services on a ticker to refresh the gauges that reflect stored state.

Component health is a separate registry: subsystems register themselves
(critical or not) and update their status; HealthHandler, ReadyHandler
and LivenessHandler serve the aggregated result next to /metrics on the
daemon's HTTP listener.

Timer wraps histogram observation for request-scoped durations.
*/
package metrics
