/*
Package metrics exposes Prometheus instrumentation for the broker: pool
occupancy, spawn/death counters, request outcomes and latencies, queue depth,
and liveness-tracked clients.

Gauges that mirror pool state are driven by the lifecycle event bus: Attach
registers a handler so the pool itself never touches metrics on the hot
path. Scraping is served on the address configured by metrics_addr; leaving
it empty disables the endpoint.
*/
package metrics
