// Package metrics exposes Prometheus metrics for the pipeline: record
// counts by state (refreshed by a background Collector), per-stage
// processing counters and latencies, session/worker occupancy gauges, and
// API request metrics. Handler serves them for scraping.
package metrics
