// Package metrics exposes the engine's operational counters at /metrics in
// Prometheus text exposition format.
package metrics
