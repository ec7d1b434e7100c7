// Package metrics exposes Prometheus instrumentation for the simulation
// kernel: AES dispatch/resource gauges, batch queue depth and wait time,
// CSS stripe write outcomes, and job terminal counts. Handler serves the
// standard /metrics page; Timer mirrors the stopwatch-then-observe pattern
// used throughout the kernel's hot paths.
package metrics
