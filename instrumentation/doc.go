// Package instrumentation provides OpenTelemetry metrics and tracing for the
// connect library.
//
// The library records against whatever providers are injected through
// Config; when disabled or unconfigured, no-op providers keep the overhead
// at zero. The connectd daemon injects a Prometheus-backed SDK meter
// provider and serves the scrape endpoint itself.
//
// Metric instruments follow the "connect.<layer>.<name>" naming scheme and
// are created once at startup; recording helpers on Metrics keep attribute
// sets consistent across call sites.
package instrumentation
