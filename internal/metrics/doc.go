// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - stream connection state, frame/record rates, parse errors, reconnects
//   - recorder insert/flush/error counts
//
// All instrument methods are nil-receiver safe so components can run without
// metrics wired (tests, the console viewer).
package metrics
