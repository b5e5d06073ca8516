// Package progress provides the event primitives, a non-blocking hub and the
// emitter interfaces executions use to report harvest progress. The hub
// batches events on a background goroutine and fans them out to sinks such
// as structured logs or Prometheus collectors.
package progress
