// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/executions to start a harvest; GET to list or inspect one.
//   - POST /v1/executions/{id}/cancel for cooperative cancellation.
package api
