// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress and /v1/progress/{name} for the latest in-memory
//     snapshot of each publisher.
//   - GET /v1/runs and /v1/runs/{run_id} for persisted run history via the
//     ProgressRepository interface.
package api
