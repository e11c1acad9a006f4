// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger a run outside the schedule.
//   - GET /v1/runs, /v1/runs/latest and /v1/runs/{run_id} for run history via
//     the lyrics.RunLog interface.
package api
