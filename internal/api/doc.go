// Package api hosts the HTTP server, middleware, and beacon ingest handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions to resolve a session identity and open its pipeline.
//   - POST /v1/sessions/{session_id}/{console,messages,screenshots,interactions,steps} for raw
//     evidence posted by the browser snippet. Ingest answers 202 whatever the pipeline does.
//   - GET and DELETE /v1/sessions/{session_id} for status snapshots and teardown.
package api
