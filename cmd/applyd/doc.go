// Package main hosts the auto-apply service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and session management endpoints. Requests are
//     validated, normalized into apply.SessionConfig, and handed to the control plane, which persists the session
//     before launching its worker.
//   - Control plane & registry: internal/control.Plane owns session lifecycle. Every live session has exactly one
//     registry handle carrying its pause flag and cancel channel; pause, resume, and cancel flip handle state and
//     record the transition, while the worker observes flags cooperatively at checkpoints between pipeline steps.
//   - Apply pipeline: each worker pulls candidate jobs from the configured source (static list or Colly-based board
//     scraper), scores them against the user's skills, gates on the session threshold and per-user rate limits, and
//     submits applications through the Chromedp browser session when enabled. Confirmation pages are written to the
//     receipt store (memory/local/GCS) and every decision is appended to the session log.
//   - Persistence & fanout: session rows and logs live in Postgres via pgx (or in memory when no DSN is set).
//     Lifecycle events are buffered by the events hub and fanned out to zap, Prometheus, and optionally Pub/Sub
//     sinks. Startup reconciliation marks sessions left active by a previous process as failed.
//   - Configuration & plumbing: Viper populates config from env/files under the APPLY_ prefix; zap provides
//     structured logging; Prometheus metrics are exported on /metrics from a process-local registry.
//
// Operational notes:
//   - Concurrency model: one goroutine per session worker, launched on the process base context so workers outlive
//     the request that started them. Browser submissions share a semaphore inside the Chromedp session. Shutdown is
//     coordinated via context cancellation propagated from main through the control plane to workers.
//   - Rate limiting/backoff: per-(user, action) token buckets admit score and apply calls; denials are normal
//     outcomes the worker backs off on while still observing pause and cancel signals.
//   - Observability: zap logs carry session and user IDs at every transition; Prometheus counters track event kinds
//     and the running-session gauge; the events hub batches lifecycle events for downstream sinks.
//
// Quick checklist:
//   - Configure env vars: APPLY_SERVER_PORT, APPLY_DB_DSN (empty selects the in-memory store), APPLY_SOURCE_KIND
//     plus APPLY_SOURCE_BASE_URL for the board scraper, APPLY_BROWSER_ENABLED, APPLY_RECEIPTS_KIND, and
//     APPLY_PUBSUB_PROJECT_ID/APPLY_PUBSUB_TOPIC_NAME when event fanout is required.
//   - Run locally: go run ./cmd/applyd -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGTERM for graceful drain: the HTTP server stops accepting requests, in-flight workers
//     observe cancellation at their next checkpoint, and the events hub flushes before exit.
package main
