// Package server exposes the pipeline over HTTP.
//
// This package provides:
//   - A task API for starting, inspecting, and cancelling runs
//   - GitHub webhook endpoint handling with HMAC signature verification
//   - A server-sent-events stream of live task lifecycle events
//   - Per-IP rate limiting and structured logging of all requests
//
// The server integrates with other packages:
//   - internal/workflow: starts and cancels runs through the engine
//   - internal/store: serves task, log, and event history
//   - internal/events: fans live events out to stream subscribers
//
// Security features:
//   - HMAC-SHA256 webhook signature verification
//   - Content-Type validation (application/json only)
//   - Payload size limits (1MB max)
//   - Rate limiting (global and per-webhook)
//   - Per-project run locking (prevents concurrent runs)
package server
