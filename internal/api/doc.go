// Package api exposes the HTTP surface of the daemon: request submission,
// task inspection, session history, health and Prometheus metrics. Bearer
// token checks and per-client rate limiting wrap the /api routes.
package api
