// Package observability provides structured logging, Prometheus metrics,
// and health checking for sitelock.
//
// Key features:
// - Structured JSON logging with UTC timestamps
// - Prometheus metrics for sync, navigation decisions, bypasses and the update queue
// - A scrape-time collector for cache contents
// - HTTP endpoints for /metrics, /health and /ready
package observability
