// Package server implements the HTTP API: capture upload, the two single-file
// content endpoints with cache-busting headers, and the monitoring endpoints
// (health, config, stats, Prometheus metrics, websocket notifications).
package server
