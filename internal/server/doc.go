// Package server hosts the coordinator's HTTP surface from a single server.
//
// It builds a middleware chain of request IDs, metrics, and logging so
// handlers share common instrumentation, and routes the WebSocket entry
// point, the session listing, health, and metrics endpoints through one
// multiplexer.
package server
