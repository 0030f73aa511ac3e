// Package server hosts the image API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// CORS, security headers, audit, metrics, rate limiting, and authentication so
// handlers all share common protections and instrumentation.
//
// It serves the API routes, the metrics endpoint, and optionally the local
// blob directory for thumbnail and original downloads.
package server
