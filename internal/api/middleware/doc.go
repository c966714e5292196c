// Package middleware provides the gin middleware of the diagnostics API:
// per-client rate limiting and CORS.
package middleware
