// Package router maps message ids to routes and routes to their
// subscribing pipes. It also provides the resumable route walk used by
// reporting.
package router
