// Package ws streams bus events to WebSocket clients.
package ws
