// Package events is the event reporting service used by the bus.
//
// Events are logged through zap, thinned by per-event binary filters and
// kept in a small history ring for diagnostics. A Publisher can forward each
// accepted event onto the bus as a message; the bus guards against the
// resulting self-reporting loop.
package events
