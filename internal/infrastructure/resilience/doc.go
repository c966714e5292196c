/*
Package resilience provides a circuit breaker for best-effort side paths.

The event service republishes every event as a bus message. When the
consumer of that message stops draining its pipe, each republish fails
with an overflow and raises yet another event. A Breaker placed around the
publisher trips after a run of failures, suppresses republishing for a
cooldown, then lets a single probe through:

	Closed --[failures]-> Open --[cooldown]-> Half-Open --[probe ok]-> Closed
	                                             |
	                                      [probe fails]
	                                             v
	                                            Open

Time comes from an injected clock so tests can step through cooldowns.
*/
package resilience
