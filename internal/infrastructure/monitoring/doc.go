/*
Package monitoring provides Prometheus metrics for the bus daemon.

# Overview

Metrics live on a private registry so tests can create as many instances
as they like. Metrics implements bus.Observer for per-transaction counters
and latency, and app.Recorder for registry gauges. StatsCollector reads
the bus housekeeping counters on every scrape.

# Usage

	metrics := monitoring.NewMetrics()
	b, _ := bus.New(cfg, apps, bus.WithObserver(metrics))
	_ = metrics.Register(monitoring.NewStatsCollector(b, eventService))

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "report", "routes")
	// ... write the dump ...
	timer.Stop("success")
*/
package monitoring
