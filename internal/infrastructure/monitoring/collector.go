package monitoring

import (
	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that can report bus housekeeping counters
type StatsSource interface {
	Stats() bus.Stats
}

// EventSource reports event service counters
type EventSource interface {
	Stats() events.Stats
}

type gaugeDesc struct {
	desc  *prometheus.Desc
	value func(bus.Stats) float64
	kind  prometheus.ValueType
}

// StatsCollector exposes a bus snapshot on every scrape
type StatsCollector struct {
	src    StatsSource
	events EventSource
	gauges []gaugeDesc

	eventsSent     *prometheus.Desc
	eventsFiltered *prometheus.Desc
	eventsDropped  *prometheus.Desc
}

// NewStatsCollector creates a collector over src. ev may be nil.
func NewStatsCollector(src StatsSource, ev EventSource) *StatsCollector {
	c := &StatsCollector{src: src, events: ev}

	counter := func(name, help string, v func(bus.Stats) uint32) {
		c.gauges = append(c.gauges, gaugeDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", name), help, nil, nil),
			value: func(s bus.Stats) float64 { return float64(v(s)) },
			kind:  prometheus.CounterValue,
		})
	}
	gauge := func(name, help string, v func(bus.Stats) int) {
		c.gauges = append(c.gauges, gaugeDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", name), help, nil, nil),
			value: func(s bus.Stats) float64 { return float64(v(s)) },
			kind:  prometheus.GaugeValue,
		})
	}

	counter("no_subscribers_total", "Messages sent with no subscribers", func(s bus.Stats) uint32 { return s.NoSubscribers })
	counter("send_errors_total", "Failed transmit transactions", func(s bus.Stats) uint32 { return s.MsgSendErrors })
	counter("receive_errors_total", "Failed receive transactions", func(s bus.Stats) uint32 { return s.MsgReceiveErrors })
	counter("internal_errors_total", "Internal errors", func(s bus.Stats) uint32 { return s.InternalErrors })
	counter("create_pipe_errors_total", "Rejected pipe creations", func(s bus.Stats) uint32 { return s.CreatePipeErrors })
	counter("subscribe_errors_total", "Rejected subscriptions", func(s bus.Stats) uint32 { return s.SubscribeErrors })
	counter("pipe_opts_errors_total", "Rejected pipe option calls", func(s bus.Stats) uint32 { return s.PipeOptsErrors })
	counter("duplicate_subscriptions_total", "Duplicate subscriptions", func(s bus.Stats) uint32 { return s.DuplicateSubscriptions })
	counter("pipe_overflow_errors_total", "Deliveries dropped on full pipes", func(s bus.Stats) uint32 { return s.PipeOverflowErrors })
	counter("msg_limit_errors_total", "Deliveries dropped on message limits", func(s bus.Stats) uint32 { return s.MsgLimitErrors })

	gauge("pipes_in_use", "Pipes in use", func(s bus.Stats) int { return s.PipesInUse })
	gauge("pipes_peak", "Peak pipes in use", func(s bus.Stats) int { return s.PeakPipesInUse })
	gauge("msg_ids_in_use", "Routed message ids", func(s bus.Stats) int { return s.MsgIDsInUse })
	gauge("subscriptions_in_use", "Active subscriptions", func(s bus.Stats) int { return s.SubscriptionsInUse })
	gauge("buffers_in_use", "Descriptors in use", func(s bus.Stats) int { return s.BuffersInUse })
	gauge("buffers_peak", "Peak descriptors in use", func(s bus.Stats) int { return s.PeakBuffersInUse })
	gauge("memory_in_use_bytes", "Pool bytes in use", func(s bus.Stats) int { return s.MemInUse })
	gauge("memory_peak_bytes", "Peak pool bytes in use", func(s bus.Stats) int { return s.PeakMemInUse })
	gauge("memory_capacity_bytes", "Pool capacity", func(s bus.Stats) int { return s.MemPoolCapacity })
	gauge("in_transit", "Buffers referenced by pipe queues", func(s bus.Stats) int { return s.InTransit })
	gauge("zero_copy_issued", "Zero-copy buffers held by senders", func(s bus.Stats) int { return s.ZeroCopyIssued })

	c.eventsSent = prometheus.NewDesc(prometheus.BuildFQName(namespace, "events", "sent_total"), "Events sent", nil, nil)
	c.eventsFiltered = prometheus.NewDesc(prometheus.BuildFQName(namespace, "events", "filtered_total"), "Events stopped by filters", nil, nil)
	c.eventsDropped = prometheus.NewDesc(prometheus.BuildFQName(namespace, "events", "dropped_total"), "Events lost by slow listeners", nil, nil)
	return c
}

// Describe implements prometheus.Collector
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
	if c.events != nil {
		ch <- c.eventsSent
		ch <- c.eventsFiltered
		ch <- c.eventsDropped
	}
}

// Collect implements prometheus.Collector
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(s))
	}
	if c.events != nil {
		es := c.events.Stats()
		ch <- prometheus.MustNewConstMetric(c.eventsSent, prometheus.CounterValue, float64(es.Sent))
		ch <- prometheus.MustNewConstMetric(c.eventsFiltered, prometheus.CounterValue, float64(es.Filtered))
		ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(es.Dropped))
	}
}

// Register adds the collector to the metrics registry
func (m *Metrics) Register(c prometheus.Collector) error {
	return m.registry.Register(c)
}
