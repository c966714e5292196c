package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flightbus"

// Metrics holds all Prometheus metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// Bus transaction metrics
	TransmitTotal    *prometheus.CounterVec
	TransmitDuration *prometheus.HistogramVec
	TransmitFanout   prometheus.Histogram
	ReceiveTotal     *prometheus.CounterVec
	ReceiveDuration  *prometheus.HistogramVec

	// Registry metrics
	AppsRegistered  prometheus.Gauge
	TasksRegistered prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Operation metrics
	OperationTotal    *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds running totals for the JSON API
type Snapshot struct {
	Transmits       int64   `json:"transmits"`
	TransmitFailed  int64   `json:"transmit_failed"`
	Receives        int64   `json:"receives"`
	Requests        int64   `json:"requests"`
	RequestErrors   int64   `json:"request_errors"`
	AvgTransmitSecs float64 `json:"avg_transmit_seconds"`
	UptimeSeconds   float64 `json:"uptime_seconds"`

	transmitSecs float64
}

var latencyBuckets = []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1}

// NewMetrics creates the metric set and registers it, together with the Go
// and process collectors, on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TransmitTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transmit_total",
				Help:      "Transmit transactions by delivery status",
			},
			[]string{"status"},
		),
		TransmitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transmit_duration_seconds",
				Help:      "Transmit transaction latency",
				Buckets:   latencyBuckets,
			},
			[]string{"status"},
		),
		TransmitFanout: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transmit_fanout",
				Help:      "Destinations attempted per transmit",
				Buckets:   prometheus.LinearBuckets(0, 2, 9),
			},
		),
		ReceiveTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receive_total",
				Help:      "Receive transactions by outcome",
			},
			[]string{"outcome"},
		),
		ReceiveDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "receive_duration_seconds",
				Help:      "Receive transaction latency including any wait",
				Buckets:   append(append([]float64{}, latencyBuckets...), 5, 10),
			},
			[]string{"outcome"},
		),

		AppsRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "apps_registered",
			Help:      "Registered applications",
		}),
		TasksRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_registered",
			Help:      "Registered tasks",
		}),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Diagnostics API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Diagnostics API request duration",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		OperationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Administrative operations",
			},
			[]string{"component", "operation", "status"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Administrative operation duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open event stream connections",
		}),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Event stream messages",
			},
			[]string{"direction"},
		),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Daemon uptime",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTransmit implements bus.Observer
func (m *Metrics) ObserveTransmit(status string, fanout int, d time.Duration) {
	m.TransmitTotal.WithLabelValues(status).Inc()
	m.TransmitDuration.WithLabelValues(status).Observe(d.Seconds())
	m.TransmitFanout.Observe(float64(fanout))

	m.mu.Lock()
	m.snapshot.Transmits++
	m.snapshot.transmitSecs += d.Seconds()
	if status == "failed" || status == "partial_failure" {
		m.snapshot.TransmitFailed++
	}
	m.mu.Unlock()
}

// ObserveReceive implements bus.Observer
func (m *Metrics) ObserveReceive(outcome string, d time.Duration) {
	m.ReceiveTotal.WithLabelValues(outcome).Inc()
	m.ReceiveDuration.WithLabelValues(outcome).Observe(d.Seconds())

	m.mu.Lock()
	m.snapshot.Receives++
	m.mu.Unlock()
}

// SetRegisteredApps implements app.Recorder
func (m *Metrics) SetRegisteredApps(apps, tasks int) {
	m.AppsRegistered.Set(float64(apps))
	m.TasksRegistered.Set(float64(tasks))
}

// RecordHTTPRequest records a diagnostics API request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Requests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.RequestErrors++
	}
	m.mu.Unlock()
}

// RecordOperation records an administrative operation
func (m *Metrics) RecordOperation(component, operation, status string, duration time.Duration) {
	m.OperationTotal.WithLabelValues(component, operation, status).Inc()
	m.OperationDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordWSMessage records an event stream message
func (m *Metrics) RecordWSMessage(direction string) {
	m.WSMessages.WithLabelValues(direction).Inc()
}

// IncWSConnections increments open stream connections
func (m *Metrics) IncWSConnections() { m.WSConnections.Inc() }

// DecWSConnections decrements open stream connections
func (m *Metrics) DecWSConnections() { m.WSConnections.Dec() }

// Snapshot returns the running totals
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()

	if s.Transmits > 0 {
		s.AvgTransmitSecs = s.transmitSecs / float64(s.Transmits)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
