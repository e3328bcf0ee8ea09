package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "asterisk_crm"

// ActiveCallsProvider exposes the number of tracked channel sessions.
type ActiveCallsProvider interface {
	ActiveCalls() int
}

// ClientCounter exposes the number of connected CRM clients.
type ClientCounter interface {
	Clients() int
}

// Collector is a prometheus.Collector that reads live gauges at scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	clients     ClientCounter
	startTime   time.Time

	activeCallsDesc *prometheus.Desc
	clientsDesc     *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a collector. Any provider may be nil if unavailable.
func NewCollector(activeCalls ActiveCallsProvider, clients ClientCounter, startTime time.Time) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		clients:     clients,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			namespace+"_active_sessions",
			"Number of channel sessions currently tracked",
			nil, nil,
		),
		clientsDesc: prometheus.NewDesc(
			namespace+"_ws_clients",
			"Number of connected CRM WebSocket clients",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.clientsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCalls()),
		)
	}
	if c.clients != nil {
		ch <- prometheus.MustNewConstMetric(
			c.clientsDesc, prometheus.GaugeValue,
			float64(c.clients.Clients()),
		)
	}
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Metrics holds the event counters updated on the processing path.
type Metrics struct {
	registry *prometheus.Registry

	callsRecorded    *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	recordingLookups *prometheus.CounterVec
	persistErrors    prometheus.Counter
	amiReconnects    prometheus.Counter
}

// New creates the counters and registers them, plus any extra collectors,
// on a fresh registry.
func New(extra ...prometheus.Collector) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		callsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_recorded_total",
			Help:      "Call record writes by resulting status",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications sent by event and delivery mode",
		}, []string{"event", "delivery"}),
		recordingLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_lookups_total",
			Help:      "Recording metadata lookups by result status",
		}, []string{"status"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed call record writes",
		}),
		amiReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ami_reconnects_total",
			Help:      "AMI session restarts after an error or close",
		}),
	}

	m.registry.MustRegister(m.callsRecorded, m.notifications, m.recordingLookups, m.persistErrors, m.amiReconnects)
	for _, c := range extra {
		m.registry.MustRegister(c)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CallRecorded counts a successful call record write.
func (m *Metrics) CallRecorded(status string) {
	m.callsRecorded.WithLabelValues(status).Inc()
}

// PersistError counts a failed call record write.
func (m *Metrics) PersistError() {
	m.persistErrors.Inc()
}

// Notification counts a delivered notification.
func (m *Metrics) Notification(event string, targeted bool) {
	delivery := "broadcast"
	if targeted {
		delivery = "targeted"
	}
	m.notifications.WithLabelValues(event, delivery).Inc()
}

// RecordingLookup counts a recording lookup result.
func (m *Metrics) RecordingLookup(status string) {
	m.recordingLookups.WithLabelValues(status).Inc()
}

// AMIReconnect counts an AMI session restart.
func (m *Metrics) AMIReconnect() {
	m.amiReconnects.Inc()
}
