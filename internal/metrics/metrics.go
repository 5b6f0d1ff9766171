// Package metrics holds the Prometheus collectors shared by the engine and
// the write coordinator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "winsync"

// Drop reasons recorded by NotificationDropped.
const (
	DropDuplicate     = "duplicate"
	DropStale         = "stale_sequence"
	DropIgnored       = "ignored_window"
	DropUnknownApp    = "unknown_application"
	DropUnknownWindow = "unknown_window"
	DropTombstoned    = "destroyed_window"
	DropTypeInvalid   = "bad_value"
	DropReadFailed    = "read_failed"
	DropUnhandled     = "unhandled"
)

// Write results recorded by WriteFinished.
const (
	WriteOK       = "ok"
	WriteRejected = "rejected"
	WriteTimeout  = "timeout"
)

// Metrics groups every collector the module exports.
type Metrics struct {
	notifications   *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	synthesized     prometheus.Counter
	events          *prometheus.CounterVec
	writes          *prometheus.CounterVec
	writeDuration   prometheus.Histogram
	lateResponses   prometheus.Counter
	coalesced       prometheus.Counter
	markersExpired  prometheus.Counter
	windows         prometheus.Gauge
	applications    prometheus.Gauge
	pendingDispatch prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Raw notifications received from the adapter",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Raw notifications that produced no event",
		}, []string{"reason"}),
		synthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_synthesized_total",
			Help:      "Window-created events synthesized ahead of a referencing notification",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Normalized events emitted to subscribers",
		}, []string{"kind", "origin"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Attribute writes dispatched to the adapter",
		}, []string{"result"}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Time from dispatch to adapter response or timeout",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5},
		}),
		lateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_late_responses_total",
			Help:      "Adapter write responses discarded because the write had already timed out",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_coalesced_total",
			Help:      "Refresh calls served by an already in-flight read",
		}),
		markersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_markers_expired_total",
			Help:      "Pending-write markers that expired without a matching notification",
		}),
		windows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "windows",
			Help:      "Windows currently in the registry",
		}),
		applications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "applications",
			Help:      "Applications currently in the registry",
		}),
		pendingDispatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_pending_dispatch",
			Help:      "Events queued for subscriber delivery",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.notifications, m.dropped, m.synthesized, m.events, m.writes,
		m.writeDuration, m.lateResponses, m.coalesced, m.markersExpired,
		m.windows, m.applications, m.pendingDispatch,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewRegistry returns a registry preloaded with Go runtime and process
// collectors plus the module's own collectors.
func NewRegistry() (*prometheus.Registry, *Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := New(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, m, nil
}

func (m *Metrics) NotificationReceived(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotificationDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) WindowSynthesized() {
	if m == nil {
		return
	}
	m.synthesized.Inc()
}

func (m *Metrics) EventEmitted(kind, origin string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, origin).Inc()
}

func (m *Metrics) WriteFinished(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
	m.writeDuration.Observe(took.Seconds())
}

func (m *Metrics) LateResponse() {
	if m == nil {
		return
	}
	m.lateResponses.Inc()
}

func (m *Metrics) RefreshCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) MarkerExpired() {
	if m == nil {
		return
	}
	m.markersExpired.Inc()
}

// RegistrySize records the current registry population.
func (m *Metrics) RegistrySize(windows, applications int) {
	if m == nil {
		return
	}
	m.windows.Set(float64(windows))
	m.applications.Set(float64(applications))
}

func (m *Metrics) PendingDispatch(n int) {
	if m == nil {
		return
	}
	m.pendingDispatch.Set(float64(n))
}
