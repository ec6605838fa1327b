package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters.
type Metrics struct {
	blocksProcessed      prometheus.Counter
	eventsCreated        prometheus.Counter
	eventsConfirmed      prometheus.Counter
	eventsInvalidated    prometheus.Counter
	broadcastsSent       prometheus.Counter
	broadcastsSuppressed prometheus.Counter
	filtersRegistered    prometheus.Gauge
	errors               prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_relay_blocks_processed_total",
				Help: "Total number of blocks delivered by node feeds",
			}),
			eventsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_relay_events_created_total",
				Help: "Total number of event occurrences first seen",
			}),
			eventsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_relay_events_confirmed_total",
				Help: "Total number of event occurrences confirmed",
			}),
			eventsInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_relay_events_invalidated_total",
				Help: "Total number of event occurrences invalidated by reorgs",
			}),
			broadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_relay_broadcasts_sent_total",
				Help: "Total number of payloads forwarded to the transport",
			}),
			broadcastsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_relay_broadcasts_suppressed_total",
				Help: "Total number of duplicate payloads suppressed",
			}),
			filtersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "event_relay_filters_registered",
				Help: "Number of filters with a live subscription",
			}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "event_relay_errors_total",
				Help: "Total number of errors encountered",
			}),
		}
		prometheus.MustRegister(
			metrics.blocksProcessed,
			metrics.eventsCreated,
			metrics.eventsConfirmed,
			metrics.eventsInvalidated,
			metrics.broadcastsSent,
			metrics.broadcastsSuppressed,
			metrics.filtersRegistered,
			metrics.errors,
		)
	})
	return metrics
}

// BlocksProcessed increments the blocks processed counter.
func (m *Metrics) BlocksProcessed() {
	if m != nil {
		m.blocksProcessed.Inc()
	}
}

// EventsCreated increments the created occurrences counter.
func (m *Metrics) EventsCreated() {
	if m != nil {
		m.eventsCreated.Inc()
	}
}

// EventsConfirmed increments the confirmed occurrences counter.
func (m *Metrics) EventsConfirmed() {
	if m != nil {
		m.eventsConfirmed.Inc()
	}
}

// EventsInvalidated increments the invalidated occurrences counter.
func (m *Metrics) EventsInvalidated() {
	if m != nil {
		m.eventsInvalidated.Inc()
	}
}

// BroadcastsSent increments the forwarded payloads counter.
func (m *Metrics) BroadcastsSent() {
	if m != nil {
		m.broadcastsSent.Inc()
	}
}

// BroadcastsSuppressed increments the suppressed duplicates counter.
func (m *Metrics) BroadcastsSuppressed() {
	if m != nil {
		m.broadcastsSuppressed.Inc()
	}
}

// FiltersRegistered sets the live filter gauge.
func (m *Metrics) FiltersRegistered(n int) {
	if m != nil {
		m.filtersRegistered.Set(float64(n))
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
