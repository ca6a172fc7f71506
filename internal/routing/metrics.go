package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "message_router"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	dispatches   *prometheus.CounterVec
	sends        *prometheus.CounterVec
	dials        *prometheus.CounterVec
	matched      prometheus.Histogram
	inflight     prometheus.Gauge
	pushes       prometheus.Counter
	reconfigures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatches_total",
			Help:      "Delivery calls by pattern and outcome.",
		}, []string{"kind", "outcome"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "destination_sends_total",
			Help:      "Per-destination sends by binding, pattern and outcome.",
		}, []string{"binding", "kind", "outcome"}),
		dials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_dials_total",
			Help:      "Destination connection constructions by binding and outcome.",
		}, []string{"binding", "outcome"}),
		matched: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "matched_destinations",
			Help:      "Number of destinations a message matched.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "request_exchange_in_flight",
			Help:      "1 while a request/reply exchange is in flight.",
		}),
		pushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplex_pushes_dropped_total",
			Help:      "Destination-initiated duplex messages that were dropped.",
		}),
		reconfigures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconfigurations_total",
			Help:      "Routing table reconfigurations by outcome.",
		}, []string{"outcome"}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
