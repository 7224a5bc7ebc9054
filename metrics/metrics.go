// Package metrics exposes billing engine outcomes to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waterco/billing-engine/billing"
)

const metricPrefix = "billing_"

// Recorder implements billing.Observer.
type Recorder struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	reconnections prometheus.Counter
	transitions   *prometheus.CounterVec
	lastSweep     prometheus.Gauge
}

var _ billing.Observer = (*Recorder)(nil)

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "operations_total",
				Help: "Engine operations by operation, result and failure kind",
			},
			[]string{"operation", "result", "kind"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "operation_latency_seconds",
				Help:    "Engine operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		reconnections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnections_total",
				Help: "Clients moved from DueForDisconnection back to Connected by a payment",
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_transitions_total",
				Help: "Connection status changes made by the overdue sweep",
			},
			[]string{"status"},
		),
		lastSweep: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "last_sweep_timestamp_seconds",
				Help: "Unix time of the last completed overdue sweep",
			},
		),
	}

	reg.MustRegister(r.operations, r.latency, r.reconnections, r.transitions, r.lastSweep)
	return r
}

func (r *Recorder) ObserveOperation(op string, res billing.Result, elapsed time.Duration) {
	r.operations.WithLabelValues(op, string(res.Status), string(res.Kind)).Inc()
	r.latency.WithLabelValues(op).Observe(elapsed.Seconds())
	if op == billing.OpSweep && res.OK() {
		r.lastSweep.SetToCurrentTime()
	}
}

func (r *Recorder) ObserveReconnection() {
	r.reconnections.Inc()
}

func (r *Recorder) ObserveStatusTransition(status billing.ConnectionStatus) {
	r.transitions.WithLabelValues(string(status)).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
