package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the dispatcher's Prometheus counters, replacing raw
// atomic counters (metrics.go) with client_golang/promauto, following
// internal/metrics's registration style.
type Metrics struct {
	Sent     prometheus.Counter
	Settled  *prometheus.CounterVec
	Inflight prometheus.Gauge
}

// NewMetrics registers the dispatcher's counters against reg, a
// caller-supplied registry so a host app can mount it on its own /metrics
// endpoint. Pass nil to register against a fresh private registry — never
// against prometheus.DefaultRegisterer, since promauto panics on the
// duplicate registration a second Service in the same process would
// produce there.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Sent: factory.NewCounter(prometheus.CounterOpts{
			Name: "nip46_requests_sent_total",
			Help: "Total number of NIP-46 requests successfully published to at least one relay.",
		}),
		Settled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nip46_requests_settled_total",
			Help: "Total number of NIP-46 requests settled, by outcome.",
		}, []string{"outcome"}),
		Inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nip46_requests_inflight",
			Help: "Number of NIP-46 requests currently awaiting a response.",
		}),
	}
}

// noopMetrics is used when the caller does not want Prometheus wiring.
func noopMetrics() *Metrics {
	return &Metrics{
		Sent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_sent"}),
		Settled:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop_settled"}, []string{"outcome"}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop_inflight"}),
	}
}
