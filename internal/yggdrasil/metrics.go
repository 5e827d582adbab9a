package yggdrasil

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts protocol operations by outcome and exposes live gauges for
// the token store and join ledger.
type Metrics struct {
	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
}

// Outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeForbidden = "forbidden"
	OutcomeBadInput  = "bad_input"
	OutcomeAbsent    = "absent"
)

// NewMetrics builds a self-contained registry with process collectors plus
// the protocol counters.
func NewMetrics(tokens *TokenStore, sessions *SessionLedger) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yggdrasil_requests_total",
		Help: "Protocol operations by outcome.",
	}, []string{"operation", "outcome"})
	registry.MustRegister(requestsTotal)

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yggdrasil_tokens_live",
		Help: "Live (active, unexpired) token pairs.",
	}, func() float64 { return float64(tokens.Count()) }))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "yggdrasil_pending_authentications",
		Help: "Join records awaiting verification.",
	}, func() float64 { return float64(sessions.Count()) }))

	return &Metrics{
		registry:      registry,
		requestsTotal: requestsTotal,
	}
}

// Observe records one operation outcome.
func (metrics *Metrics) Observe(operation string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.requestsTotal.WithLabelValues(operation, outcome).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}
