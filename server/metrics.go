package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	transitionsTotal *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
	queriesTotal     *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowflow_transitions_total",
		Help: "Escrow lifecycle transition attempts by operation and outcome",
	}, []string{"operation", "outcome"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowflow_settlements_total",
		Help: "Settlement confirmations and payouts by direction and outcome",
	}, []string{"direction", "outcome"})

	queries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowflow_queries_total",
		Help: "Read-only query calls by operation",
	}, []string{"operation"})

	r := prometheus.NewRegistry()
	r.MustRegister(transitions, settlements, queries)

	return &metricsRegistry{
		registry:         r,
		transitionsTotal: transitions,
		settlementsTotal: settlements,
		queriesTotal:     queries,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incTransition(op, outcome string) {
	m.transitionsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *metricsRegistry) incSettlement(direction, outcome string) {
	m.settlementsTotal.WithLabelValues(direction, outcome).Inc()
}

func (m *metricsRegistry) incQuery(op string) {
	m.queriesTotal.WithLabelValues(op).Inc()
}
