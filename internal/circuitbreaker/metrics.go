package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open).",
		},
		[]string{"service"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"service", "from", "to"},
	)
)

func recordTransition(service string, from, to State) {
	stateGauge.WithLabelValues(service).Set(float64(to))
	transitionsTotal.WithLabelValues(service, from.String(), to.String()).Inc()
}
