package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_pool_connections_in_use",
			Help: "Connection slots currently claimed per backend host.",
		},
		[]string{"host"},
	)

	exhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_pool_exhausted_total",
			Help: "Acquire attempts that failed because the pool was full.",
		},
		[]string{"host"},
	)
)
