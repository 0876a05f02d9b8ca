package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var retriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_retries_total",
		Help: "Retry attempts issued per service, not counting the first attempt.",
	},
	[]string{"service"},
)
