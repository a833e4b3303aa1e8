package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transactions_total",
			Help: "Transactions by terminal status",
		},
		[]string{"status"}, // COMPLETED|FAILED
	)

	PolicyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_policy_rejections_total",
			Help: "Requests rejected by risk or compliance policy",
		},
		[]string{"reason"},
	)

	RailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rail_execution_retries_total",
			Help: "Retried rail execution attempts",
		},
	)

	RailAvailability = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rail_availability",
			Help: "Rail availability: 1 up, 0.5 degraded, 0 down",
		},
		[]string{"rail"},
	)
)

// Handler for the /metrics endpoint
var Handler = promhttp.Handler

func Init() {
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(PolicyRejections)
	prometheus.MustRegister(RailRetries)
	prometheus.MustRegister(RailAvailability)
}
