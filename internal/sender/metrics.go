package sender

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_relay_send_requests_total",
		Help: "Total delivery requests by outcome",
	}, []string{"outcome"})

	sendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_relay_send_errors_total",
		Help: "Total delivery errors by error type",
	}, []string{"error_type"})

	sendBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_relay_send_bytes_total",
		Help: "Total request body bytes sent by compression",
	}, []string{"compression"})

	circuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_relay_send_circuit_state",
		Help: "Endpoint circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	circuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_relay_send_circuit_transitions_total",
		Help: "Total circuit breaker transitions by target state",
	}, []string{"state"})

	sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crash_relay_send_duration_seconds",
		Help:    "Duration of delivery requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(sendRequestsTotal)
	prometheus.MustRegister(sendErrorsTotal)
	prometheus.MustRegister(sendBytesTotal)
	prometheus.MustRegister(sendDuration)
	prometheus.MustRegister(circuitState)
	prometheus.MustRegister(circuitTransitionsTotal)
}

func recordError(t ErrorType) {
	sendErrorsTotal.WithLabelValues(string(t)).Inc()
}
