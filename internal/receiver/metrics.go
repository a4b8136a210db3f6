package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_relay_receiver_errors_total",
		Help: "Total number of receiver errors",
	}, []string{"type"})

	receiverRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crash_relay_receiver_requests_total",
		Help: "Total number of requests received",
	})

	receiverBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crash_relay_receiver_bytes_total",
		Help: "Total decoded report bytes received",
	})

	receiverLoadSheddingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crash_relay_receiver_load_shedding_total",
		Help: "Total number of requests rejected while the queue is draining",
	})
)

func init() {
	prometheus.MustRegister(receiverErrorsTotal)
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverBytesTotal)
	prometheus.MustRegister(receiverLoadSheddingTotal)

	// Initialize counters with 0 so they appear in /metrics immediately
	for _, t := range []string{"decode", "decompress", "read", "too_large", "dropped", "rejected"} {
		receiverErrorsTotal.WithLabelValues(t).Add(0)
	}
}

// IncrementReceiverError increments the receiver error counter for a specific type.
func IncrementReceiverError(errorType string) {
	receiverErrorsTotal.WithLabelValues(errorType).Inc()
}
