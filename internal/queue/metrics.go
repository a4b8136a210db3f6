package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_relay_queue_depth",
		Help: "Current number of reports waiting in the background queue",
	})

	queueBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_relay_queue_bytes",
		Help: "Current payload bytes waiting in the background queue",
	})

	queueDraining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_relay_queue_draining",
		Help: "1 while the queue rejects new reports until it drains below the watermark",
	})

	queueWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_relay_queue_workers",
		Help: "Number of delivery workers currently running",
	})

	queueWorkersDesired = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_relay_queue_workers_desired",
		Help: "Worker count computed by the last adjustment pass",
	})

	queueAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crash_relay_queue_accepted_total",
		Help: "Total number of reports accepted into the background queue",
	})

	queueRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_relay_queue_rejected_total",
		Help: "Total number of reports rejected by the background queue",
	}, []string{"reason"})

	queueDeliveryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_relay_queue_delivery_errors_total",
		Help: "Total number of delivery callback failures by kind",
	}, []string{"kind"})

	queueScaleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_relay_queue_scale_events_total",
		Help: "Total number of workers started or cancelled by adjustment passes",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueBytes)
	prometheus.MustRegister(queueDraining)
	prometheus.MustRegister(queueWorkers)
	prometheus.MustRegister(queueWorkersDesired)
	prometheus.MustRegister(queueAcceptedTotal)
	prometheus.MustRegister(queueRejectedTotal)
	prometheus.MustRegister(queueDeliveryErrorsTotal)
	prometheus.MustRegister(queueScaleTotal)

	for _, reason := range []string{"full", "draining", "closed"} {
		queueRejectedTotal.WithLabelValues(reason)
	}
	for _, kind := range []string{"error", "panic", "stop"} {
		queueDeliveryErrorsTotal.WithLabelValues(kind)
	}
	queueScaleTotal.WithLabelValues("up")
	queueScaleTotal.WithLabelValues("down")
}
