package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crash_relay_offline_saves_total",
			Help: "Total offline store save attempts by status",
		},
		[]string{"status"},
	)

	storeRemovesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crash_relay_offline_removes_total",
			Help: "Total entries removed from the offline store",
		},
	)

	storeQuarantinedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crash_relay_offline_quarantined_total",
			Help: "Total stored files that could not be decoded and were set aside",
		},
	)

	storeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crash_relay_offline_entries",
			Help: "Entries found in the offline store by the last scan",
		},
	)

	replaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crash_relay_offline_replays_total",
			Help: "Total replay passes by result",
		},
		[]string{"result"},
	)

	replayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crash_relay_offline_replayed_reports_total",
			Help: "Total stored reports replayed by delivery outcome",
		},
		[]string{"outcome"},
	)

	replayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crash_relay_offline_replay_duration_seconds",
			Help:    "Duration of replay passes",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	for _, s := range []string{"ok", "full", "error"} {
		storeSavesTotal.WithLabelValues(s)
	}
	for _, r := range []string{"complete", "stopped", "skipped", "unset"} {
		replaysTotal.WithLabelValues(r)
	}
}
