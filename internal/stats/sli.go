// Package stats tracks delivery service level indicators for relayed
// reports and exposes them as Prometheus metrics.
package stats

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default SLI configuration values.
const (
	DefaultDeliveryTarget   = 0.999
	DefaultSendTarget       = 0.995
	DefaultSnapshotInterval = 30 * time.Second
)

// sliWindows are the windows ratios and burn rates are reported over.
var sliWindows = []struct {
	Label    string
	Duration time.Duration
}{
	{"5m", 5 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"6h", 6 * time.Hour},
}

// SLIConfig holds SLI/SLO configuration.
type SLIConfig struct {
	// DeliveryTarget is the objective for delivered / eligible reports.
	DeliveryTarget float64
	// SendTarget is the objective for accepted / attempted sends.
	SendTarget float64
	// Interval is the snapshot period (default: 30s).
	Interval time.Duration
}

// Counts is a reading of the cumulative delivery counters.
type Counts struct {
	// Received reports handed over for delivery.
	Received uint64
	// Skipped reports that were intentionally not sent (hooks, duplicates).
	Skipped uint64
	// Attempts is the number of send attempts, including retries.
	Attempts uint64
	// Delivered is the number of attempts the endpoint accepted.
	Delivered uint64
}

// CountsFunc reads the current counters.
type CountsFunc func() Counts

type sliSnapshot struct {
	at time.Time
	Counts
}

// SLITracker computes SLI ratios, burn rates and error budgets from
// periodic counter snapshots kept in a fixed-size ring buffer. It
// implements prometheus.Collector.
type SLITracker struct {
	mu     sync.RWMutex
	config SLIConfig
	source CountsFunc
	now    func() time.Time

	ring  []sliSnapshot
	head  int // next write position
	count int // valid entries, up to len(ring)

	start          *sliSnapshot
	startTime      time.Time
	snapshotsTotal uint64

	deliveryRatio    *prometheus.Desc
	sendRatio        *prometheus.Desc
	deliveryBurnRate *prometheus.Desc
	sendBurnRate     *prometheus.Desc
	deliveryBudget   *prometheus.Desc
	sendBudget       *prometheus.Desc
	target           *prometheus.Desc
	uptime           *prometheus.Desc
	snapshots        *prometheus.Desc
}

// NewSLITracker creates a tracker that reads counters from source. The
// ring holds enough snapshots for the longest window.
func NewSLITracker(cfg SLIConfig, source CountsFunc) *SLITracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSnapshotInterval
	}
	if cfg.DeliveryTarget <= 0 {
		cfg.DeliveryTarget = DefaultDeliveryTarget
	}
	if cfg.SendTarget <= 0 {
		cfg.SendTarget = DefaultSendTarget
	}
	if source == nil {
		source = func() Counts { return Counts{} }
	}

	longest := sliWindows[len(sliWindows)-1].Duration
	window := []string{"window"}
	return &SLITracker{
		config:    cfg,
		source:    source,
		now:       time.Now,
		ring:      make([]sliSnapshot, windowSlots(longest, cfg.Interval)),
		startTime: time.Now(),

		deliveryRatio: prometheus.NewDesc("crash_relay_sli_delivery_ratio",
			"Delivery SLI ratio (delivered/eligible reports) over window", window, nil),
		sendRatio: prometheus.NewDesc("crash_relay_sli_send_success_ratio",
			"Send success SLI ratio (accepted/attempted sends) over window", window, nil),
		deliveryBurnRate: prometheus.NewDesc("crash_relay_sli_delivery_burn_rate",
			"Delivery SLI burn rate (1.0 = at SLO pace)", window, nil),
		sendBurnRate: prometheus.NewDesc("crash_relay_sli_send_burn_rate",
			"Send SLI burn rate (1.0 = at SLO pace)", window, nil),
		deliveryBudget: prometheus.NewDesc("crash_relay_sli_delivery_budget_remaining",
			"Fraction of delivery error budget remaining (0-1)", nil, nil),
		sendBudget: prometheus.NewDesc("crash_relay_sli_send_budget_remaining",
			"Fraction of send error budget remaining (0-1)", nil, nil),
		target: prometheus.NewDesc("crash_relay_slo_target",
			"Configured SLO target value", []string{"sli"}, nil),
		uptime: prometheus.NewDesc("crash_relay_sli_uptime_seconds",
			"Seconds since SLI tracking started", nil, nil),
		snapshots: prometheus.NewDesc("crash_relay_sli_snapshots_total",
			"Total SLI snapshots recorded", nil, nil),
	}
}

// windowSlots is the number of snapshots spanning d, at least 2.
func windowSlots(d, interval time.Duration) int {
	n := int(d / interval)
	if n < 2 {
		return 2
	}
	return n
}

// Run records a snapshot immediately and then every interval until ctx
// is cancelled.
func (t *SLITracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	t.RecordSnapshot(t.source())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RecordSnapshot(t.source())
		}
	}
}

// RecordSnapshot stores a point-in-time reading of c.
func (t *SLITracker) RecordSnapshot(c Counts) {
	snap := sliSnapshot{at: t.now(), Counts: c}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.start == nil {
		cp := snap
		t.start = &cp
		t.startTime = snap.at
	}
	t.ring[t.head] = snap
	t.head = (t.head + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
	t.snapshotsTotal++
}

// snapshotAt returns the snapshot slotsBack positions behind the latest.
// Must be called under mu.RLock.
func (t *SLITracker) snapshotAt(slotsBack int) (sliSnapshot, bool) {
	if slotsBack < 0 || slotsBack >= t.count {
		return sliSnapshot{}, false
	}
	idx := (t.head - 1 - slotsBack + len(t.ring)) % len(t.ring)
	return t.ring[idx], true
}

func delta(newer, older uint64) float64 {
	if newer < older {
		return 0
	}
	return float64(newer - older)
}

func clampRatio(r float64) float64 {
	return math.Max(0, math.Min(1, r))
}

// deliveryRatio = delivered / (received - skipped). Replays of reports
// received before the window can push it above 1, so it is clamped.
func deliveryRatio(newer, older Counts) float64 {
	eligible := delta(newer.Received, older.Received) - delta(newer.Skipped, older.Skipped)
	if eligible <= 0 {
		return 1
	}
	return clampRatio(delta(newer.Delivered, older.Delivered) / eligible)
}

// sendSuccessRatio = delivered / attempts.
func sendSuccessRatio(newer, older Counts) float64 {
	attempts := delta(newer.Attempts, older.Attempts)
	if attempts <= 0 {
		return 1
	}
	return clampRatio(delta(newer.Delivered, older.Delivered) / attempts)
}

// burnRate is how fast the error budget is consumed: 1.0 is exactly at
// the SLO pace.
func burnRate(ratio, target float64) float64 {
	allowed := 1 - target
	if allowed <= 0 {
		return 0
	}
	return (1 - ratio) / allowed
}

// budgetRemaining returns the fraction of the error budget left since
// tracking started. Less than a minute of data reports a full budget.
func (t *SLITracker) budgetRemaining(latest sliSnapshot, ratioFn func(newer, older Counts) float64, target float64) float64 {
	if latest.at.Sub(t.startTime) < time.Minute {
		return 1
	}
	allowed := 1 - target
	if allowed <= 0 {
		return 1
	}
	consumed := (1 - ratioFn(latest.Counts, t.start.Counts)) / allowed
	return clampRatio(1 - consumed)
}

// Describe implements prometheus.Collector.
func (t *SLITracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- t.deliveryRatio
	ch <- t.sendRatio
	ch <- t.deliveryBurnRate
	ch <- t.sendBurnRate
	ch <- t.deliveryBudget
	ch <- t.sendBudget
	ch <- t.target
	ch <- t.uptime
	ch <- t.snapshots
}

// Collect implements prometheus.Collector. Windows without enough
// snapshots yet are omitted.
func (t *SLITracker) Collect(ch chan<- prometheus.Metric) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(t.target, prometheus.GaugeValue, t.config.DeliveryTarget, "delivery")
	ch <- prometheus.MustNewConstMetric(t.target, prometheus.GaugeValue, t.config.SendTarget, "send")
	ch <- prometheus.MustNewConstMetric(t.snapshots, prometheus.CounterValue, float64(t.snapshotsTotal))

	latest, ok := t.snapshotAt(0)
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(t.uptime, prometheus.GaugeValue, math.Floor(latest.at.Sub(t.startTime).Seconds()))
	if t.count < 2 {
		return
	}

	for _, win := range sliWindows {
		older, ok := t.snapshotAt(windowSlots(win.Duration, t.config.Interval) - 1)
		if !ok {
			continue
		}
		dr := deliveryRatio(latest.Counts, older.Counts)
		sr := sendSuccessRatio(latest.Counts, older.Counts)
		ch <- prometheus.MustNewConstMetric(t.deliveryRatio, prometheus.GaugeValue, dr, win.Label)
		ch <- prometheus.MustNewConstMetric(t.sendRatio, prometheus.GaugeValue, sr, win.Label)
		ch <- prometheus.MustNewConstMetric(t.deliveryBurnRate, prometheus.GaugeValue, burnRate(dr, t.config.DeliveryTarget), win.Label)
		ch <- prometheus.MustNewConstMetric(t.sendBurnRate, prometheus.GaugeValue, burnRate(sr, t.config.SendTarget), win.Label)
	}

	ch <- prometheus.MustNewConstMetric(t.deliveryBudget, prometheus.GaugeValue,
		t.budgetRemaining(latest, deliveryRatio, t.config.DeliveryTarget))
	ch <- prometheus.MustNewConstMetric(t.sendBudget, prometheus.GaugeValue,
		t.budgetRemaining(latest, sendSuccessRatio, t.config.SendTarget))
}
