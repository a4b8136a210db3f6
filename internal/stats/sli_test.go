package stats

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestTracker() (*SLITracker, *time.Time) {
	tracker := NewSLITracker(SLIConfig{}, nil)
	now := time.Unix(1_700_000_000, 0)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

// record appends n snapshots 30s apart, each adding step to the counters.
func record(tracker *SLITracker, now *time.Time, n int, step Counts) {
	var c Counts
	for i := 0; i < n; i++ {
		if i > 0 {
			*now = now.Add(DefaultSnapshotInterval)
		}
		c.Received += step.Received
		c.Skipped += step.Skipped
		c.Attempts += step.Attempts
		c.Delivered += step.Delivered
		tracker.RecordSnapshot(c)
	}
}

func TestNewSLITracker(t *testing.T) {
	tracker := NewSLITracker(SLIConfig{}, nil)
	if len(tracker.ring) != 720 {
		t.Errorf("ring size = %d, want 720", len(tracker.ring))
	}
	if tracker.config.DeliveryTarget != DefaultDeliveryTarget || tracker.config.SendTarget != DefaultSendTarget {
		t.Errorf("targets = %v %v", tracker.config.DeliveryTarget, tracker.config.SendTarget)
	}
	if tracker.source() != (Counts{}) {
		t.Error("default source should return zero counts")
	}

	short := NewSLITracker(SLIConfig{Interval: time.Minute}, nil)
	if len(short.ring) != 360 {
		t.Errorf("ring size at 1m interval = %d, want 360", len(short.ring))
	}
}

func TestWindowSlots(t *testing.T) {
	tests := []struct {
		d, interval time.Duration
		want        int
	}{
		{5 * time.Minute, 30 * time.Second, 10},
		{6 * time.Hour, 30 * time.Second, 720},
		{time.Minute, time.Minute, 2},
		{time.Second, time.Minute, 2},
	}
	for _, tt := range tests {
		if got := windowSlots(tt.d, tt.interval); got != tt.want {
			t.Errorf("windowSlots(%s, %s) = %d, want %d", tt.d, tt.interval, got, tt.want)
		}
	}
}

func TestRingBufferWrap(t *testing.T) {
	tracker := NewSLITracker(SLIConfig{Interval: 3 * time.Hour}, nil)
	if len(tracker.ring) != 2 {
		t.Fatalf("ring size = %d, want 2", len(tracker.ring))
	}
	for i := uint64(1); i <= 5; i++ {
		tracker.RecordSnapshot(Counts{Received: i})
	}

	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	if tracker.count != 2 || tracker.snapshotsTotal != 5 {
		t.Errorf("count = %d, total = %d", tracker.count, tracker.snapshotsTotal)
	}
	if s, _ := tracker.snapshotAt(0); s.Received != 5 {
		t.Errorf("latest = %d, want 5", s.Received)
	}
	if s, _ := tracker.snapshotAt(1); s.Received != 4 {
		t.Errorf("previous = %d, want 4", s.Received)
	}
	if _, ok := tracker.snapshotAt(2); ok {
		t.Error("snapshotAt beyond count should fail")
	}
	if tracker.start.Received != 1 {
		t.Errorf("start snapshot = %d, want 1", tracker.start.Received)
	}
}

func TestDeliveryRatio(t *testing.T) {
	tests := []struct {
		name         string
		newer, older Counts
		want         float64
	}{
		{"no traffic", Counts{}, Counts{}, 1},
		{"all delivered", Counts{Received: 100, Delivered: 100}, Counts{}, 1},
		{"half delivered", Counts{Received: 200, Delivered: 150}, Counts{Received: 100, Delivered: 100}, 0.5},
		{"skipped are not eligible", Counts{Received: 100, Skipped: 50, Delivered: 50}, Counts{}, 1},
		{"replays clamp to one", Counts{Received: 10, Delivered: 30}, Counts{}, 1},
		{"everything skipped", Counts{Received: 10, Skipped: 10}, Counts{}, 1},
		{"counter reset", Counts{Received: 5, Delivered: 0}, Counts{Received: 10, Delivered: 10}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deliveryRatio(tt.newer, tt.older); got != tt.want {
				t.Errorf("deliveryRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSendSuccessRatio(t *testing.T) {
	tests := []struct {
		name         string
		newer, older Counts
		want         float64
	}{
		{"no attempts", Counts{}, Counts{}, 1},
		{"all accepted", Counts{Attempts: 10, Delivered: 10}, Counts{}, 1},
		{"quarter failed", Counts{Attempts: 40, Delivered: 30}, Counts{}, 0.75},
		{"all failed", Counts{Attempts: 8}, Counts{Attempts: 4}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sendSuccessRatio(tt.newer, tt.older); got != tt.want {
				t.Errorf("sendSuccessRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBurnRate(t *testing.T) {
	tests := []struct {
		ratio, target, want float64
	}{
		{1, 0.999, 0},
		{0.999, 0.999, 1},
		{0.99, 0.999, 10},
		{0.5, 1, 0},
	}
	for _, tt := range tests {
		if got := burnRate(tt.ratio, tt.target); math.Abs(got-tt.want) > 1e-6 {
			t.Errorf("burnRate(%v, %v) = %v, want %v", tt.ratio, tt.target, got, tt.want)
		}
	}
}

func TestBudgetRemaining(t *testing.T) {
	tracker, now := newTestTracker()
	record(tracker, now, 2, Counts{Received: 1000, Attempts: 1000, Delivered: 1000})

	tracker.mu.RLock()
	latest, _ := tracker.snapshotAt(0)
	early := tracker.budgetRemaining(latest, deliveryRatio, 0.999)
	tracker.mu.RUnlock()
	if early != 1 {
		t.Errorf("budget with 30s of data = %v, want 1", early)
	}

	// Two more minutes at 99.95%: half the 0.1% budget is consumed.
	*now = now.Add(2 * time.Minute)
	tracker.RecordSnapshot(Counts{Received: 11000, Attempts: 11000, Delivered: 10995})

	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	latest, _ = tracker.snapshotAt(0)
	got := tracker.budgetRemaining(latest, deliveryRatio, 0.999)
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("budget remaining = %v, want 0.5", got)
	}
}

func TestCollect_NoData(t *testing.T) {
	tracker, _ := newTestTracker()
	if n := testutil.CollectAndCount(tracker); n != 3 {
		t.Errorf("metrics without snapshots = %d, want 3", n)
	}

	expected := `
# HELP crash_relay_slo_target Configured SLO target value
# TYPE crash_relay_slo_target gauge
crash_relay_slo_target{sli="delivery"} 0.999
crash_relay_slo_target{sli="send"} 0.995
`
	if err := testutil.CollectAndCompare(tracker, strings.NewReader(expected), "crash_relay_slo_target"); err != nil {
		t.Error(err)
	}
}

func TestCollect_WithData(t *testing.T) {
	tracker, now := newTestTracker()
	record(tracker, now, 10, Counts{Received: 100, Attempts: 110, Delivered: 99})

	expected := `
# HELP crash_relay_sli_delivery_ratio Delivery SLI ratio (delivered/eligible reports) over window
# TYPE crash_relay_sli_delivery_ratio gauge
crash_relay_sli_delivery_ratio{window="5m"} 0.99
# HELP crash_relay_sli_send_success_ratio Send success SLI ratio (accepted/attempted sends) over window
# TYPE crash_relay_sli_send_success_ratio gauge
crash_relay_sli_send_success_ratio{window="5m"} 0.9
# HELP crash_relay_sli_delivery_budget_remaining Fraction of delivery error budget remaining (0-1)
# TYPE crash_relay_sli_delivery_budget_remaining gauge
crash_relay_sli_delivery_budget_remaining 0
# HELP crash_relay_sli_uptime_seconds Seconds since SLI tracking started
# TYPE crash_relay_sli_uptime_seconds gauge
crash_relay_sli_uptime_seconds 270
`
	err := testutil.CollectAndCompare(tracker, strings.NewReader(expected),
		"crash_relay_sli_delivery_ratio",
		"crash_relay_sli_send_success_ratio",
		"crash_relay_sli_delivery_budget_remaining",
		"crash_relay_sli_uptime_seconds",
	)
	if err != nil {
		t.Error(err)
	}

	// 3 fixed + uptime + 4 per available window + 2 budgets.
	if n := testutil.CollectAndCount(tracker); n != 10 {
		t.Errorf("metric count = %d, want 10", n)
	}
}

func TestCollect_PedanticRegistry(t *testing.T) {
	tracker, now := newTestTracker()
	record(tracker, now, 12, Counts{Received: 10, Attempts: 10, Delivered: 10})

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(tracker); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
}

func TestRun(t *testing.T) {
	var calls int
	tracker := NewSLITracker(SLIConfig{Interval: time.Hour}, func() Counts {
		calls++
		return Counts{Received: 7}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tracker.Run(ctx)

	if calls != 1 {
		t.Errorf("source calls = %d, want 1", calls)
	}
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	if s, ok := tracker.snapshotAt(0); !ok || s.Received != 7 {
		t.Errorf("snapshot = %+v, %v", s, ok)
	}
}

func TestSLIConcurrentAccess(t *testing.T) {
	tracker := NewSLITracker(SLIConfig{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := uint64(0); j < 100; j++ {
				tracker.RecordSnapshot(Counts{Received: j, Delivered: j})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				testutil.CollectAndCount(tracker)
			}
		}()
	}
	wg.Wait()
}
