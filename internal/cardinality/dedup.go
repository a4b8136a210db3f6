package cardinality

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	distinctReports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_relay_reports_distinct",
		Help: "Estimated distinct report fingerprints seen since start",
	})

	duplicateReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crash_relay_reports_duplicates_total",
		Help: "Total reports identified as repeats within the dedup window",
	})

	dedupMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_relay_dedup_memory_bytes",
		Help: "Approximate memory used by the dedup filters",
	})
)

func init() {
	prometheus.MustRegister(distinctReports)
	prometheus.MustRegister(duplicateReportsTotal)
	prometheus.MustRegister(dedupMemoryBytes)
}

// Deduplicator recognizes keys seen within the last window. It keeps two
// Bloom generations: a key is a duplicate if either holds it, and the older
// generation is discarded every window. A key is therefore remembered for
// at least one and at most two windows.
type Deduplicator struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	current  *BloomTracker
	previous *BloomTracker
	rotated  time.Time

	distinct *HLLTracker
}

// NewDeduplicator creates a deduplicator. A window <= 0 disables duplicate
// detection while still counting distinct keys.
func NewDeduplicator(window time.Duration, cfg Config) *Deduplicator {
	d := &Deduplicator{
		window:   window,
		now:      time.Now,
		current:  NewBloomTracker(cfg),
		previous: NewBloomTracker(cfg),
		distinct: NewHLLTracker(),
	}
	d.rotated = d.now()
	dedupMemoryBytes.Set(float64(d.current.MemoryUsage() + d.previous.MemoryUsage() + d.distinct.MemoryUsage()))
	return d
}

// Seen records key and reports whether it was already seen in the window.
func (d *Deduplicator) Seen(key []byte) bool {
	d.distinct.Add(key)
	distinctReports.Set(float64(d.distinct.Count()))

	if d.window <= 0 {
		return false
	}

	d.mu.Lock()
	if now := d.now(); now.Sub(d.rotated) >= d.window {
		d.previous, d.current = d.current, d.previous
		d.current.Reset()
		// Idle for more than two windows: nothing is recent any more.
		if now.Sub(d.rotated) >= 2*d.window {
			d.previous.Reset()
		}
		d.rotated = now
	}
	dup := d.previous.TestOnly(key)
	if !d.current.Add(key) {
		dup = true
	}
	d.mu.Unlock()

	if dup {
		duplicateReportsTotal.Inc()
	}
	return dup
}

// Distinct returns the estimated number of distinct keys seen.
func (d *Deduplicator) Distinct() int64 {
	return d.distinct.Count()
}
