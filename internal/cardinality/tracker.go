// Package cardinality tracks report fingerprints: a HyperLogLog sketch
// estimates how many distinct reports were seen and a Bloom filter detects
// repeats within a time window.
package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
)

// Config holds Bloom filter sizing.
type Config struct {
	// ExpectedItems is the expected number of distinct keys per window.
	ExpectedItems uint
	// FalsePositiveRate is the target false positive rate.
	FalsePositiveRate float64
}

// DefaultConfig returns sizing for 10k reports at a 1% false positive rate.
func DefaultConfig() Config {
	return Config{ExpectedItems: 10000, FalsePositiveRate: 0.01}
}

// Tracker interface for unique element tracking.
type Tracker interface {
	// Add tests membership and adds element if new.
	// Returns true if the element was new (not seen before).
	Add(key []byte) bool

	// TestOnly tests membership without adding.
	// Returns true if the element likely exists.
	TestOnly(key []byte) bool

	// Count returns the number of unique elements seen.
	Count() int64

	// Reset clears the tracker for a new window.
	Reset()

	// MemoryUsage returns approximate memory usage in bytes.
	MemoryUsage() uint64
}

// BloomTracker provides memory-efficient unique element tracking using a Bloom filter.
// It uses a manual counter since Bloom filters don't support cardinality estimation.
type BloomTracker struct {
	filter *bloom.BloomFilter
	count  int64
	mu     sync.RWMutex
}

// NewBloomTracker creates a new Bloom filter-based tracker.
func NewBloomTracker(cfg Config) *BloomTracker {
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = DefaultConfig().ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = DefaultConfig().FalsePositiveRate
	}
	return &BloomTracker{
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
	}
}

// Add tests membership and adds element if new.
// Due to false positives, Add may return false for a truly new element.
func (t *BloomTracker) Add(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filter.TestAndAdd(key) {
		return false
	}
	t.count++
	return true
}

// TestOnly tests membership without adding.
func (t *BloomTracker) TestOnly(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filter.Test(key)
}

// Count returns the number of unique elements seen.
// May slightly undercount due to false positives on Add.
func (t *BloomTracker) Count() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Reset clears the tracker for a new window.
func (t *BloomTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter.ClearAll()
	t.count = 0
}

// MemoryUsage returns the bit array size in bytes.
func (t *BloomTracker) MemoryUsage() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(t.filter.Cap()) / 8
}

// HLLTracker provides fixed-memory cardinality estimation using HyperLogLog.
// HLL does not support membership testing, so TestOnly always returns false.
type HLLTracker struct {
	sketch *hyperloglog.Sketch
	mu     sync.Mutex
}

// NewHLLTracker creates a new HyperLogLog-based tracker.
func NewHLLTracker() *HLLTracker {
	return &HLLTracker{sketch: hyperloglog.New()}
}

// Add inserts key into the sketch. It always returns true.
func (t *HLLTracker) Add(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sketch.Insert(key)
	return true
}

// TestOnly always returns false.
func (t *HLLTracker) TestOnly(_ []byte) bool {
	return false
}

// Count returns the estimated number of unique elements.
// Uses full Lock because Estimate may mutate internal state.
func (t *HLLTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.sketch.Estimate())
}

// Reset clears the sketch.
func (t *HLLTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sketch = hyperloglog.New()
}

// MemoryUsage returns approximate memory usage in bytes (~12KB at precision 14).
func (t *HLLTracker) MemoryUsage() uint64 {
	return 12288
}
