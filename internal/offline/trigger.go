package offline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/crash-relay/internal/logging"
)

// DefaultRetryInterval is the default TimerTrigger interval.
const DefaultRetryInterval = 30 * time.Second

// FlushFunc is invoked by a Trigger when stored reports should be replayed.
type FlushFunc func(ctx context.Context)

// Trigger decides when stored reports are retried and notifies every
// subscriber when that happens.
type Trigger interface {
	Subscribe(fn FlushFunc)
	Start()
	Stop()
	Close() error
}

// subscribers is the multicast list shared by trigger implementations.
type subscribers struct {
	mu  sync.Mutex
	fns []FlushFunc
}

func (s *subscribers) add(fn FlushFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

func (s *subscribers) snapshot() []FlushFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FlushFunc, len(s.fns))
	copy(out, s.fns)
	return out
}

// fanOut runs every subscriber concurrently and waits for all of them.
// A panicking subscriber is logged and does not affect the others.
func fanOut(ctx context.Context, fns []FlushFunc, logger *logging.Logger) {
	var g errgroup.Group
	for _, fn := range fns {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("flush subscriber panicked", logging.F("panic", rec))
				}
			}()
			fn(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// TimerTrigger fires on a fixed interval. Each firing is scheduled only
// after every subscriber of the previous firing has returned, so firings
// never overlap.
type TimerTrigger struct {
	interval time.Duration
	logger   *logging.Logger
	subs     subscribers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	firing  bool
	closed  bool
}

// NewTimerTrigger creates a stopped timer trigger (default interval: 30s).
func NewTimerTrigger(interval time.Duration, logger *logging.Logger) *TimerTrigger {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerTrigger{
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe implements Trigger.
func (t *TimerTrigger) Subscribe(fn FlushFunc) {
	t.subs.add(fn)
}

// Start implements Trigger. It is a no-op when already running or closed.
func (t *TimerTrigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.closed {
		return
	}
	t.running = true
	if !t.firing {
		t.scheduleLocked()
	}
	t.logger.Debug("retry trigger started", logging.F("interval", t.interval.String()))
}

// Stop implements Trigger. A firing already in progress completes.
func (t *TimerTrigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Close stops the trigger, cancels the context passed to in-flight
// subscribers and waits for them to return.
func (t *TimerTrigger) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}

// scheduleLocked must be called with t.mu held.
func (t *TimerTrigger) scheduleLocked() {
	t.timer = time.AfterFunc(t.interval, t.fire)
}

func (t *TimerTrigger) fire() {
	t.mu.Lock()
	if !t.running || t.closed {
		t.mu.Unlock()
		return
	}
	t.firing = true
	t.timer = nil
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	fanOut(t.ctx, t.subs.snapshot(), t.logger)

	t.mu.Lock()
	t.firing = false
	if t.running && !t.closed {
		t.scheduleLocked()
	}
	t.mu.Unlock()
}

// ManualTrigger fires only when Fire is called.
type ManualTrigger struct {
	logger *logging.Logger
	subs   subscribers

	mu      sync.Mutex
	running bool
	closed  bool
}

// NewManualTrigger creates a started manual trigger.
func NewManualTrigger(logger *logging.Logger) *ManualTrigger {
	return &ManualTrigger{logger: logger, running: true}
}

// Subscribe implements Trigger.
func (m *ManualTrigger) Subscribe(fn FlushFunc) {
	m.subs.add(fn)
}

// Start implements Trigger.
func (m *ManualTrigger) Start() {
	m.mu.Lock()
	if !m.closed {
		m.running = true
	}
	m.mu.Unlock()
}

// Stop implements Trigger. Fire is ignored while stopped.
func (m *ManualTrigger) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Close implements Trigger.
func (m *ManualTrigger) Close() error {
	m.mu.Lock()
	m.closed = true
	m.running = false
	m.mu.Unlock()
	return nil
}

// Fire runs every subscriber and waits for them. It reports whether the
// trigger was running.
func (m *ManualTrigger) Fire(ctx context.Context) bool {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return false
	}
	fanOut(ctx, m.subs.snapshot(), m.logger)
	return true
}
