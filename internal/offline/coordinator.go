package offline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/report"
)

// ReplayFunc attempts delivery of a stored report and classifies the result.
type ReplayFunc func(ctx context.Context, r report.Report) report.Outcome

// Coordinator connects a Store to a Trigger: every trigger firing replays
// the stored reports through the send callback.
type Coordinator struct {
	trigger Trigger
	store   Store
	logger  *logging.Logger

	send      atomic.Pointer[ReplayFunc]
	replaying atomic.Bool
}

// NewCoordinator creates a coordinator and subscribes it to trigger.
// Firings are ignored until SetSendCallback is called.
func NewCoordinator(trigger Trigger, store Store, logger *logging.Logger) *Coordinator {
	c := &Coordinator{
		trigger: trigger,
		store:   store,
		logger:  logger,
	}
	if trigger != nil {
		trigger.Subscribe(c.onTrigger)
	}
	return c
}

// SetSendCallback installs the function used to replay stored reports.
func (c *Coordinator) SetSendCallback(fn ReplayFunc) {
	if fn == nil {
		c.send.Store(nil)
		return
	}
	c.send.Store(&fn)
}

// Save persists r for a later replay.
func (c *Coordinator) Save(ctx context.Context, r report.Report) bool {
	return c.store.Save(ctx, r)
}

// Flush runs one replay pass immediately. It returns false if no callback
// is set or another pass is already running.
func (c *Coordinator) Flush(ctx context.Context) bool {
	return c.replayAll(ctx)
}

func (c *Coordinator) onTrigger(ctx context.Context) {
	c.replayAll(ctx)
}

func (c *Coordinator) replayAll(ctx context.Context) bool {
	fnp := c.send.Load()
	if fnp == nil {
		replaysTotal.WithLabelValues("unset").Inc()
		return false
	}
	if !c.replaying.CompareAndSwap(false, true) {
		replaysTotal.WithLabelValues("skipped").Inc()
		c.logger.Debug("replay already in progress, skipping")
		return false
	}
	defer c.replaying.Store(false)

	start := time.Now()
	defer func() { replayDuration.Observe(time.Since(start).Seconds()) }()

	entries := c.store.GetAll(ctx)
	if len(entries) == 0 {
		replaysTotal.WithLabelValues("complete").Inc()
		return true
	}

	var delivered, dropped int
	for _, e := range entries {
		if ctx.Err() != nil {
			replaysTotal.WithLabelValues("stopped").Inc()
			return true
		}

		outcome := c.replay(ctx, *fnp, e.Report)
		replayedTotal.WithLabelValues(outcome.String()).Inc()

		switch outcome {
		case report.Delivered:
			c.store.Remove(ctx, e.ID)
			delivered++
		case report.Permanent:
			c.store.Remove(ctx, e.ID)
			dropped++
			c.logger.Warn("discarding stored report rejected by endpoint", logging.F("id", e.ID.String()))
		default:
			replaysTotal.WithLabelValues("stopped").Inc()
			c.logger.Info("replay stopped on retryable failure", logging.F(
				"delivered", delivered, "dropped", dropped, "remaining", len(entries)-delivered-dropped,
			))
			return true
		}
	}

	replaysTotal.WithLabelValues("complete").Inc()
	c.logger.Info("replayed stored reports", logging.F("delivered", delivered, "dropped", dropped))
	return true
}

// replay invokes fn, treating a panic as a retryable failure.
func (c *Coordinator) replay(ctx context.Context, fn ReplayFunc, r report.Report) (outcome report.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("replay callback panicked", logging.F("panic", rec))
			outcome = report.Retryable
		}
	}()
	return fn(ctx, r)
}
