// Package client is the entry point applications use to hand over error
// reports. It runs before-send hooks, routes reports through the background
// queue or a synchronous send, and keeps transiently undeliverable reports
// in the offline store.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/crash-relay/internal/cardinality"
	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/offline"
	"github.com/szibis/crash-relay/internal/queue"
	"github.com/szibis/crash-relay/internal/report"
)

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("client: API key is required")

// Deliverer performs a single delivery attempt. *sender.Sender implements it.
type Deliverer interface {
	Deliver(ctx context.Context, r report.Report) report.Outcome
}

// BeforeSendFunc may modify r in place. Returning false cancels the send.
type BeforeSendFunc func(r *report.Report) bool

// SendResult describes what happened to a report handed to Send.
type SendResult int

const (
	// ResultSent means the report was delivered synchronously.
	ResultSent SendResult = iota
	// ResultQueued means the report was accepted by the background queue.
	ResultQueued
	// ResultStored means delivery failed transiently and the report was saved for replay.
	ResultStored
	// ResultRejected means the endpoint refused the report permanently.
	ResultRejected
	// ResultDropped means the report was lost: queue full or store unavailable.
	ResultDropped
	// ResultCancelled means a before-send hook cancelled the report.
	ResultCancelled
	// ResultDuplicate means an identical report was seen within the dedup window.
	ResultDuplicate
)

// String returns the result name used in logs and metric labels.
func (r SendResult) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultQueued:
		return "queued"
	case ResultStored:
		return "stored"
	case ResultRejected:
		return "rejected"
	case ResultDropped:
		return "dropped"
	case ResultCancelled:
		return "cancelled"
	case ResultDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

var reportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "crash_relay_client_reports_total",
	Help: "Total reports handed to the client by result",
}, []string{"result"})

func init() {
	prometheus.MustRegister(reportsTotal)
	for r := ResultSent; r <= ResultDuplicate; r++ {
		reportsTotal.WithLabelValues(r.String())
	}
}

// Config holds client configuration.
type Config struct {
	// APIKey is applied to reports that carry no key of their own.
	APIKey string
	// UseBackgroundQueue routes reports through the adaptive queue.
	UseBackgroundQueue bool
	// Queue configures the background queue.
	Queue queue.Config
	// SyncFallback sends synchronously when the background queue rejects a report.
	SyncFallback bool
	// SyncFallbackConcurrency caps concurrent fallback sends; reports beyond it
	// are dropped (default: NumCPU*4).
	SyncFallbackConcurrency int
	// DedupWindow suppresses identical reports seen within this window. Zero disables it.
	DedupWindow time.Duration
	// Dedup sizes the dedup filters.
	Dedup cardinality.Config
}

// Client delivers reports.
type Client struct {
	cfg       Config
	deliverer Deliverer
	offline   *offline.Coordinator
	processor *queue.Processor
	fallback  *limiter
	dedup     *cardinality.Deduplicator
	logger    *logging.Logger

	hooksMu sync.RWMutex
	hooks   []BeforeSendFunc

	received  atomic.Uint64
	skipped   atomic.Uint64
	attempts  atomic.Uint64
	delivered atomic.Uint64

	closeOnce sync.Once
}

// Stats is a snapshot of the client's cumulative counters.
type Stats struct {
	// Received counts reports handed to Send.
	Received uint64
	// Skipped counts reports cancelled by a hook or suppressed as duplicates.
	Skipped uint64
	// Attempts counts delivery attempts, including queued and replayed sends.
	Attempts uint64
	// Delivered counts attempts the endpoint accepted.
	Delivered uint64
}

// New creates a client. coord may be nil to disable offline storage; when
// set, the client installs itself as the coordinator's replay callback.
func New(cfg Config, d Deliverer, coord *offline.Coordinator, logger *logging.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if d == nil {
		return nil, errors.New("client: deliverer is required")
	}

	c := &Client{
		cfg:       cfg,
		deliverer: d,
		offline:   coord,
		fallback:  newLimiter(cfg.SyncFallbackConcurrency),
		dedup:     cardinality.NewDeduplicator(cfg.DedupWindow, cfg.Dedup),
		logger:    logger,
	}

	if cfg.UseBackgroundQueue {
		p, err := queue.New(cfg.Queue, c.deliverQueued, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create background queue: %w", err)
		}
		c.processor = p
	}

	if coord != nil {
		coord.SetSendCallback(c.deliver)
	}
	return c, nil
}

// OnBeforeSend registers a hook run, in registration order, before every send.
func (c *Client) OnBeforeSend(fn BeforeSendFunc) {
	if fn == nil {
		return
	}
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hooksMu.Unlock()
}

// runHooks reports whether the send should proceed. A panicking hook is
// logged and skipped.
func (c *Client) runHooks(r *report.Report) bool {
	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()

	for _, h := range hooks {
		if !c.runHook(h, r) {
			return false
		}
	}
	return true
}

func (c *Client) runHook(h BeforeSendFunc, r *report.Report) (proceed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("before-send hook panicked", logging.F("panic", rec))
			proceed = true
		}
	}()
	return h(r)
}

// Send hands r over for delivery. It never returns an error: the result is
// for observability only.
func (c *Client) Send(ctx context.Context, r report.Report) SendResult {
	c.received.Add(1)
	result := c.send(ctx, r)
	if result == ResultCancelled || result == ResultDuplicate {
		c.skipped.Add(1)
	}
	reportsTotal.WithLabelValues(result.String()).Inc()
	return result
}

// deliver makes one delivery attempt and counts it.
func (c *Client) deliver(ctx context.Context, r report.Report) report.Outcome {
	c.attempts.Add(1)
	outcome := c.deliverer.Deliver(ctx, r)
	if outcome == report.Delivered {
		c.delivered.Add(1)
	}
	return outcome
}

func (c *Client) send(ctx context.Context, r report.Report) SendResult {
	if !c.runHooks(&r) {
		c.logger.Debug("report cancelled by before-send hook")
		return ResultCancelled
	}
	if r.APIKey == "" {
		r.APIKey = c.cfg.APIKey
	}

	fp := r.Fingerprint()
	if c.dedup.Seen(fp[:]) {
		c.logger.Debug("duplicate report suppressed", logging.F("bytes", r.Size()))
		return ResultDuplicate
	}

	if c.processor == nil {
		return c.sendNow(ctx, r)
	}
	if c.processor.Enqueue(r) {
		return ResultQueued
	}
	if c.cfg.SyncFallback {
		if !c.fallback.TryAcquire() {
			c.logger.Warn("synchronous fallback saturated, dropping report", logging.F(
				"in_flight", c.fallback.InUse(),
				"limit", c.fallback.Limit(),
			))
			return ResultDropped
		}
		defer c.fallback.Release()
		c.logger.Debug("background queue rejected report, sending synchronously")
		return c.sendNow(ctx, r)
	}
	c.logger.Warn("background queue rejected report, dropping", logging.F(
		"queue_depth", c.processor.Len(),
		"draining", c.processor.Draining(),
	))
	return ResultDropped
}

func (c *Client) sendNow(ctx context.Context, r report.Report) SendResult {
	switch c.deliver(ctx, r) {
	case report.Delivered:
		return ResultSent
	case report.Permanent:
		return ResultRejected
	default:
		return c.store(ctx, r)
	}
}

// store saves r for replay. The save is not tied to the caller's
// cancellation so a report is not lost because its sender gave up.
func (c *Client) store(ctx context.Context, r report.Report) SendResult {
	if c.offline == nil {
		c.logger.Warn("delivery failed and offline store is disabled, dropping report")
		return ResultDropped
	}
	if !c.offline.Save(context.WithoutCancel(ctx), r) {
		return ResultDropped
	}
	return ResultStored
}

// deliverQueued is the background queue's delivery callback. Outcomes are
// handled here, so it only returns an error when the worker is cancelled.
func (c *Client) deliverQueued(ctx context.Context, r report.Report) error {
	switch c.deliver(ctx, r) {
	case report.Delivered, report.Permanent:
	default:
		c.store(ctx, r)
	}
	return ctx.Err()
}

// Flush waits for the background queue to empty and then replays the
// offline store once.
func (c *Client) Flush(ctx context.Context) error {
	if c.processor != nil {
		if err := c.processor.WaitIdle(ctx); err != nil {
			return fmt.Errorf("failed to drain background queue: %w", err)
		}
	}
	if c.offline != nil {
		c.offline.Flush(ctx)
	}
	return ctx.Err()
}

// Stats returns the client's cumulative counters.
func (c *Client) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Skipped:   c.skipped.Load(),
		Attempts:  c.attempts.Load(),
		Delivered: c.delivered.Load(),
	}
}

// QueueLen returns the number of reports waiting in the background queue.
func (c *Client) QueueLen() int {
	if c.processor == nil {
		return 0
	}
	return c.processor.Len()
}

// Draining reports whether the background queue is rejecting reports.
func (c *Client) Draining() bool {
	return c.processor != nil && c.processor.Draining()
}

// Close stops the background queue. Reports still queued are discarded.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.processor != nil {
			err = c.processor.Close()
		}
	})
	return err
}
