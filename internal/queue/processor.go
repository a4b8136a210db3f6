// Package queue implements the adaptive background delivery queue.
//
// A Processor accepts reports without blocking, stores them in an in-memory
// FIFO and runs a self-scaling set of worker goroutines that hand each report
// to a delivery callback. When the queue fills up it latches into a draining
// state and refuses new reports until the depth falls back under a 90%
// watermark.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/report"
)

const (
	// DefaultMaxQueueSize is the default number of reports held in memory.
	DefaultMaxQueueSize = 65535
	// DefaultWorkerBreakpoint is the default queue depth handled by one worker.
	DefaultWorkerBreakpoint = 25
	// DefaultShutdownTimeout bounds how long Close waits for running workers.
	DefaultShutdownTimeout = 2 * time.Second

	drainRatio = 0.9
)

var (
	// ErrStopWorker can be returned (or wrapped) by a DeliverFunc to make the
	// calling worker exit after the current report.
	ErrStopWorker = errors.New("stop worker")

	// ErrClosed is returned by WaitIdle once the processor has been closed.
	ErrClosed = errors.New("queue processor closed")
)

// DeliverFunc delivers a single report. ctx is cancelled when the processor
// is closed. Scaling a worker down takes effect between reports and never
// cancels a delivery in progress.
type DeliverFunc func(ctx context.Context, r report.Report) error

// Config holds processor configuration.
type Config struct {
	// MaxQueueSize is the depth at which Enqueue starts rejecting (default: 65535).
	MaxQueueSize int
	// MaxWorkers caps concurrent workers. Zero is valid and disables processing.
	MaxWorkers int
	// WorkerBreakpoint is the queue depth per additional worker (default: 25).
	WorkerBreakpoint int
	// ShutdownTimeout bounds the wait in Close (default: 2s).
	ShutdownTimeout time.Duration
	// SkipShutdownWait makes Close return without waiting for workers, for
	// hosts where blocking the closing goroutine is not permitted.
	SkipShutdownWait bool
}

// DefaultMaxWorkers returns min(NumCPU*2, 8).
func DefaultMaxWorkers() int {
	return min(runtime.NumCPU()*2, 8)
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:     DefaultMaxQueueSize,
		MaxWorkers:       DefaultMaxWorkers(),
		WorkerBreakpoint: DefaultWorkerBreakpoint,
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}

type worker struct {
	id        int
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

func (w *worker) completed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Processor is a bounded, self-scaling background delivery queue.
type Processor struct {
	cfg       Config
	drainSize int
	deliverFn DeliverFunc
	logger    *logging.Logger
	queue     *MemoryQueue

	ctx    context.Context
	cancel context.CancelFunc

	// admitMu serializes the admission check with the push so the depth
	// observed by the hysteresis latch is the depth the report lands at.
	admitMu  sync.Mutex
	draining atomic.Bool

	// adjustMu is only ever taken with TryLock by adjustment passes.
	// Close takes it with Lock to fence off new workers.
	adjustMu sync.Mutex
	rerun    atomic.Bool
	workers  []*worker
	nextID   int
	running  atomic.Int32

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a processor. Workers are started lazily as reports arrive.
func New(cfg Config, fn DeliverFunc, logger *logging.Logger) (*Processor, error) {
	if fn == nil {
		return nil, errors.New("queue: deliver function is required")
	}
	if cfg.MaxWorkers < 0 {
		return nil, fmt.Errorf("queue: max workers must be >= 0, got %d", cfg.MaxWorkers)
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.WorkerBreakpoint <= 0 {
		cfg.WorkerBreakpoint = DefaultWorkerBreakpoint
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:       cfg,
		drainSize: max(int(float64(cfg.MaxQueueSize)*drainRatio), 1),
		deliverFn: fn,
		logger:    logger,
		queue:     NewMemoryQueue(),
		ctx:       ctx,
		cancel:    cancel,
	}

	logger.Debug("queue processor created", logging.F(
		"max_queue_size", cfg.MaxQueueSize,
		"max_workers", cfg.MaxWorkers,
		"worker_breakpoint", cfg.WorkerBreakpoint,
		"drain_size", p.drainSize,
	))
	return p, nil
}

// Enqueue adds r to the queue without blocking. It returns false when the
// processor is closed, full, or still draining after having been full.
func (p *Processor) Enqueue(r report.Report) bool {
	if p.closed.Load() {
		queueRejectedTotal.WithLabelValues("closed").Inc()
		return false
	}

	p.admitMu.Lock()
	depth := p.queue.Len()
	if p.draining.Load() {
		if depth > p.drainSize {
			p.admitMu.Unlock()
			queueRejectedTotal.WithLabelValues("draining").Inc()
			return false
		}
		p.draining.Store(false)
		queueDraining.Set(0)
		p.logger.Info("queue drained below watermark, accepting reports", logging.F(
			"depth", depth, "drain_size", p.drainSize,
		))
	}
	if depth >= p.cfg.MaxQueueSize {
		p.draining.Store(true)
		p.admitMu.Unlock()
		queueDraining.Set(1)
		queueRejectedTotal.WithLabelValues("full").Inc()
		p.logger.Warn("queue full, rejecting reports until drained", logging.F(
			"depth", depth, "max_queue_size", p.cfg.MaxQueueSize,
		))
		return false
	}
	p.queue.Push(r)
	p.admitMu.Unlock()

	queueAcceptedTotal.Inc()
	p.adjust()
	return true
}

// DesiredWorkers returns the number of workers wanted for the given depth.
func (p *Processor) DesiredWorkers(depth int) int {
	return desiredWorkers(depth, p.cfg.WorkerBreakpoint, p.cfg.MaxWorkers)
}

func desiredWorkers(depth, breakpoint, maxWorkers int) int {
	if depth <= 0 || maxWorkers <= 0 {
		return 0
	}
	if depth <= breakpoint {
		return 1
	}
	n := (depth + breakpoint - 1) / breakpoint
	return min(n, maxWorkers)
}

// Len returns the number of queued reports.
func (p *Processor) Len() int {
	return p.queue.Len()
}

// Workers returns the number of worker goroutines still running.
func (p *Processor) Workers() int {
	return int(p.running.Load())
}

// Draining reports whether the queue is latched in its draining state.
func (p *Processor) Draining() bool {
	return p.draining.Load()
}

// adjust runs an adjustment pass unless one is already in progress. A pass
// requested while another holds the lock is folded into the running one.
func (p *Processor) adjust() {
	p.rerun.Store(true)
	retriggered := false
	for p.rerun.Load() {
		if !p.adjustMu.TryLock() {
			return
		}
		p.rerun.Store(false)
		again := p.adjustLocked()
		p.adjustMu.Unlock()

		if again && !retriggered {
			retriggered = true
			p.rerun.Store(true)
		}
	}
}

// adjustLocked reaps completed workers and starts or cancels workers to match
// the desired count. It reports whether reports remain with no live worker.
// Must be called with p.adjustMu held.
func (p *Processor) adjustLocked() bool {
	if p.closed.Load() {
		return false
	}

	live := p.workers[:0]
	for _, w := range p.workers {
		if !w.completed() {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(p.workers); i++ {
		p.workers[i] = nil
	}
	p.workers = live

	depth := p.queue.Len()
	desired := p.DesiredWorkers(depth)
	queueWorkersDesired.Set(float64(desired))

	active := 0
	for _, w := range p.workers {
		if !w.cancelled {
			active++
		}
	}

	switch {
	case desired > active:
		// Cancelled workers still finishing an item count against the cap.
		start := min(desired-active, p.cfg.MaxWorkers-len(p.workers))
		for i := 0; i < start; i++ {
			p.startWorker()
		}
		if start > 0 {
			queueScaleTotal.WithLabelValues("up").Add(float64(start))
			p.logger.Debug("scaled workers up", logging.F(
				"depth", depth, "desired", desired, "started", start,
			))
		}
	case desired < active:
		stop := active - desired
		for i := len(p.workers) - 1; i >= 0 && stop > 0; i-- {
			w := p.workers[i]
			if w.cancelled {
				continue
			}
			w.cancelled = true
			w.cancel()
			stop--
		}
		queueScaleTotal.WithLabelValues("down").Add(float64(active - desired))
		p.logger.Debug("scaled workers down", logging.F(
			"depth", depth, "desired", desired, "cancelled", active-desired,
		))
	}

	if p.queue.Len() == 0 || desired == 0 {
		return false
	}
	for _, w := range p.workers {
		if !w.completed() {
			return false
		}
	}
	return true
}

// startWorker must be called with p.adjustMu held.
func (p *Processor) startWorker() {
	ctx, cancel := context.WithCancel(p.ctx)
	p.nextID++
	w := &worker{id: p.nextID, cancel: cancel, done: make(chan struct{})}
	p.workers = append(p.workers, w)

	p.wg.Add(1)
	queueWorkers.Set(float64(p.running.Add(1)))
	go p.runWorker(ctx, w)
}

func (p *Processor) runWorker(ctx context.Context, w *worker) {
	defer p.wg.Done()
	defer p.onWorkerExit(w)

	for {
		if ctx.Err() != nil {
			return
		}
		r, ok := p.queue.Pop()
		if !ok {
			return
		}

		err := p.deliver(p.ctx, r)
		switch {
		case err == nil:
		case errors.Is(err, ErrStopWorker):
			queueDeliveryErrorsTotal.WithLabelValues("stop").Inc()
			p.logger.Debug("worker stopped by delivery callback", logging.F("worker", w.id))
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		default:
			queueDeliveryErrorsTotal.WithLabelValues("error").Inc()
			p.logger.Warn("report delivery failed", logging.F(
				"worker", w.id, "error", err.Error(), "bytes", r.Size(),
			))
		}
	}
}

// deliver invokes the callback, converting a panic into an error.
func (p *Processor) deliver(ctx context.Context, r report.Report) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			queueDeliveryErrorsTotal.WithLabelValues("panic").Inc()
			err = fmt.Errorf("delivery callback panicked: %v", rec)
		}
	}()
	return p.deliverFn(ctx, r)
}

func (p *Processor) onWorkerExit(w *worker) {
	w.cancel()
	close(w.done)
	queueWorkers.Set(float64(p.running.Add(-1)))

	if !p.closed.Load() {
		p.adjust()
	}
}

// WaitIdle blocks until the queue is empty and every worker has exited,
// or ctx is done.
func (p *Processor) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.closed.Load() {
			return ErrClosed
		}
		if p.queue.Len() == 0 && p.Workers() == 0 {
			return nil
		}
		if p.Workers() == 0 && p.cfg.MaxWorkers == 0 {
			return fmt.Errorf("queue: %d reports pending with no workers configured", p.queue.Len())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.adjust()
		}
	}
}

// Close cancels all workers and waits up to ShutdownTimeout for them to
// exit. Reports still queued are discarded. Close is idempotent.
func (p *Processor) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		p.adjustMu.Lock()
		p.cancel()
		p.adjustMu.Unlock()

		if p.cfg.SkipShutdownWait {
			p.logger.Debug("queue processor closed without waiting", logging.F("pending", p.queue.Len()))
			return
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(p.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
			p.logger.Debug("queue processor closed", logging.F("pending", p.queue.Len()))
		case <-timer.C:
			p.logger.Warn("timed out waiting for queue workers", logging.F(
				"timeout", p.cfg.ShutdownTimeout.String(),
				"running", p.Workers(),
			))
		}
	})
	return nil
}
