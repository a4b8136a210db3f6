package queue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/szibis/crash-relay/internal/report"
)

func TestLeakCheck_Processor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p, err := New(Config{MaxQueueSize: 100, MaxWorkers: 4, WorkerBreakpoint: 5}, func(ctx context.Context, _ report.Report) error {
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 50; i++ {
		p.Enqueue(testReport(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestLeakCheck_ProcessorCloseWithPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p, err := New(Config{MaxQueueSize: 100, MaxWorkers: 2}, func(ctx context.Context, _ report.Report) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		p.Enqueue(testReport(i))
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
