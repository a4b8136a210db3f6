package client

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/szibis/crash-relay/internal/queue"
)

func TestLeakCheck_Client(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	coord, _ := newOffline()
	c, err := New(Config{
		APIKey:             "k",
		UseBackgroundQueue: true,
		Queue:              queue.Config{MaxQueueSize: 100, MaxWorkers: 4, WorkerBreakpoint: 2},
	}, &fakeDeliverer{}, coord, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		c.Send(context.Background(), newReport(string(rune('a'+i))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
