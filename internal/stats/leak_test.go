package stats

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLeakCheck_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tracker := NewSLITracker(SLIConfig{Interval: time.Millisecond}, func() Counts { return Counts{} })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
}
