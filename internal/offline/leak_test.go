package offline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/szibis/crash-relay/internal/report"
)

func TestLeakCheck_TimerTrigger(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := NewTimerTrigger(2*time.Millisecond, nil)
	c := NewCoordinator(tr, NewMemoryStore(5), nil)
	c.SetSendCallback(func(context.Context, report.Report) report.Outcome { return report.Delivered })
	c.Save(context.Background(), payload("x"))

	tr.Start()
	time.Sleep(20 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
