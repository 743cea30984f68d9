package utils

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartPeriodic_InvalidSpec(t *testing.T) {
	if _, err := StartPeriodic(context.Background(), "not a schedule", func(context.Context) {}); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
}

func TestStartPeriodic_StopWaitsForRunningJob(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{}, 1)

	p, err := StartPeriodic(context.Background(), "@every 1s", func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		finished.Store(true)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not run")
	}
	p.Stop()
	if !finished.Load() {
		t.Fatalf("expected Stop to wait for the running job")
	}
	p.Stop()
}
