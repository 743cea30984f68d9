package utils

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// Periodic runs a job on a cron schedule with overlapping runs skipped.
// Stop cancels the job's context and waits for a running job to return.
type Periodic struct {
	c      *cron.Cron
	cancel context.CancelFunc
	once   sync.Once
}

// StartPeriodic schedules fn with spec ("@every 30s", "@daily", "0 3 * * *").
func StartPeriodic(ctx context.Context, spec string, fn func(ctx context.Context)) (*Periodic, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	c.Start()
	return &Periodic{c: c, cancel: cancel}, nil
}

func (p *Periodic) Stop() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.cancel()
		<-p.c.Stop().Done()
	})
}
