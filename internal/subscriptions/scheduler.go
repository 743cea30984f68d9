package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Renewer is the subset of Manager the scheduler needs.
type Renewer interface {
	Expiring(ctx context.Context, now time.Time, within time.Duration) ([]Subscription, error)
	RenewSubscription(ctx context.Context, id string) (bool, error)
}

// RenewalReport summarizes one renewal pass.
type RenewalReport struct {
	Checked int
	Renewed int
	Dropped int
	Failed  int
}

// Scheduler renews subscriptions that expire within Threshold, every Interval.
// A failed renewal is logged and retried on the next tick; it never blocks
// the others.
type Scheduler struct {
	renewer   Renewer
	interval  time.Duration
	threshold time.Duration
	log       *slog.Logger
	clock     func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(r Renewer, interval, threshold time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if threshold <= 0 {
		threshold = 60 * time.Minute
	}
	return &Scheduler{
		renewer:   r,
		interval:  interval,
		threshold: threshold,
		log:       log.With("component", "renewal_scheduler"),
		clock:     time.Now,
	}
}

// Start runs one pass immediately and then one every interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("subscriptions: scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.tick); err != nil {
		s.cancel()
		return fmt.Errorf("subscriptions: schedule renewal: %w", err)
	}
	s.cron = c
	c.Start()

	// Initial pass so a restart near expiry does not wait a full interval.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick()
	}()

	s.log.Info("renewal scheduler started", "interval", s.interval.String(), "threshold", s.threshold.String())
	return nil
}

// Stop cancels the running pass and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.log.Info("renewal scheduler stopped")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	rep := s.RunOnce(ctx)
	if rep.Checked > 0 {
		s.log.Info("renewal pass",
			"checked", rep.Checked,
			"renewed", rep.Renewed,
			"dropped", rep.Dropped,
			"failed", rep.Failed,
		)
	}
}

// RunOnce renews everything expiring within the threshold.
func (s *Scheduler) RunOnce(ctx context.Context) RenewalReport {
	var rep RenewalReport
	subs, err := s.renewer.Expiring(ctx, s.clock(), s.threshold)
	if err != nil {
		s.log.Error("list expiring subscriptions failed", "err", err)
		return rep
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		ok, err := s.renewer.RenewSubscription(ctx, sub.ID)
		switch {
		case err != nil:
			rep.Failed++
			s.log.Warn("subscription renewal failed", "subscription_id", sub.ID, "err", err)
		case !ok:
			rep.Dropped++
		default:
			rep.Renewed++
		}
	}
	return rep
}
