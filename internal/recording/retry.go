package recording

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"compliance-recorder/internal/metrics"
	"compliance-recorder/internal/telephony"
)

// RetryPolicy retries transient platform failures with exponential backoff:
// delay(n) = BaseDelay * 2^(n-1). Non-transient failures stop immediately.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = p.BaseDelay << uint(max(p.Attempts-1, 0))
	return bo
}

// do runs fn until it succeeds, fails permanently or attempts run out.
func (p RetryPolicy) do(ctx context.Context, op string, m *metrics.Metrics, log *slog.Logger, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 && m != nil {
			m.PlatformRetriesTotal.WithLabelValues(op).Inc()
		}
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !telephony.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Warn("platform call failed, will retry", "op", op, "attempt", attempt, "err", err)
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}
