package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for compliance events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Reader is implemented by repositories that can list a day's events.
type Reader interface {
	ListDay(ctx context.Context, day time.Time) ([]Event, error)
}

// Counter is satisfied by prometheus.Counter.
type Counter interface {
	Inc()
}

// Service writes the compliance event log.
//
// IMPORTANT:
// - LogEvent never returns an error and never blocks longer than writeTimeout.
// - Events are internal; the admin API exposes them to compliance roles only.
type Service struct {
	repo     Repository
	log      *slog.Logger
	failures Counter
	clock    func() time.Time
}

const writeTimeout = 5 * time.Second

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

// WithFailureCounter counts failed writes (audit_write_failures_total).
func (s *Service) WithFailureCounter(c Counter) *Service {
	s.failures = c
	return s
}

var (
	ErrInvalidEvent   = errors.New("audit: invalid event")
	ErrNotConfigured  = errors.New("audit: repository not configured")
	ErrListingUnavail = errors.New("audit: repository cannot list events")
)

// Append validates and stores e, returning any failure.
func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return ErrNotConfigured
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogEvent records a compliance event. Failures are logged and counted, never returned.
// The write survives cancellation of ctx.
func (s *Service) LogEvent(ctx context.Context, t EventType, ec EventContext) {
	if s == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if a, ok := ActorFrom(ctx); ok && ec.ActorUserID == "" {
		ec.ActorUserID, ec.ActorRole = a.UserID, a.Role
		if ec.IPAddress == "" {
			ec.IPAddress = a.IP
		}
	}

	err := s.Append(wctx, Event{
		Type:        t,
		TenantID:    ec.TenantID,
		CallID:      ec.CallID,
		RecordingID: ec.RecordingID,
		ActorUserID: ec.ActorUserID,
		ActorRole:   ec.ActorRole,
		IPAddress:   ec.IPAddress,
		Message:     ec.Message,
		Details:     copyDetails(ec.Details),
	})
	if err != nil {
		s.log.Error("compliance event write failed",
			"event_type", string(t),
			"call_id", ec.CallID,
			"recording_id", ec.RecordingID,
			"err", err,
		)
		if s.failures != nil {
			s.failures.Inc()
		}
	}
}

// ListDay returns the events recorded on the UTC day containing day.
func (s *Service) ListDay(ctx context.Context, day time.Time) ([]Event, error) {
	r, ok := s.repo.(Reader)
	if !ok {
		return nil, ErrListingUnavail
	}
	return r.ListDay(ctx, day)
}

func copyDetails(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
