package calls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/telephony"
)

// CallLister lists the calls the platform currently considers active.
type CallLister interface {
	ListActiveCalls(ctx context.Context) ([]telephony.ActiveCall, error)
}

// EventHandler consumes synthesized call events. *Machine implements it.
type EventHandler interface {
	Handle(ctx context.Context, ev Event) (Transition, error)
}

type seenCall struct {
	lastSeen time.Time
	gone     bool
}

// Poller is the fallback when call notifications are not arriving. Each
// Poll lists active calls and turns differences from the previous poll into
// events. Calls that disappear become deleted events; their ids are kept for
// Window so a lagging listing cannot resurrect them.
type Poller struct {
	lister  CallLister
	handler EventHandler
	window  time.Duration
	log     *slog.Logger
	now     func() time.Time

	// ShouldPoll, when set, is consulted before every poll. Polling is skipped
	// while it returns false.
	ShouldPoll func(ctx context.Context) bool

	mu   sync.Mutex
	seen map[string]seenCall
}

func NewPoller(lister CallLister, handler EventHandler, window time.Duration, log *slog.Logger) *Poller {
	if window <= 0 {
		window = 6 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		lister:  lister,
		handler: handler,
		window:  window,
		log:     log,
		now:     time.Now,
		seen:    map[string]seenCall{},
	}
}

// Run is the periodic form of Poll.
func (p *Poller) Run(ctx context.Context) {
	if p.ShouldPoll != nil && !p.ShouldPoll(ctx) {
		return
	}
	if err := p.Poll(ctx); err != nil {
		p.log.Warn("call poll failed", "err", err)
	}
}

// Poll runs one listing. Only one Poll runs at a time.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	active, err := p.lister.ListActiveCalls(ctx)
	if err != nil {
		return err
	}
	now := p.now()

	listed := make(map[string]bool, len(active))
	for _, ac := range active {
		if ac.ID == "" {
			continue
		}
		listed[ac.ID] = true
		prev, known := p.seen[ac.ID]
		if known && prev.gone {
			continue
		}
		p.seen[ac.ID] = seenCall{lastSeen: now}

		ev := fromActiveCall(ac)
		if !known {
			created := ev
			created.ChangeType = ChangeCreated
			p.dispatch(ctx, created)
		}
		ev.ChangeType = ChangeUpdated
		p.dispatch(ctx, ev)
	}

	for id, s := range p.seen {
		switch {
		case s.gone:
			if now.Sub(s.lastSeen) > p.window {
				delete(p.seen, id)
			}
		case !listed[id]:
			p.seen[id] = seenCall{lastSeen: now, gone: true}
			p.dispatch(ctx, Event{CallID: id, ChangeType: ChangeDeleted})
		}
	}
	return nil
}

// Tracked reports how many call ids the poller remembers.
func (p *Poller) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func (p *Poller) dispatch(ctx context.Context, ev Event) {
	if _, err := p.handler.Handle(ctx, ev); err != nil {
		p.log.Warn("polled call event failed", "call_id", ev.CallID, "change_type", ev.ChangeType, "err", err)
	}
}

func fromActiveCall(ac telephony.ActiveCall) Event {
	ev := Event{
		CallID:        ac.ID,
		TenantID:      ac.TenantID,
		PlatformState: ac.State,
		Direction:     Direction(ac.Direction),
		Subject:       ac.Subject,
		CorrelationID: ac.CorrelationID,
	}
	for _, p := range ac.Participants {
		ev.Participants = append(ev.Participants, recording.Participant{ID: p.ID, DisplayName: p.DisplayName})
	}
	return ev
}
