// Package calls tracks the lifecycle of platform calls and drives the
// recording orchestrator from it.
package calls

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/metrics"
	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/telephony"
)

// Recorder is the part of recording.Orchestrator the machine drives.
type Recorder interface {
	StartRecording(ctx context.Context, mt recording.Meeting) recording.Result
	StopRecording(ctx context.Context, callID string) recording.Result
	HasActiveRecording(ctx context.Context, callID string) bool
}

// Answerer joins an incoming call.
type Answerer interface {
	AnswerCall(ctx context.Context, req telephony.AnswerRequest) error
}

type Config struct {
	// MaxWithoutRecording is how long a call may stay Established without an
	// active recording before it is flagged.
	MaxWithoutRecording time.Duration
	// EvictionGrace is how long a Terminated call is kept in memory.
	EvictionGrace time.Duration
	// CallbackURL is handed to the platform when answering.
	CallbackURL string
}

// Machine applies call events under a per-call lock; the action of a
// transition runs before the next event of the same call is looked at.
type Machine struct {
	recorder Recorder
	answerer Answerer
	cfg      Config

	locks *recording.KeyedMutex

	mu    sync.Mutex
	calls map[string]Call

	audit   *audit.Service
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewMachine(r Recorder, a Answerer, cfg Config, auditSvc *audit.Service, m *metrics.Metrics, log *slog.Logger) *Machine {
	if cfg.MaxWithoutRecording <= 0 {
		cfg.MaxWithoutRecording = 2 * time.Minute
	}
	if cfg.EvictionGrace <= 0 {
		cfg.EvictionGrace = 10 * time.Minute
	}
	if m == nil {
		m = metrics.Discard()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		recorder: r,
		answerer: a,
		cfg:      cfg,
		locks:    recording.NewKeyedMutex(),
		calls:    map[string]Call{},
		audit:    auditSvc,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

var ErrInvalidEvent = errors.New("calls: event without call id")

// Handle applies ev. Events that would move a call backwards, or repeat its
// current state, are acknowledged without effect.
func (m *Machine) Handle(ctx context.Context, ev Event) (Transition, error) {
	if ev.CallID == "" {
		return Transition{}, ErrInvalidEvent
	}
	unlock, err := m.locks.Lock(ctx, ev.CallID)
	if err != nil {
		return Transition{}, err
	}
	defer unlock()

	now := m.now().UTC()
	c, known := m.get(ev.CallID)
	if !known {
		c = Call{ID: ev.CallID, CreatedAt: now}
	}
	merge(&c, ev)
	c.UpdatedAt = now

	tr := Transition{CallID: ev.CallID, From: c.State, To: c.State, Action: ActionNone}
	log := m.log.With("call_id", ev.CallID)

	target, lifecycle := ev.target()
	if !lifecycle || target.rank() <= c.State.rank() {
		if known {
			m.put(c)
		}
		if lifecycle {
			log.Debug("call event ignored", "state", c.State, "event_state", target)
		} else {
			log.Debug("call update without lifecycle change", "state", c.State, "platform_state", ev.PlatformState)
		}
		return tr, nil
	}

	c.State = target
	tr.To = target
	tr.Applied = true
	switch target {
	case StateCreated:
		tr.Action = ActionAnswer
	case StateEstablished:
		c.EstablishedAt = &now
		tr.Action = ActionStartRecording
	case StateTerminated:
		c.TerminatedAt = &now
		tr.Action = ActionStopRecording
	}
	m.put(c)
	log.Info("call transition", "from", tr.From, "to", tr.To, "action", tr.Action)

	tr.Err = m.act(ctx, &c, tr.Action)
	if tr.Err != nil {
		log.Warn("call action failed", "action", tr.Action, "err", tr.Err)
	}
	m.put(c)
	return tr, nil
}

func (m *Machine) act(ctx context.Context, c *Call, a Action) error {
	switch a {
	case ActionAnswer:
		if m.answerer == nil {
			return nil
		}
		return m.answerer.AnswerCall(ctx, telephony.AnswerRequest{
			CallID:      c.ID,
			TenantID:    c.TenantID,
			CallbackURL: m.cfg.CallbackURL,
		})
	case ActionStartRecording:
		res := m.recorder.StartRecording(ctx, recording.Meeting{
			CallID:       c.ID,
			TenantID:     c.TenantID,
			MeetingID:    c.MeetingID,
			Subject:      c.Subject,
			Participants: c.Participants,
		})
		if res.RecordingID != "" && (res.Success || res.Code == recording.CodeRecordingInProgress) {
			c.RecordingID = res.RecordingID
		}
		if !res.Success && res.Code != recording.CodeRecordingInProgress {
			return resultErr(res)
		}
	case ActionStopRecording:
		res := m.recorder.StopRecording(ctx, c.ID)
		if !res.Success {
			return resultErr(res)
		}
	}
	return nil
}

func resultErr(res recording.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return errors.New(string(res.Code) + ": " + res.Message)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Evicted int
	Flagged int
}

// Sweep evicts Terminated calls past the grace period and flags, once,
// Established calls that have gone longer than MaxWithoutRecording without
// an active recording.
func (m *Machine) Sweep(ctx context.Context, now time.Time) SweepReport {
	var rep SweepReport
	var candidates []Call

	m.mu.Lock()
	for id, c := range m.calls {
		switch {
		case c.State == StateTerminated && c.TerminatedAt != nil && now.Sub(*c.TerminatedAt) > m.cfg.EvictionGrace:
			delete(m.calls, id)
			rep.Evicted++
		case c.State == StateEstablished && !c.Flagged && c.EstablishedAt != nil && now.Sub(*c.EstablishedAt) > m.cfg.MaxWithoutRecording:
			candidates = append(candidates, c)
		}
	}
	m.metrics.CallsTracked.Set(float64(len(m.calls)))
	m.mu.Unlock()

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if m.recorder.HasActiveRecording(ctx, c.ID) {
			continue
		}
		if !m.markFlagged(c.ID) {
			continue
		}
		rep.Flagged++
		window := now.Sub(*c.EstablishedAt).Round(time.Second)
		m.log.Warn("call established without recording", "call_id", c.ID, "tenant_id", c.TenantID, "window", window)
		m.audit.LogEvent(ctx, audit.EventCallUnrecordedWindowExceeded, audit.EventContext{
			TenantID: c.TenantID,
			CallID:   c.ID,
			Message:  "call established without an active recording",
			Details: map[string]string{
				"established_at":        c.EstablishedAt.Format(time.RFC3339),
				"max_without_recording": m.cfg.MaxWithoutRecording.String(),
			},
		})
	}
	return rep
}

// RunSweep is the periodic form of Sweep.
func (m *Machine) RunSweep(ctx context.Context) {
	rep := m.Sweep(ctx, m.now().UTC())
	if rep.Evicted > 0 || rep.Flagged > 0 {
		m.log.Info("call sweep", "evicted", rep.Evicted, "flagged", rep.Flagged)
	}
}

func (m *Machine) markFlagged(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || c.Flagged || c.State != StateEstablished {
		return false
	}
	c.Flagged = true
	m.calls[id] = c
	return true
}

func (m *Machine) Get(id string) (Call, bool) {
	return m.get(id)
}

// Calls returns a snapshot of tracked calls ordered by id.
func (m *Machine) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, cloneCall(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Machine) get(id string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	return cloneCall(c), ok
}

func (m *Machine) put(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.calls[c.ID]; ok && prev.Flagged {
		c.Flagged = true
	}
	m.calls[c.ID] = cloneCall(c)
	m.metrics.CallsTracked.Set(float64(len(m.calls)))
}

// merge copies descriptive fields the event carries onto c.
func merge(c *Call, ev Event) {
	if ev.TenantID != "" {
		c.TenantID = ev.TenantID
	}
	if ev.Direction != "" {
		c.Direction = ev.Direction
	}
	if ev.Subject != "" {
		c.Subject = ev.Subject
	}
	if ev.CorrelationID != "" {
		c.CorrelationID = ev.CorrelationID
	}
	if ev.MeetingID != "" {
		c.MeetingID = ev.MeetingID
	}
	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		seen[p.ID] = true
	}
	for _, p := range ev.Participants {
		if p.ID == "" || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		c.Participants = append(c.Participants, p)
	}
}

func cloneCall(c Call) Call {
	c.Participants = append([]recording.Participant(nil), c.Participants...)
	return c
}
