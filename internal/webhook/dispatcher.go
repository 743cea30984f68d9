package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"compliance-recorder/internal/calls"
	"compliance-recorder/internal/metrics"
	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/telephony"
)

// CallMachine is the part of calls.Machine the dispatcher drives.
type CallMachine interface {
	Handle(ctx context.Context, ev calls.Event) (calls.Transition, error)
	Calls() []calls.Call
}

// Recordings is the part of recording.Orchestrator reachable from notifications.
type Recordings interface {
	EnrichParticipants(ctx context.Context, callID string, ps []recording.Participant) error
	FinalizeMeeting(ctx context.Context, meetingID string) error
}

type CallRecordFetcher interface {
	GetCallRecord(ctx context.Context, id string) (telephony.CallRecord, error)
}

// SubscriptionRenewer handles lifecycle notifications. RenewSubscription
// returns false when the subscription no longer exists.
type SubscriptionRenewer interface {
	RenewSubscription(ctx context.Context, id string) (bool, error)
}

// Dispatcher routes decoded notifications to the component that owns them.
type Dispatcher struct {
	machine    CallMachine
	recordings Recordings
	records    CallRecordFetcher
	renewer    SubscriptionRenewer

	// Reconcile, when set, runs after a lifecycle notification finds its
	// subscription gone.
	Reconcile func(ctx context.Context) error
	// Resync, when set, runs on a "missed" lifecycle notification.
	Resync func(ctx context.Context) error

	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewDispatcher(machine CallMachine, recs Recordings, records CallRecordFetcher, renewer SubscriptionRenewer, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	if m == nil {
		m = metrics.Discard()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		machine:    machine,
		recordings: recs,
		records:    records,
		renewer:    renewer,
		metrics:    m,
		log:        log,
	}
}

// Dispatch handles one notification. The error is informational: the
// platform has already been acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			d.log.Error("notification handler panicked",
				"kind", n.Kind(),
				"resource", n.Meta().Resource,
				"err", err,
				"stack", string(debug.Stack()))
			d.metrics.NotificationsTotal.WithLabelValues(n.Kind(), "failed").Inc()
		}
	}()

	err = d.dispatch(ctx, n)
	outcome := "handled"
	if err != nil {
		outcome = "failed"
		d.log.Warn("notification handling failed",
			"kind", n.Kind(),
			"resource", n.Meta().Resource,
			"subscription_id", n.Meta().SubscriptionID,
			"err", err)
	}
	d.metrics.NotificationsTotal.WithLabelValues(n.Kind(), outcome).Inc()
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, n Notification) error {
	switch v := n.(type) {
	case CallNotification:
		return d.onCall(ctx, v)
	case CallRecordNotification:
		return d.onCallRecord(ctx, v)
	case RecordingNotification:
		return d.onAvailability(ctx, v.MeetingID)
	case TranscriptNotification:
		return d.onAvailability(ctx, v.MeetingID)
	case LifecycleNotification:
		return d.onLifecycle(ctx, v)
	default:
		d.log.Info("unknown notification acknowledged", "resource", n.Meta().Resource, "change_type", n.Meta().ChangeType)
		return nil
	}
}

func (d *Dispatcher) onCall(ctx context.Context, n CallNotification) error {
	if n.CallID == "" {
		return fmt.Errorf("%w: call notification without call id", ErrMalformed)
	}
	tr, err := d.machine.Handle(ctx, calls.Event{
		CallID:        n.CallID,
		TenantID:      n.TenantID,
		ChangeType:    calls.ChangeType(n.ChangeType),
		PlatformState: n.State,
		Direction:     calls.Direction(n.Direction),
		Subject:       n.Subject,
		CorrelationID: n.CorrelationID,
		MeetingID:     n.MeetingID,
		Participants:  n.Participants,
	})
	if err != nil {
		return err
	}
	return tr.Err
}

// onCallRecord enriches the participants of the matching call's recordings.
// Call records are keyed by the call chain id, which the machine keeps as the
// call's correlation id.
func (d *Dispatcher) onCallRecord(ctx context.Context, n CallRecordNotification) error {
	if n.CallRecordID == "" || d.records == nil || d.recordings == nil {
		return nil
	}
	rec, err := d.records.GetCallRecord(ctx, n.CallRecordID)
	if err != nil {
		return err
	}
	ps := make([]recording.Participant, 0, len(rec.Participants))
	for _, p := range rec.Participants {
		ps = append(ps, recording.Participant{ID: p.ID, DisplayName: p.DisplayName})
	}

	callIDs := d.callsFor(n.CallRecordID)
	if len(callIDs) == 0 {
		callIDs = []string{n.CallRecordID}
	}
	for _, id := range callIDs {
		if err := d.recordings.EnrichParticipants(ctx, id, ps); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) callsFor(correlationID string) []string {
	var ids []string
	for _, c := range d.machine.Calls() {
		if c.CorrelationID == correlationID || c.ID == correlationID {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func (d *Dispatcher) onAvailability(ctx context.Context, meetingID string) error {
	if meetingID == "" || d.recordings == nil {
		return nil
	}
	return d.recordings.FinalizeMeeting(ctx, meetingID)
}

func (d *Dispatcher) onLifecycle(ctx context.Context, n LifecycleNotification) error {
	if d.renewer == nil || n.SubscriptionID == "" {
		return nil
	}
	event := strings.ToLower(n.Event)
	log := d.log.With("subscription_id", n.SubscriptionID, "lifecycle_event", n.Event)

	alive, err := d.renewer.RenewSubscription(ctx, n.SubscriptionID)
	if err != nil {
		return err
	}
	if !alive {
		log.Warn("subscription gone after lifecycle notification")
		if d.Reconcile != nil {
			if err := d.Reconcile(ctx); err != nil {
				return err
			}
		}
	}
	if event == "missed" && d.Resync != nil {
		log.Info("notifications missed, resyncing calls")
		return d.Resync(ctx)
	}
	return nil
}
