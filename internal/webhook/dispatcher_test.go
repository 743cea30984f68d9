package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"compliance-recorder/internal/calls"
	"compliance-recorder/internal/metrics"
	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/telephony"
)

type fakeRecordings struct {
	mu       sync.Mutex
	enriched map[string][]recording.Participant
	meetings []string
	err      error
}

func (f *fakeRecordings) EnrichParticipants(ctx context.Context, callID string, ps []recording.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enriched == nil {
		f.enriched = map[string][]recording.Participant{}
	}
	f.enriched[callID] = ps
	return f.err
}

func (f *fakeRecordings) FinalizeMeeting(ctx context.Context, meetingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings = append(f.meetings, meetingID)
	return f.err
}

type fakeRenewer struct {
	alive   bool
	err     error
	renewed []string
}

func (f *fakeRenewer) RenewSubscription(ctx context.Context, id string) (bool, error) {
	f.renewed = append(f.renewed, id)
	return f.alive, f.err
}

func TestDispatch_LifecycleRenews(t *testing.T) {
	renewer := &fakeRenewer{alive: true}
	d := NewDispatcher(&stubMachine{}, nil, nil, renewer, nil, nil)
	reconciled := 0
	d.Reconcile = func(ctx context.Context) error { reconciled++; return nil }

	n := LifecycleNotification{Envelope: Envelope{SubscriptionID: "sub-1"}, Event: "reauthorizationRequired"}
	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(renewer.renewed) != 1 || renewer.renewed[0] != "sub-1" {
		t.Fatalf("expected renewal of sub-1, got %v", renewer.renewed)
	}
	if reconciled != 0 {
		t.Fatalf("live subscription must not reconcile")
	}
}

func TestDispatch_LifecycleReconcilesWhenGone(t *testing.T) {
	renewer := &fakeRenewer{alive: false}
	d := NewDispatcher(&stubMachine{}, nil, nil, renewer, nil, nil)
	reconciled := 0
	d.Reconcile = func(ctx context.Context) error { reconciled++; return nil }

	n := LifecycleNotification{Envelope: Envelope{SubscriptionID: "sub-1"}, Event: "subscriptionRemoved"}
	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reconciled != 1 {
		t.Fatalf("expected one reconcile, got %d", reconciled)
	}
}

func TestDispatch_MissedResyncs(t *testing.T) {
	d := NewDispatcher(&stubMachine{}, nil, nil, &fakeRenewer{alive: true}, nil, nil)
	resynced := 0
	d.Resync = func(ctx context.Context) error { resynced++; return nil }

	n := LifecycleNotification{Envelope: Envelope{SubscriptionID: "sub-1"}, Event: "missed"}
	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resynced != 1 {
		t.Fatalf("expected resync, got %d", resynced)
	}
}

func TestDispatch_RenewErrorSurfaces(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(&stubMachine{}, nil, nil, &fakeRenewer{err: boom}, nil, nil)
	n := LifecycleNotification{Envelope: Envelope{SubscriptionID: "sub-1"}, Event: "reauthorizationRequired"}
	if err := d.Dispatch(context.Background(), n); !errors.Is(err, boom) {
		t.Fatalf("expected renew error, got %v", err)
	}
}

func TestDispatch_CallRecordEnrichesCorrelatedCall(t *testing.T) {
	fake := telephony.NewFakeProvider()
	fake.PutCallRecord(telephony.CallRecord{
		ID: "chain-1",
		Participants: []telephony.Participant{
			{ID: "u1", DisplayName: "Ana"},
			{ID: "u2", DisplayName: "Ben"},
		},
	})
	machine := &stubMachine{calls: []calls.Call{
		{ID: "call-1", CorrelationID: "chain-1"},
		{ID: "call-2", CorrelationID: "chain-2"},
	}}
	recs := &fakeRecordings{}
	d := NewDispatcher(machine, recs, fake, nil, nil, nil)

	n := CallRecordNotification{Envelope: Envelope{Resource: "communications/callRecords/chain-1"}, CallRecordID: "chain-1"}
	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ps, ok := recs.enriched["call-1"]
	if !ok || len(ps) != 2 || ps[1].DisplayName != "Ben" {
		t.Fatalf("expected call-1 enriched, got %+v", recs.enriched)
	}
	if _, ok := recs.enriched["call-2"]; ok {
		t.Fatalf("uncorrelated call must not be enriched")
	}
}

func TestDispatch_CallRecordFallsBackToRecordID(t *testing.T) {
	fake := telephony.NewFakeProvider()
	fake.PutCallRecord(telephony.CallRecord{ID: "call-9", Participants: []telephony.Participant{{ID: "u1"}}})
	recs := &fakeRecordings{}
	d := NewDispatcher(&stubMachine{}, recs, fake, nil, nil, nil)

	if err := d.Dispatch(context.Background(), CallRecordNotification{CallRecordID: "call-9"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := recs.enriched["call-9"]; !ok {
		t.Fatalf("expected enrichment keyed by record id, got %+v", recs.enriched)
	}
}

func TestDispatch_AvailabilityFinalizesMeeting(t *testing.T) {
	recs := &fakeRecordings{}
	d := NewDispatcher(&stubMachine{}, recs, nil, nil, nil, nil)

	ctx := context.Background()
	if err := d.Dispatch(ctx, RecordingNotification{MeetingID: "m1", RecordingID: "r1"}); err != nil {
		t.Fatalf("recording: %v", err)
	}
	if err := d.Dispatch(ctx, TranscriptNotification{MeetingID: "m2"}); err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if err := d.Dispatch(ctx, RecordingNotification{}); err != nil {
		t.Fatalf("recording without meeting: %v", err)
	}
	if len(recs.meetings) != 2 || recs.meetings[0] != "m1" || recs.meetings[1] != "m2" {
		t.Fatalf("unexpected finalized meetings: %v", recs.meetings)
	}
}

func TestDispatch_CallWithoutIDFails(t *testing.T) {
	d := NewDispatcher(&stubMachine{}, nil, nil, nil, nil, nil)
	if err := d.Dispatch(context.Background(), CallNotification{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDispatch_UnknownIsAcknowledged(t *testing.T) {
	d := NewDispatcher(&stubMachine{}, nil, nil, nil, nil, nil)
	if err := d.Dispatch(context.Background(), UnknownNotification{Envelope: Envelope{Resource: "chats/c1"}}); err != nil {
		t.Fatalf("unknown notification should be acknowledged, got %v", err)
	}
}

type panickingMachine struct{}

func (panickingMachine) Handle(ctx context.Context, ev calls.Event) (calls.Transition, error) {
	panic("state table corrupted")
}

func (panickingMachine) Calls() []calls.Call { return nil }

func TestDispatch_RecoversHandlerPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := NewDispatcher(panickingMachine{}, nil, nil, &fakeRenewer{alive: true}, m, nil)

	n := CallNotification{Envelope: Envelope{Resource: "communications/calls/call-1"}, CallID: "call-1", State: "established"}
	n.ChangeType = "updated"
	err := d.Dispatch(context.Background(), n)
	if !errors.Is(err, ErrHandlerPanic) {
		t.Fatalf("expected ErrHandlerPanic, got %v", err)
	}
	if got := failedNotifications(t, reg, "call"); got != 1 {
		t.Fatalf("expected one failed notification counted, got %v", got)
	}

	// Later notifications are still handled.
	lc := LifecycleNotification{Envelope: Envelope{SubscriptionID: "sub-1"}, Event: "reauthorizationRequired"}
	if err := d.Dispatch(context.Background(), lc); err != nil {
		t.Fatalf("dispatch after panic: %v", err)
	}
}

func failedNotifications(t *testing.T, reg *prometheus.Registry, kind string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "recorder_notifications_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["kind"] == kind && labels["outcome"] == "failed" {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
