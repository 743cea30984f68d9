package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/blobstore"
	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/telephony"
)

type stubRecorder struct {
	mu       sync.Mutex
	starts   []recording.Meeting
	stops    []string
	active   bool
	startRes recording.Result
}

func (s *stubRecorder) StartRecording(ctx context.Context, mt recording.Meeting) recording.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, mt)
	if s.startRes.Code != "" {
		return s.startRes
	}
	return recording.Result{Success: true, Code: recording.CodeSuccess, RecordingID: "rec-1"}
}

func (s *stubRecorder) StopRecording(ctx context.Context, callID string) recording.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, callID)
	return recording.Result{Success: true, Code: recording.CodeNoActiveRecording}
}

func (s *stubRecorder) HasActiveRecording(ctx context.Context, callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func participants() []recording.Participant {
	return []recording.Participant{{ID: "u1", DisplayName: "Ana"}}
}

func updated(callID, state string) Event {
	return Event{CallID: callID, TenantID: "tenant-1", ChangeType: ChangeUpdated, PlatformState: state, Participants: participants()}
}

func mustHandle(t *testing.T, m *Machine, ev Event) Transition {
	t.Helper()
	tr, err := m.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("handle %+v: %v", ev, err)
	}
	return tr
}

// One call, notified created, establishing, established and terminated:
// exactly one start, one stop, and a Completed recording.
func TestMachine_FullLifecycleRecordsOnce(t *testing.T) {
	fake := telephony.NewFakeProvider()
	store := recording.NewMemoryStore()
	orch := recording.NewOrchestrator(fake, store, blobstore.NewMemoryStore(),
		recording.Options{Retry: recording.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond}}, nil)
	m := NewMachine(orch, fake, Config{CallbackURL: "https://recorder.example/callbacks"}, nil, nil, nil)

	tr := mustHandle(t, m, Event{CallID: "c-1", TenantID: "tenant-1", ChangeType: ChangeCreated, Direction: DirectionIncoming})
	if tr.To != StateCreated || tr.Action != ActionAnswer || tr.Err != nil {
		t.Fatalf("created: %+v", tr)
	}
	if a := fake.Answered(); len(a) != 1 || a[0].CallbackURL != "https://recorder.example/callbacks" {
		t.Fatalf("expected one answer, got %+v", a)
	}

	mustHandle(t, m, updated("c-1", "establishing"))
	tr = mustHandle(t, m, updated("c-1", "established"))
	if tr.From != StateEstablishing || tr.To != StateEstablished || tr.Action != ActionStartRecording || tr.Err != nil {
		t.Fatalf("established: %+v", tr)
	}
	tr = mustHandle(t, m, Event{CallID: "c-1", ChangeType: ChangeDeleted})
	if tr.To != StateTerminated || tr.Action != ActionStopRecording || tr.Err != nil {
		t.Fatalf("deleted: %+v", tr)
	}

	updates := fake.StatusUpdates()
	if len(updates) != 2 || updates[0].Status != telephony.StatusRecording || updates[1].Status != telephony.StatusNotRecording {
		t.Fatalf("expected one start and one stop, got %+v", updates)
	}
	recs, _ := store.ListByCall(context.Background(), "c-1")
	if len(recs) != 1 || recs[0].Status != recording.StatusCompleted {
		t.Fatalf("expected one Completed recording, got %+v", recs)
	}
	c, _ := m.Get("c-1")
	if c.RecordingID != recs[0].ID || c.Direction != DirectionIncoming {
		t.Fatalf("unexpected call record: %+v", c)
	}
}

func TestMachine_DuplicateEstablishedStartsOnce(t *testing.T) {
	rec := &stubRecorder{}
	m := NewMachine(rec, nil, Config{}, nil, nil, nil)

	mustHandle(t, m, Event{CallID: "c", ChangeType: ChangeCreated})
	mustHandle(t, m, updated("c", "established"))
	tr := mustHandle(t, m, updated("c", "established"))
	if tr.Applied || tr.Action != ActionNone {
		t.Fatalf("expected duplicate to be ignored, got %+v", tr)
	}
	if len(rec.starts) != 1 {
		t.Fatalf("expected one start, got %d", len(rec.starts))
	}
}

func TestMachine_TerminatedBeforeEstablished(t *testing.T) {
	rec := &stubRecorder{}
	m := NewMachine(rec, nil, Config{}, nil, nil, nil)

	tr := mustHandle(t, m, updated("c", "terminated"))
	if tr.From != "" || tr.To != StateTerminated || tr.Action != ActionStopRecording || tr.Err != nil {
		t.Fatalf("unknown call terminated: %+v", tr)
	}
	if len(rec.stops) != 1 {
		t.Fatalf("expected a best-effort stop, got %d", len(rec.stops))
	}

	tr = mustHandle(t, m, updated("c", "established"))
	if tr.Applied || tr.To != StateTerminated {
		t.Fatalf("expected late established to be ignored, got %+v", tr)
	}
	if len(rec.starts) != 0 {
		t.Fatalf("terminated call must not start recording")
	}
}

func TestMachine_EstablishedForUnknownCallStartsRecording(t *testing.T) {
	rec := &stubRecorder{}
	m := NewMachine(rec, nil, Config{}, nil, nil, nil)

	tr := mustHandle(t, m, updated("c", "established"))
	if tr.To != StateEstablished || tr.Action != ActionStartRecording {
		t.Fatalf("unexpected transition: %+v", tr)
	}
	if len(rec.starts) != 1 || rec.starts[0].TenantID != "tenant-1" || len(rec.starts[0].Participants) != 1 {
		t.Fatalf("unexpected start: %+v", rec.starts)
	}

	tr = mustHandle(t, m, Event{CallID: "c", ChangeType: ChangeCreated})
	if tr.Applied {
		t.Fatalf("late created must not move the call back: %+v", tr)
	}
	tr = mustHandle(t, m, updated("c", "establishing"))
	if tr.Applied {
		t.Fatalf("late establishing must not move the call back: %+v", tr)
	}
}

func TestMachine_UpdateWithoutLifecycleChange(t *testing.T) {
	rec := &stubRecorder{}
	m := NewMachine(rec, nil, Config{}, nil, nil, nil)
	mustHandle(t, m, updated("c", "established"))

	ev := updated("c", "")
	ev.Participants = []recording.Participant{{ID: "u2"}}
	tr := mustHandle(t, m, ev)
	if tr.Applied || tr.To != StateEstablished {
		t.Fatalf("unexpected transition: %+v", tr)
	}
	c, _ := m.Get("c")
	if len(c.Participants) != 2 {
		t.Fatalf("expected participants merged, got %+v", c.Participants)
	}
}

func TestMachine_ActionFailureKeepsTransition(t *testing.T) {
	rec := &stubRecorder{startRes: recording.Result{Code: recording.CodeComplianceAckFailed, Err: errors.New("ack failed")}}
	m := NewMachine(rec, nil, Config{}, nil, nil, nil)

	tr := mustHandle(t, m, updated("c", "established"))
	if tr.Err == nil || tr.To != StateEstablished {
		t.Fatalf("expected failed action with transition kept, got %+v", tr)
	}
	c, _ := m.Get("c")
	if c.State != StateEstablished || c.RecordingID != "" {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestMachine_InvalidEvent(t *testing.T) {
	m := NewMachine(&stubRecorder{}, nil, Config{}, nil, nil, nil)
	if _, err := m.Handle(context.Background(), Event{ChangeType: ChangeCreated}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestMachine_SweepFlagsOnceAndEvicts(t *testing.T) {
	rec := &stubRecorder{startRes: recording.Result{Code: recording.CodeComplianceAckFailed}}
	repo := audit.NewMemoryRepo()
	m := NewMachine(rec, nil, Config{MaxWithoutRecording: 2 * time.Minute, EvictionGrace: 10 * time.Minute},
		audit.NewService(repo, nil), nil, nil)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	mustHandle(t, m, updated("unrecorded", "established"))
	mustHandle(t, m, updated("ended", "terminated"))

	if rep := m.Sweep(context.Background(), base.Add(time.Minute)); rep.Flagged != 0 || rep.Evicted != 0 {
		t.Fatalf("nothing is due yet: %+v", rep)
	}

	rep := m.Sweep(context.Background(), base.Add(3*time.Minute))
	if rep.Flagged != 1 {
		t.Fatalf("expected one flagged call, got %+v", rep)
	}
	events := repo.OfType(audit.EventCallUnrecordedWindowExceeded)
	if len(events) != 1 || events[0].CallID != "unrecorded" {
		t.Fatalf("expected CallUnrecordedWindowExceeded for the call, got %+v", events)
	}

	rep = m.Sweep(context.Background(), base.Add(11*time.Minute))
	if rep.Flagged != 0 || rep.Evicted != 1 {
		t.Fatalf("expected no re-flag and one eviction, got %+v", rep)
	}
	if _, ok := m.Get("ended"); ok {
		t.Fatalf("expected terminated call evicted")
	}
	if len(m.Calls()) != 1 {
		t.Fatalf("expected the established call to remain tracked")
	}
}

func TestMachine_SweepSkipsRecordedCalls(t *testing.T) {
	rec := &stubRecorder{active: true}
	m := NewMachine(rec, nil, Config{MaxWithoutRecording: time.Minute}, nil, nil, nil)
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	mustHandle(t, m, updated("c", "established"))
	if rep := m.Sweep(context.Background(), base.Add(time.Hour)); rep.Flagged != 0 {
		t.Fatalf("recorded call must not be flagged: %+v", rep)
	}
}

func TestMachine_ConcurrentEventsForOneCall(t *testing.T) {
	rec := &stubRecorder{}
	m := NewMachine(rec, nil, Config{}, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Handle(context.Background(), updated("c", "established"))
		}()
	}
	wg.Wait()
	if len(rec.starts) != 1 {
		t.Fatalf("expected one start under concurrent delivery, got %d", len(rec.starts))
	}
}
