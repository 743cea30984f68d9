package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"compliance-recorder/internal/blobstore"
)

type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }

func TestService_AppendRequiresType(t *testing.T) {
	svc := NewService(NewMemoryRepo(), nil)
	if err := svc.Append(context.Background(), Event{CallID: "c-1"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}

func TestService_LogEventFillsIdentity(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	details := map[string]string{"reason": "ack"}
	svc.LogEvent(context.Background(), EventRecordingStarted, EventContext{CallID: "c-1", TenantID: "t-1", Details: details})
	details["reason"] = "mutated"

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", evs[0])
	}
	if evs[0].Details["reason"] != "ack" {
		t.Fatalf("expected details copied at write time")
	}
}

func TestService_LogEventSwallowsFailures(t *testing.T) {
	repo := NewMemoryRepo()
	repo.FailWith(errors.New("disk full"))
	counter := &countingCounter{}
	svc := NewService(repo, nil).WithFailureCounter(counter)

	svc.LogEvent(context.Background(), EventRecordingFailed, EventContext{CallID: "c-1"})

	if counter.n != 1 {
		t.Fatalf("expected failure counted once, got %d", counter.n)
	}
}

func TestService_LogEventSurvivesCanceledContext(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc.LogEvent(ctx, EventRecordingStopped, EventContext{CallID: "c-1"})
	if len(repo.Events()) != 1 {
		t.Fatalf("expected event written despite canceled ctx")
	}
}

func TestBlobRepo_DatePartitionedAndImmutable(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	repo := NewBlobRepo(store)
	svc := NewService(repo, nil)
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return at }

	e := Event{ID: "e-1", Type: EventRecordingStarted, CallID: "c-1"}
	if err := svc.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Stat(ctx, blobstore.ContainerComplianceEvents, "2026/03/04/e-1.json"); err != nil {
		t.Fatalf("expected date partitioned key: %v", err)
	}
	if err := svc.Append(ctx, e); err == nil {
		t.Fatalf("expected duplicate event id to be rejected")
	}

	evs, err := svc.ListDay(ctx, at)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evs) != 1 || evs[0].CallID != "c-1" {
		t.Fatalf("unexpected events: %+v", evs)
	}
	other, _ := svc.ListDay(ctx, at.AddDate(0, 0, 1))
	if len(other) != 0 {
		t.Fatalf("expected no events next day")
	}
}

func TestMemoryRepo_ListDayBounds(t *testing.T) {
	repo := NewMemoryRepo()
	day := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	_ = repo.Append(context.Background(), Event{ID: "a", Type: EventRecordingStarted, CreatedAt: day})
	_ = repo.Append(context.Background(), Event{ID: "b", Type: EventRecordingStarted, CreatedAt: day.Add(24 * time.Hour)})

	got, _ := repo.ListDay(context.Background(), day.Add(5*time.Hour))
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestService_LogEventTakesActorFromContext(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx := WithActor(context.Background(), Actor{UserID: "u-1", Role: "compliance_officer", IP: "10.0.0.1"})

	svc.LogEvent(ctx, EventRecordingAccessed, EventContext{RecordingID: "r-1"})

	e := repo.Events()[0]
	if e.ActorUserID != "u-1" || e.ActorRole != "compliance_officer" || e.IPAddress != "10.0.0.1" {
		t.Fatalf("expected actor from context, got %+v", e)
	}
}
