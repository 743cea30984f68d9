package recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"compliance-recorder/internal/blobstore"
	"compliance-recorder/internal/telephony"
	"compliance-recorder/pkg/logger"
)

func testStores(t *testing.T) map[string]MetadataStore {
	t.Helper()
	blobs := blobstore.NewMemoryStore()
	return map[string]MetadataStore{
		"memory": NewMemoryStore(),
		"blob":   NewBlobStore(blobs, blobstore.NewInitializer(blobs, blobstore.ContainerMetadata)),
	}
}

func TestMetadataStore_OptimisticVersioning(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := Metadata{ID: "rec-1", CallID: "call-1", Status: StatusPending, Version: 1, CreatedAt: time.Now().UTC()}
			if err := s.Save(ctx, m); err != nil {
				t.Fatalf("save v1: %v", err)
			}
			if err := s.Save(ctx, m); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict on stale write, got %v", err)
			}

			m.Version = 3
			if err := s.Save(ctx, m); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict on skipped version, got %v", err)
			}

			m.Version = 2
			m.Status = StatusInProgress
			if err := s.Save(ctx, m); err != nil {
				t.Fatalf("save v2: %v", err)
			}
			got, err := s.Get(ctx, "rec-1")
			if err != nil || got.Status != StatusInProgress || got.Version != 2 {
				t.Fatalf("unexpected record %+v err=%v", got, err)
			}

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMetadataStore_ListByCall(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			for i, rec := range []Metadata{
				{ID: "b", CallID: "call-1", CreatedAt: base.Add(time.Minute)},
				{ID: "a", CallID: "call-1", CreatedAt: base},
				{ID: "c", CallID: "call-2", CreatedAt: base},
			} {
				rec.Version = 1
				if err := s.Save(ctx, rec); err != nil {
					t.Fatalf("save %d: %v", i, err)
				}
			}

			recs, err := s.ListByCall(ctx, "call-1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
				t.Fatalf("expected [a b], got %+v", recs)
			}
			all, _ := s.List(ctx)
			if len(all) != 3 {
				t.Fatalf("expected 3 records, got %d", len(all))
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Save(ctx, Metadata{ID: "r", CallID: "c", Version: 1, Participants: []Participant{{ID: "u1"}}})

	got, _ := s.Get(ctx, "r")
	got.Participants[0].ID = "mutated"
	again, _ := s.Get(ctx, "r")
	if again.Participants[0].ID != "u1" {
		t.Fatalf("store leaked internal slice")
	}
}

func TestMemoryCache_Expires(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, Metadata{ID: "r", Version: 2})
	if m, ok := c.Get(ctx, "r"); !ok || m.Version != 2 {
		t.Fatalf("expected hit")
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get(ctx, "r"); ok {
		t.Fatalf("expected entry to expire")
	}

	c.Set(ctx, Metadata{ID: "r"})
	c.Invalidate(ctx, "r")
	if _, ok := c.Get(ctx, "r"); ok {
		t.Fatalf("expected invalidated entry to miss")
	}
}

func TestOrchestrator_CacheInvalidatedOnWrite(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	start := h.o.StartRecording(ctx, meeting("call-1"))

	before, _ := h.o.GetRecordingMetadata(ctx, start.RecordingID)
	h.o.StopRecording(ctx, "call-1")
	after, _ := h.o.GetRecordingMetadata(ctx, start.RecordingID)
	if after.Version <= before.Version || after.Status != StatusCompleted {
		t.Fatalf("expected fresh metadata after write, got v%d %s", after.Version, after.Status)
	}
}

func TestMemoryCache_CallListExpiresAndInvalidates(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.SetCall(ctx, "call-1", []Metadata{{ID: "r1", CallID: "call-1"}})
	recs, ok := c.GetCall(ctx, "call-1")
	if !ok || len(recs) != 1 {
		t.Fatalf("expected call list hit, got %v %v", recs, ok)
	}
	recs[0].ID = "mutated"
	if again, _ := c.GetCall(ctx, "call-1"); again[0].ID != "r1" {
		t.Fatalf("cache leaked internal slice")
	}

	now = now.Add(time.Minute)
	if _, ok := c.GetCall(ctx, "call-1"); ok {
		t.Fatalf("expected call list to expire")
	}

	c.SetCall(ctx, "call-1", nil)
	c.InvalidateCall(ctx, "call-1")
	if _, ok := c.GetCall(ctx, "call-1"); ok {
		t.Fatalf("expected invalidated call list to miss")
	}
}

func TestOrchestrator_CallListRefreshedAfterWrite(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.o.StartRecording(ctx, meeting("call-1"))

	before, err := h.o.GetMeetingRecordings(ctx, "call-1")
	if err != nil || len(before) != 1 || before[0].Status != StatusInProgress {
		t.Fatalf("unexpected list before stop: %v %v", before, err)
	}
	h.o.StopRecording(ctx, "call-1")

	after, err := h.o.GetMeetingRecordings(ctx, "call-1")
	if err != nil || len(after) != 1 {
		t.Fatalf("unexpected list after stop: %v %v", after, err)
	}
	if after[0].Status != StatusCompleted || after[0].Version <= before[0].Version {
		t.Fatalf("expected fresh call list after write, got v%d %s", after[0].Version, after[0].Status)
	}
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "call-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	other, err := k.Lock(ctx, "call-2")
	if err != nil {
		t.Fatalf("independent key must not block: %v", err)
	}
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(waitCtx, "call-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while key is held, got %v", err)
	}

	unlock()
	unlock()
	again, err := k.Lock(ctx, "call-1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()

	k.mu.Lock()
	n := len(k.locks)
	k.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected released keys to be dropped, %d remain", n)
	}
}

func TestKeyedMutex_Exclusive(t *testing.T) {
	k := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "call")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
	}
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	p := RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := p.do(context.Background(), "op", nil, logger.Discard(), func(ctx context.Context) error {
		calls++
		return telephony.NewError(telephony.KindInvalid, "op", errors.New("bad request"))
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and an error, got %d calls err=%v", calls, err)
	}
	if telephony.KindOf(err) != telephony.KindInvalid {
		t.Fatalf("expected invalid kind to survive, got %v", err)
	}
}

func TestRetryPolicy_RetriesTransientUpToAttempts(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := p.do(context.Background(), "op", nil, logger.Discard(), func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 attempts, got %d err=%v", calls, err)
	}

	calls = 0
	err = p.do(context.Background(), "op", nil, logger.Discard(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return transientErr()
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second attempt, got %d err=%v", calls, err)
	}
}

func TestRetryPolicy_BackOffDoubles(t *testing.T) {
	bo := RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second}.backOff()
	if d := bo.NextBackOff(); d != 2*time.Second {
		t.Fatalf("first delay: %v", d)
	}
	if d := bo.NextBackOff(); d != 4*time.Second {
		t.Fatalf("second delay: %v", d)
	}
}
