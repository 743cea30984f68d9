package telephony

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFake_RenewUnknownIsNotFound(t *testing.T) {
	f := NewFakeProvider()
	_, err := f.RenewSubscription(context.Background(), "sub-404", time.Now())
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFake_FailNextIsConsumedInOrder(t *testing.T) {
	f := NewFakeProvider()
	boom := NewError(KindTransient, OpUpdateRecordingStatus, errors.New("boom"))
	f.FailNext(OpUpdateRecordingStatus, boom)

	req := RecordingStatusRequest{CallID: "c-1", Status: StatusRecording}
	if err := f.UpdateRecordingStatus(context.Background(), req); !errors.Is(err, boom) {
		t.Fatalf("expected queued failure, got %v", err)
	}
	if err := f.UpdateRecordingStatus(context.Background(), req); err != nil {
		t.Fatalf("expected success on second call, got %v", err)
	}
	if got := f.StatusUpdates(); len(got) != 1 {
		t.Fatalf("expected one recorded status, got %d", len(got))
	}
}

func TestKindForStatus(t *testing.T) {
	if KindForStatus(410) != KindNotFound || KindForStatus(502) != KindTransient || KindForStatus(401) != KindPermission {
		t.Fatalf("unexpected status mapping")
	}
}

func TestError_UnwrapAndKindOf(t *testing.T) {
	inner := errors.New("inner")
	err := error(NewError(KindPermission, "op", inner))
	if !errors.Is(err, inner) {
		t.Fatalf("expected unwrap to inner")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty kind for plain error")
	}
}
