package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSubject(t *testing.T) {
	if got := Subject("Completed"); got != "recorder.recording.completed" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestNewPublisher_EmptyURLIsNoop(t *testing.T) {
	p := NewPublisher("", nil, nil)
	if err := p.PublishRecording(context.Background(), RecordingEvent{RecordingID: "r-1", Status: "InProgress"}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("noop close: %v", err)
	}
}

func TestEnvelopeShape(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newEnvelope(RecordingEvent{RecordingID: "r-1", CallID: "c-1", Status: "Failed", Reason: "ack", OccurredAt: at})
	b, _ := json.Marshal(env)

	var decoded map[string]any
	_ = json.Unmarshal(b, &decoded)
	if decoded["type"] != "recorder.recording.failed" || decoded["correlationId"] == "" {
		t.Fatalf("unexpected envelope: %s", b)
	}
	payload := decoded["payload"].(map[string]any)
	if payload["callId"] != "c-1" || payload["reason"] != "ack" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	_ = p.PublishRecording(context.Background(), RecordingEvent{RecordingID: "r-1", Status: "Pending"})
	if len(p.Events()) != 1 {
		t.Fatalf("expected one captured event")
	}
}
