package webhook

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEntityID(t *testing.T) {
	cases := []struct {
		resource, keyword, want string
	}{
		{"communications/calls/abc", "calls", "abc"},
		{"/communications/calls/abc/operations/op1", "calls", "abc"},
		{"communications/calls('abc')", "calls", "abc"},
		{"communications/callRecords/rec-1", "callRecords", "rec-1"},
		{"communications/onlineMeetings('m1')/recordings('r1')", "onlineMeetings", "m1"},
		{"communications/onlineMeetings('m1')/recordings('r1')", "recordings", "r1"},
		{"communications/onlineMeetings/m1/transcripts", "transcripts", ""},
		{"communications/calls", "calls", ""},
		{"users/u1", "calls", ""},
	}
	for _, tc := range cases {
		if got := entityID(tc.resource, tc.keyword); got != tc.want {
			t.Fatalf("entityID(%q, %q) = %q, want %q", tc.resource, tc.keyword, got, tc.want)
		}
	}
}

func TestDecode_CallNotification(t *testing.T) {
	raw := RawNotification{
		SubscriptionID:             "sub-1",
		SubscriptionExpirationTime: "2026-06-01T10:00:00.0000000Z",
		ChangeType:                 "Updated",
		Resource:                   "communications/calls/call-7",
		ClientState:                "secret",
		ResourceData: json.RawMessage(`{
			"@odata.type": "#microsoft.graph.call",
			"id": "call-7",
			"state": "established",
			"direction": "incoming",
			"subject": "standup",
			"tenantId": "tenant-9",
			"callChainId": "chain-1",
			"meetingInfo": {"onlineMeetingId": "meeting-3"},
			"source": {"identity": {"user": {"id": "u1", "displayName": "Ana"}}},
			"targets": [
				{"identity": {"phone": {"id": "+15550100"}}},
				{"identity": {}}
			]
		}`),
	}

	n, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	call, ok := n.(CallNotification)
	if !ok {
		t.Fatalf("expected CallNotification, got %T", n)
	}
	if call.CallID != "call-7" || call.State != "established" || call.ChangeType != "updated" {
		t.Fatalf("unexpected call fields: %+v", call)
	}
	if call.TenantID != "tenant-9" || call.CorrelationID != "chain-1" || call.MeetingID != "meeting-3" {
		t.Fatalf("unexpected call ids: %+v", call)
	}
	if len(call.Participants) != 2 || call.Participants[0].DisplayName != "Ana" || call.Participants[1].ID != "+15550100" {
		t.Fatalf("unexpected participants: %+v", call.Participants)
	}
	if call.SubscriptionExpiresAt.IsZero() {
		t.Fatalf("expected subscription expiry parsed")
	}
	if call.Kind() != "call" {
		t.Fatalf("unexpected kind %q", call.Kind())
	}
}

func TestDecode_Classification(t *testing.T) {
	cases := []struct {
		name string
		raw  RawNotification
		want string
	}{
		{"lifecycle", RawNotification{SubscriptionID: "s", LifecycleEvent: "reauthorizationRequired"}, "lifecycle"},
		{"callRecord", RawNotification{Resource: "communications/callRecords/r1"}, "callRecord"},
		{"recording", RawNotification{Resource: "communications/onlineMeetings/m1/recordings/r1"}, "recording"},
		{"transcript", RawNotification{Resource: "communications/onlineMeetings('m1')/transcripts('t1')"}, "transcript"},
		{"call", RawNotification{Resource: "communications/calls/c1"}, "call"},
		{"unknown", RawNotification{Resource: "chats/c1/messages/m1"}, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := Decode(tc.raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n.Kind() != tc.want {
				t.Fatalf("expected %s, got %s (%T)", tc.want, n.Kind(), n)
			}
		})
	}
}

func TestDecode_AvailabilityIDs(t *testing.T) {
	n, err := Decode(RawNotification{Resource: "communications/onlineMeetings('m1')/recordings('r1')"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec := n.(RecordingNotification)
	if rec.MeetingID != "m1" || rec.RecordingID != "r1" {
		t.Fatalf("unexpected ids: %+v", rec)
	}

	n, _ = Decode(RawNotification{
		Resource:     "communications/onlineMeetings/m2/transcripts",
		ResourceData: json.RawMessage(`{"id":"t9"}`),
	})
	tr := n.(TranscriptNotification)
	if tr.MeetingID != "m2" || tr.TranscriptID != "t9" {
		t.Fatalf("unexpected ids: %+v", tr)
	}
}

func TestDecode_MalformedResourceData(t *testing.T) {
	_, err := Decode(RawNotification{Resource: "communications/calls/c1", ResourceData: json.RawMessage(`"not an object"`)})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
