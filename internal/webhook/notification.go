package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"compliance-recorder/internal/recording"
)

// Payload is the body of a change-notification POST.
type Payload struct {
	Value            []RawNotification `json:"value"`
	ValidationTokens []string          `json:"validationTokens,omitempty"`
}

// RawNotification is one item of Payload.Value as sent by the platform.
type RawNotification struct {
	SubscriptionID             string          `json:"subscriptionId"`
	SubscriptionExpirationTime string          `json:"subscriptionExpirationDateTime,omitempty"`
	ChangeType                 string          `json:"changeType"`
	Resource                   string          `json:"resource"`
	ResourceData               json.RawMessage `json:"resourceData,omitempty"`
	ClientState                string          `json:"clientState"`
	TenantID                   string          `json:"tenantId,omitempty"`
	LifecycleEvent             string          `json:"lifecycleEvent,omitempty"`
}

// Notification is one of CallNotification, CallRecordNotification,
// RecordingNotification, TranscriptNotification, LifecycleNotification or
// UnknownNotification.
type Notification interface {
	Kind() string
	Meta() Envelope
}

// Envelope carries the fields common to every notification.
type Envelope struct {
	SubscriptionID        string
	SubscriptionExpiresAt time.Time
	ChangeType            string
	Resource              string
	TenantID              string
}

func (e Envelope) Meta() Envelope { return e }

type CallNotification struct {
	Envelope
	CallID        string
	State         string
	Direction     string
	Subject       string
	CorrelationID string
	MeetingID     string
	Participants  []recording.Participant
}

func (CallNotification) Kind() string { return "call" }

type CallRecordNotification struct {
	Envelope
	CallRecordID string
}

func (CallRecordNotification) Kind() string { return "callRecord" }

type RecordingNotification struct {
	Envelope
	MeetingID   string
	RecordingID string
}

func (RecordingNotification) Kind() string { return "recording" }

type TranscriptNotification struct {
	Envelope
	MeetingID    string
	TranscriptID string
}

func (TranscriptNotification) Kind() string { return "transcript" }

// LifecycleNotification reports a subscription event such as
// reauthorizationRequired, subscriptionRemoved or missed.
type LifecycleNotification struct {
	Envelope
	Event string
}

func (LifecycleNotification) Kind() string { return "lifecycle" }

type UnknownNotification struct {
	Envelope
}

func (UnknownNotification) Kind() string { return "unknown" }

type identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type identitySet struct {
	User        *identity `json:"user,omitempty"`
	Phone       *identity `json:"phone,omitempty"`
	Application *identity `json:"application,omitempty"`
}

func (s identitySet) first() *identity {
	switch {
	case s.User != nil:
		return s.User
	case s.Phone != nil:
		return s.Phone
	default:
		return s.Application
	}
}

type participantInfo struct {
	Identity identitySet `json:"identity"`
}

type callResource struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Direction   string `json:"direction"`
	Subject     string `json:"subject"`
	TenantID    string `json:"tenantId"`
	CallChainID string `json:"callChainId"`
	MeetingInfo *struct {
		OnlineMeetingID string `json:"onlineMeetingId"`
	} `json:"meetingInfo,omitempty"`
	Source  *participantInfo  `json:"source,omitempty"`
	Targets []participantInfo `json:"targets,omitempty"`
}

type entityResource struct {
	ID string `json:"id"`
}

// Decode classifies raw into its concrete notification type.
func Decode(raw RawNotification) (Notification, error) {
	env := Envelope{
		SubscriptionID: raw.SubscriptionID,
		ChangeType:     strings.ToLower(raw.ChangeType),
		Resource:       raw.Resource,
		TenantID:       raw.TenantID,
	}
	if raw.SubscriptionExpirationTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw.SubscriptionExpirationTime); err == nil {
			env.SubscriptionExpiresAt = t
		}
	}

	if raw.LifecycleEvent != "" {
		return LifecycleNotification{Envelope: env, Event: raw.LifecycleEvent}, nil
	}

	res := strings.ToLower(raw.Resource)
	switch {
	case hasSegment(res, "recordings"):
		var rd entityResource
		if err := decodeData(raw.ResourceData, &rd); err != nil {
			return nil, err
		}
		return RecordingNotification{
			Envelope:    env,
			MeetingID:   entityID(raw.Resource, "onlineMeetings"),
			RecordingID: firstNonEmpty(entityID(raw.Resource, "recordings"), rd.ID),
		}, nil
	case hasSegment(res, "transcripts"):
		var rd entityResource
		if err := decodeData(raw.ResourceData, &rd); err != nil {
			return nil, err
		}
		return TranscriptNotification{
			Envelope:     env,
			MeetingID:    entityID(raw.Resource, "onlineMeetings"),
			TranscriptID: firstNonEmpty(entityID(raw.Resource, "transcripts"), rd.ID),
		}, nil
	case hasSegment(res, "callrecords"):
		var rd entityResource
		if err := decodeData(raw.ResourceData, &rd); err != nil {
			return nil, err
		}
		return CallRecordNotification{
			Envelope:     env,
			CallRecordID: firstNonEmpty(entityID(raw.Resource, "callRecords"), rd.ID),
		}, nil
	case hasSegment(res, "calls"):
		var rd callResource
		if err := decodeData(raw.ResourceData, &rd); err != nil {
			return nil, err
		}
		n := CallNotification{
			Envelope:      env,
			CallID:        firstNonEmpty(entityID(raw.Resource, "calls"), rd.ID),
			State:         rd.State,
			Direction:     rd.Direction,
			Subject:       rd.Subject,
			CorrelationID: rd.CallChainID,
			Participants:  participantsOf(rd),
		}
		if rd.MeetingInfo != nil {
			n.MeetingID = rd.MeetingInfo.OnlineMeetingID
		}
		if rd.TenantID != "" {
			n.TenantID = rd.TenantID
		}
		return n, nil
	}
	return UnknownNotification{Envelope: env}, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: resourceData: %v", ErrMalformed, err)
	}
	return nil
}

func participantsOf(rd callResource) []recording.Participant {
	var out []recording.Participant
	add := func(p participantInfo) {
		if id := p.Identity.first(); id != nil && id.ID != "" {
			out = append(out, recording.Participant{ID: id.ID, DisplayName: id.DisplayName})
		}
	}
	if rd.Source != nil {
		add(*rd.Source)
	}
	for _, t := range rd.Targets {
		add(t)
	}
	return out
}

// entityID returns the id that follows keyword in a resource path. Both
// "communications/calls/abc" and "communications/calls('abc')" yield "abc".
func entityID(resource, keyword string) string {
	segs := strings.Split(strings.Trim(resource, "/"), "/")
	for i, seg := range segs {
		name, id, keyed := splitKeyed(seg)
		if !strings.EqualFold(name, keyword) {
			continue
		}
		if keyed {
			return id
		}
		if i+1 < len(segs) {
			return segs[i+1]
		}
		return ""
	}
	return ""
}

// splitKeyed splits "calls('abc')" into ("calls", "abc", true).
func splitKeyed(seg string) (string, string, bool) {
	open := strings.IndexByte(seg, '(')
	if open < 0 || !strings.HasSuffix(seg, ")") {
		return seg, "", false
	}
	id := strings.Trim(seg[open+1:len(seg)-1], "'\"")
	return seg[:open], id, true
}

func hasSegment(resource, keyword string) bool {
	for _, seg := range strings.Split(strings.Trim(resource, "/"), "/") {
		name, _, _ := splitKeyed(seg)
		if name == keyword {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
