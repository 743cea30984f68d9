package audit

import "time"

// Event is an immutable, append-only compliance log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Writes are best-effort; recording flows never block on audit failures.
//
// Storage:
// - Blob: compliance-events/yyyy/mm/dd/<id>.json
// - Postgres: compliance_events with an INSERT-only policy.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	TenantID    string `json:"tenant_id,omitempty" db:"tenant_id"`
	CallID      string `json:"call_id,omitempty" db:"call_id"`
	RecordingID string `json:"recording_id,omitempty" db:"recording_id"`

	// Actor fields are set for admin API actions only.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	Message string            `json:"message,omitempty" db:"message"`
	Details map[string]string `json:"details,omitempty" db:"details"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventRecordingStarted   EventType = "RecordingStarted"
	EventRecordingStopped   EventType = "RecordingStopped"
	EventRecordingFailed    EventType = "RecordingFailed"
	EventRecordingCompleted EventType = "RecordingCompleted"
	EventRecordingAccessed  EventType = "RecordingAccessed"
	EventRecordingDeleted   EventType = "RecordingDeleted"
	EventLegalHoldChanged   EventType = "LegalHoldChanged"
	EventRetentionApplied   EventType = "RetentionApplied"

	EventCallUnrecordedWindowExceeded EventType = "CallUnrecordedWindowExceeded"

	EventSubscriptionCreated EventType = "SubscriptionCreated"
	EventSubscriptionRenewed EventType = "SubscriptionRenewed"
	EventSubscriptionRemoved EventType = "SubscriptionRemoved"

	EventWebhookRejected EventType = "WebhookRejected"
)

// EventContext carries the identifiers and details attached to a logged event.
type EventContext struct {
	TenantID    string
	CallID      string
	RecordingID string

	ActorUserID string
	ActorRole   string
	IPAddress   string

	Message string
	Details map[string]string
}
