package telephony

import (
	"context"
	"time"
)

// Provider defines the platform-agnostic interface used by business logic.
//
// Rules:
// - No platform HTTP calls outside telephony adapters.
// - Every error returned is a *Error so callers can branch on Kind.
// - Every call is bounded by a timeout; a timeout is KindTransient.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error)
	RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	AnswerCall(ctx context.Context, req AnswerRequest) error
	UpdateRecordingStatus(ctx context.Context, req RecordingStatusRequest) error

	GetCallRecord(ctx context.Context, id string) (CallRecord, error)
	ListActiveCalls(ctx context.Context) ([]ActiveCall, error)
}

// SubscriptionRequest registers a change-notification subscription on the platform.
type SubscriptionRequest struct {
	Resource    string   `json:"resource"`
	ChangeTypes []string `json:"change_types"`

	NotificationURL          string `json:"notification_url"`
	LifecycleNotificationURL string `json:"lifecycle_notification_url,omitempty"`

	// ClientState is echoed back on every notification for authenticity checks.
	ClientState string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Subscription is the platform's view of a registered subscription.
type Subscription struct {
	ID              string    `json:"id"`
	Resource        string    `json:"resource"`
	ChangeTypes     []string  `json:"change_types"`
	NotificationURL string    `json:"notification_url"`
	ClientState     string    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type AnswerRequest struct {
	CallID      string `json:"call_id"`
	TenantID    string `json:"tenant_id,omitempty"`
	CallbackURL string `json:"callback_url"`
}

// RecordingStatus is the compliance acknowledgement value sent before toggling recording.
type RecordingStatus string

const (
	StatusRecording    RecordingStatus = "recording"
	StatusNotRecording RecordingStatus = "notRecording"
	StatusFailed       RecordingStatus = "failed"
)

type RecordingStatusRequest struct {
	CallID   string          `json:"call_id"`
	TenantID string          `json:"tenant_id,omitempty"`
	Status   RecordingStatus `json:"status"`

	// ClientContext is an opaque correlation value returned in later notifications.
	ClientContext string `json:"client_context,omitempty"`
}

// CallRecord is the post-call summary the platform produces.
type CallRecord struct {
	ID           string        `json:"id"`
	Type         string        `json:"type,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Participants []Participant `json:"participants"`
}

type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ActiveCall is a call currently known to the platform; used by the polling fallback.
type ActiveCall struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Direction     string `json:"direction,omitempty"`
	Subject       string `json:"subject,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Participants []Participant `json:"participants,omitempty"`
}
