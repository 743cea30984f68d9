package calls

import (
	"strings"
	"time"

	"compliance-recorder/internal/recording"
)

// Call is the in-memory lifecycle record of one platform call.
//
// State only moves forward: Created, Establishing, Established, Terminated.
// A Terminated call stays in memory for the eviction grace period so late
// notifications for it are recognized and ignored.
type Call struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId,omitempty"`
	State         State     `json:"state"`
	Direction     Direction `json:"direction,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	MeetingID     string    `json:"meetingId,omitempty"`

	Participants []recording.Participant `json:"participants,omitempty"`

	RecordingID string `json:"recordingId,omitempty"`
	// Flagged is set once the call has been reported as established without a recording.
	Flagged bool `json:"flagged,omitempty"`

	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	EstablishedAt *time.Time `json:"establishedAt,omitempty"`
	TerminatedAt  *time.Time `json:"terminatedAt,omitempty"`
}

type State string

const (
	StateCreated      State = "Created"
	StateEstablishing State = "Establishing"
	StateEstablished  State = "Established"
	StateTerminated   State = "Terminated"
)

func (s State) rank() int {
	switch s {
	case StateCreated:
		return 1
	case StateEstablishing:
		return 2
	case StateEstablished:
		return 3
	case StateTerminated:
		return 4
	default:
		return 0
	}
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Event is one observed change of a call, from a notification or the poller.
type Event struct {
	CallID     string
	TenantID   string
	ChangeType ChangeType
	// PlatformState is the raw call state reported by the platform
	// ("establishing", "established", "terminated", ...).
	PlatformState string

	Direction     Direction
	Subject       string
	CorrelationID string
	MeetingID     string
	Participants  []recording.Participant
}

// target maps an event to the state it moves the call to. ok is false for
// updates that carry no lifecycle change.
func (e Event) target() (State, bool) {
	switch e.ChangeType {
	case ChangeCreated:
		return StateCreated, true
	case ChangeDeleted:
		return StateTerminated, true
	}
	switch strings.ToLower(e.PlatformState) {
	case "establishing":
		return StateEstablishing, true
	case "established":
		return StateEstablished, true
	case "terminated":
		return StateTerminated, true
	}
	return "", false
}

type Action string

const (
	ActionNone           Action = "none"
	ActionAnswer         Action = "answer"
	ActionStartRecording Action = "startRecording"
	ActionStopRecording  Action = "stopRecording"
)

// Transition reports what Handle did with an event.
type Transition struct {
	CallID  string
	From    State
	To      State
	Action  Action
	Applied bool
	// Err is the failure of the action, if any. The transition itself stands.
	Err error
}
