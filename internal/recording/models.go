package recording

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusDeleted    Status = "Deleted"
)

// Active reports whether s holds the call's single recording slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Meeting is the input to StartRecording.
type Meeting struct {
	CallID   string
	TenantID string
	// MeetingID is the online meeting the call belongs to, when known.
	MeetingID    string
	Subject      string
	Participants []Participant
	// RetentionDays overrides the configured default when > 0.
	RetentionDays int
}

func (m Meeting) validate() error {
	var problems []string
	if strings.TrimSpace(m.CallID) == "" {
		problems = append(problems, "call id is required")
	}
	if strings.TrimSpace(m.TenantID) == "" {
		problems = append(problems, "tenant id is required")
	}
	if len(m.Participants) == 0 {
		problems = append(problems, "at least one participant is required")
	}
	if m.RetentionDays < 0 {
		problems = append(problems, "retention days must not be negative")
	}
	if len(problems) > 0 {
		return errors.Join(ErrValidation, errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

type RetentionPolicy struct {
	RetentionDays  int       `json:"retentionDays"`
	ExpirationDate time.Time `json:"expirationDate"`
	AutoDelete     bool      `json:"autoDelete"`
	PolicyVersion  string    `json:"policyVersion"`
	LegalHold      bool      `json:"legalHold"`
}

type ComplianceValidation struct {
	Validated   bool      `json:"validated"`
	ValidatedAt time.Time `json:"validatedAt"`
	Issues      []string  `json:"issues,omitempty"`
}

type EncryptionInfo struct {
	Algorithm string `json:"algorithm"`
	AtRest    bool   `json:"atRest"`
	KeyID     string `json:"keyId,omitempty"`
}

// Metadata is the versioned record of one recording. Every successful write
// increments Version by exactly one.
type Metadata struct {
	ID        string `json:"id"`
	CallID    string `json:"callId"`
	TenantID  string `json:"tenantId"`
	MeetingID string `json:"meetingId,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Status    Status `json:"status"`

	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	BlobPath       string `json:"blobPath"`
	TranscriptPath string `json:"transcriptPath,omitempty"`
	FileSizeBytes  int64  `json:"fileSizeBytes"`
	FileHash       string `json:"fileHash,omitempty"`

	Participants []Participant        `json:"participants"`
	Retention    RetentionPolicy      `json:"retentionPolicy"`
	Compliance   ComplianceValidation `json:"complianceValidation"`
	Encryption   EncryptionInfo       `json:"encryptionInfo"`

	// AvailabilitySubscriptions are platform subscriptions waiting for media.
	AvailabilitySubscriptions []string `json:"availabilitySubscriptions,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`

	FailureReason  string     `json:"failureReason,omitempty"`
	DeletionReason string     `json:"deletionReason,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`

	Version int `json:"version"`
}

// Expired reports whether the retention period has passed at now.
func (m Metadata) Expired(now time.Time) bool {
	return !m.Retention.ExpirationDate.IsZero() && now.After(m.Retention.ExpirationDate)
}

func timePtr(t time.Time) *time.Time { return &t }
