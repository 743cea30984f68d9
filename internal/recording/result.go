package recording

import "errors"

// Code is the machine-readable outcome of an orchestrator operation.
type Code string

const (
	CodeSuccess             Code = "SUCCESS"
	CodeRecordingInProgress Code = "RECORDING_IN_PROGRESS"
	CodeNoActiveRecording   Code = "NO_ACTIVE_RECORDING"
	CodeStopped             Code = "STOPPED"
	CodeStoppedCleanupOnly  Code = "STOPPED_CLEANUP_ONLY"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeComplianceAckFailed Code = "COMPLIANCE_ACK_FAILED"
	CodeCapacity            Code = "CAPACITY_UNAVAILABLE"
	CodeLegalHold           Code = "LEGAL_HOLD"
	CodeNotFound            Code = "NOT_FOUND"
	CodeStorage             Code = "STORAGE_ERROR"
	CodeInternal            Code = "INTERNAL"
)

// Result is returned by operations whose failures are part of normal flow.
type Result struct {
	Success     bool   `json:"success"`
	Code        Code   `json:"code"`
	Message     string `json:"message,omitempty"`
	RecordingID string `json:"recordingId,omitempty"`

	Err error `json:"-"`
}

func ok(code Code, recordingID, msg string) Result {
	return Result{Success: true, Code: code, RecordingID: recordingID, Message: msg}
}

func fail(code Code, recordingID string, err error) Result {
	r := Result{Success: false, Code: code, RecordingID: recordingID, Err: err}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

var (
	ErrValidation    = errors.New("recording: validation failed")
	ErrNotFound      = errors.New("recording: not found")
	ErrConflict      = errors.New("recording: version conflict")
	ErrLegalHold     = errors.New("recording: under legal hold")
	ErrNotCompleted  = errors.New("recording: not completed")
	ErrInvalidState  = errors.New("recording: invalid state for operation")
	ErrCapacity      = errors.New("recording: concurrency limit reached")
	ErrContentAbsent = errors.New("recording: media content not available")
)
