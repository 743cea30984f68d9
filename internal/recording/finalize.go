package recording

import (
	"context"
	"errors"
	"fmt"
	"io"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/blobstore"
)

const (
	issueMediaMissing   = "media not yet available"
	issueMediaEmpty     = "media content is empty"
	issueNoTenant       = "tenant id missing"
	issueNoParticipants = "no participants recorded"
)

func transcriptKey(m Metadata) string {
	if m.TranscriptPath != "" {
		return m.TranscriptPath
	}
	return m.BlobPath
}

// FinalizeRecording computes size and hash of the captured media, validates
// the recording and marks it Completed. It can be re-run: a recording whose
// media arrived after the first pass picks up its hash on the next one.
func (o *Orchestrator) FinalizeRecording(ctx context.Context, id string) error {
	return o.withRecording(ctx, id, func(m *Metadata) error {
		return o.finalizeLocked(ctx, m)
	})
}

// FinalizeCall re-runs finalize for every stopped recording of a call. Used
// when the platform announces recording or transcript availability.
func (o *Orchestrator) FinalizeCall(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("%w: call id is required", ErrValidation)
	}
	unlock, err := o.locker.Lock(ctx, callID)
	if err != nil {
		return err
	}
	defer unlock()

	recs, err := o.store.ListByCall(ctx, callID)
	if err != nil {
		return err
	}
	var errs []error
	for i := range recs {
		m := recs[i]
		if m.Status != StatusProcessing && !(m.Status == StatusCompleted && m.FileHash == "") {
			continue
		}
		if err := o.finalizeLocked(ctx, &m); err != nil {
			errs = append(errs, fmt.Errorf("finalize %s: %w", m.ID, err))
		}
	}
	return errors.Join(errs...)
}

// FinalizeMeeting re-runs finalize for the calls recorded under an online
// meeting. Calls without a meeting are matched by their call id.
func (o *Orchestrator) FinalizeMeeting(ctx context.Context, meetingID string) error {
	if meetingID == "" {
		return fmt.Errorf("%w: meeting id is required", ErrValidation)
	}
	recs, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	var errs []error
	for _, m := range recs {
		if m.MeetingID != meetingID && m.CallID != meetingID {
			continue
		}
		if seen[m.CallID] {
			continue
		}
		seen[m.CallID] = true
		if err := o.FinalizeCall(ctx, m.CallID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UploadRecordingContent stores media for a stopped recording and finalizes it.
// Media of a finalized recording is immutable.
func (o *Orchestrator) UploadRecordingContent(ctx context.Context, id string, r io.Reader, size int64, contentType string) (Metadata, error) {
	var out Metadata
	err := o.withRecording(ctx, id, func(m *Metadata) error {
		switch {
		case m.Status == StatusCompleted && m.FileHash != "":
			return fmt.Errorf("%w: media of %s is already finalized", ErrInvalidState, m.ID)
		case m.Status != StatusProcessing && m.Status != StatusCompleted:
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, m.ID, m.Status)
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := o.blobs.Put(ctx, blobstore.ContainerRecordings, m.BlobPath, r, size, contentType); err != nil {
			return err
		}
		if err := o.finalizeLocked(ctx, m); err != nil {
			return err
		}
		out = *m
		return nil
	})
	return out, err
}

// finalizeLocked must run under the recording's call lock. m is updated in
// place with the persisted version.
func (o *Orchestrator) finalizeLocked(ctx context.Context, m *Metadata) error {
	switch m.Status {
	case StatusDeleted, StatusFailed:
		return nil
	case StatusPending, StatusInProgress:
		return fmt.Errorf("%w: %s is still %s", ErrInvalidState, m.ID, m.Status)
	case StatusCompleted:
		if m.FileHash != "" {
			return nil
		}
	}
	wasCompleted := m.Status == StatusCompleted

	hash, size, err := o.hashMedia(ctx, m.BlobPath)
	present := err == nil
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %v", errStorage, err)
	}
	if wasCompleted && !present {
		return nil
	}

	next := cloneMetadata(*m)
	if present {
		next.FileHash = hash
		next.FileSizeBytes = size
		o.unsubscribeAvailability(ctx, &next)
	}
	if _, err := o.blobs.Stat(ctx, blobstore.ContainerTranscripts, m.BlobPath); err == nil {
		next.TranscriptPath = m.BlobPath
	}
	next.Compliance = o.validate(next, present)
	next.Status = StatusCompleted

	saved, err := o.persist(ctx, next)
	if err != nil {
		return err
	}
	*m = saved

	if !wasCompleted {
		o.log.Info("recording completed", "call_id", m.CallID, "recording_id", m.ID, "media", present)
		o.logEvent(ctx, audit.EventRecordingCompleted, saved, "recording completed", map[string]string{
			"file_hash": saved.FileHash,
			"validated": fmt.Sprint(saved.Compliance.Validated),
		})
		o.publish(ctx, saved, "")
	}
	return nil
}

func (o *Orchestrator) hashMedia(ctx context.Context, key string) (string, int64, error) {
	rc, _, err := o.blobs.Get(ctx, blobstore.ContainerRecordings, key)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	return blobstore.HashReader(rc)
}

// validate recomputes the media-dependent issues and keeps the rest.
func (o *Orchestrator) validate(m Metadata, present bool) ComplianceValidation {
	var issues []string
	for _, is := range m.Compliance.Issues {
		switch is {
		case issueMediaMissing, issueMediaEmpty, issueNoTenant, issueNoParticipants:
		default:
			issues = append(issues, is)
		}
	}
	switch {
	case !present:
		issues = append(issues, issueMediaMissing)
	case m.FileSizeBytes == 0:
		issues = append(issues, issueMediaEmpty)
	}
	if m.TenantID == "" {
		issues = append(issues, issueNoTenant)
	}
	if len(m.Participants) == 0 {
		issues = append(issues, issueNoParticipants)
	}
	return ComplianceValidation{
		Validated:   len(issues) == 0,
		ValidatedAt: o.now().UTC(),
		Issues:      issues,
	}
}
