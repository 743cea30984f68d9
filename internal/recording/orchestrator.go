// Package recording owns the recording lifecycle of a call: the compliance
// acknowledgement with the platform, versioned metadata, finalization of the
// captured media and retention.
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/blobstore"
	"compliance-recorder/internal/events"
	"compliance-recorder/internal/metrics"
	"compliance-recorder/internal/telemetry"
	"compliance-recorder/internal/telephony"
)

// AvailabilitySubscriber registers the platform subscriptions that announce
// when a recording's media and transcript become available.
type AvailabilitySubscriber interface {
	CreateSubscription(ctx context.Context, resource string, changeTypes []string, clientState string) (string, error)
	DeleteSubscription(ctx context.Context, id string) (bool, error)
}

type Options struct {
	MaxConcurrent int
	Retry         RetryPolicy
	// DefaultRetentionDays applies when a meeting carries no override.
	DefaultRetentionDays int
	AutoDelete           bool
	PolicyVersion        string
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.DefaultRetentionDays <= 0 {
		o.DefaultRetentionDays = 2555
	}
	if o.PolicyVersion == "" {
		o.PolicyVersion = "v1"
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// Orchestrator guarantees at most one Pending/InProgress recording per call.
//
// Invariants:
// - Every start/stop holds a global permit, then the per-call lock.
// - The platform acknowledges the recording status before metadata reflects it.
// - Metadata writes for one recording are serialized by its call lock.
type Orchestrator struct {
	platform telephony.Provider
	store    MetadataStore
	blobs    blobstore.Store
	opts     Options

	sem    *semaphore.Weighted
	gate   Gate
	locker Locker
	cache  Cache

	subscriber AvailabilitySubscriber
	audit      *audit.Service
	events     events.Publisher
	metrics    *metrics.Metrics
	log        *slog.Logger

	now func() time.Time
}

func NewOrchestrator(p telephony.Provider, store MetadataStore, blobs blobstore.Store, opts Options, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Orchestrator{
		platform: p,
		store:    store,
		blobs:    blobs,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		locker:   NewKeyedMutex(),
		cache:    NewMemoryCache(30 * time.Minute),
		events:   events.Noop(),
		metrics:  metrics.Discard(),
		log:      log,
		now:      time.Now,
	}
}

func (o *Orchestrator) WithCache(c Cache) *Orchestrator {
	o.cache = c
	return o
}

func (o *Orchestrator) WithLocker(l Locker) *Orchestrator {
	o.locker = l
	return o
}

func (o *Orchestrator) WithGate(g Gate) *Orchestrator {
	o.gate = g
	return o
}

func (o *Orchestrator) WithAudit(a *audit.Service) *Orchestrator {
	o.audit = a
	return o
}

func (o *Orchestrator) WithEvents(p events.Publisher) *Orchestrator {
	if p != nil {
		o.events = p
	}
	return o
}

func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

func (o *Orchestrator) WithSubscriber(s AvailabilitySubscriber) *Orchestrator {
	o.subscriber = s
	return o
}

// StartRecording acknowledges recording with the platform and opens the
// call's recording. A second start for a call with an active recording
// returns RECORDING_IN_PROGRESS without touching the platform.
func (o *Orchestrator) StartRecording(ctx context.Context, mt Meeting) (res Result) {
	started := o.now()
	ctx, span := telemetry.Tracer().Start(ctx, "recording.start",
		trace.WithAttributes(attribute.String("call.id", mt.CallID), attribute.String("tenant.id", mt.TenantID)))
	defer func() { o.finish(span, "start", started, res) }()

	if err := mt.validate(); err != nil {
		return fail(CodeValidation, "", err)
	}

	release, err := o.acquire(ctx)
	if err != nil {
		return fail(CodeCapacity, "", err)
	}
	defer release()

	unlock, err := o.locker.Lock(ctx, mt.CallID)
	if err != nil {
		return fail(CodeCapacity, "", fmt.Errorf("%w: call lock: %v", ErrCapacity, err))
	}
	defer unlock()

	active, found, err := o.activeFor(ctx, mt.CallID)
	if err != nil {
		return fail(CodeStorage, "", err)
	}
	if found {
		return Result{
			Code:        CodeRecordingInProgress,
			RecordingID: active.ID,
			Message:     fmt.Sprintf("call %s already has active recording %s", mt.CallID, active.ID),
		}
	}

	id := uuid.NewString()
	log := o.log.With("call_id", mt.CallID, "recording_id", id)

	ackErr := o.retryPlatform(ctx, telephony.OpUpdateRecordingStatus, func(ctx context.Context) error {
		return o.platform.UpdateRecordingStatus(ctx, telephony.RecordingStatusRequest{
			CallID:        mt.CallID,
			TenantID:      mt.TenantID,
			Status:        telephony.StatusRecording,
			ClientContext: id,
		})
	})

	m := o.newMetadata(id, mt)
	if ackErr != nil {
		m.Status = StatusFailed
		m.FailureReason = "compliance acknowledgement failed: " + ackErr.Error()
		m.Compliance.Issues = append(m.Compliance.Issues, m.FailureReason)
		if _, err := o.persist(ctx, m); err != nil {
			log.Error("persist failed recording", "err", err)
		}
		log.Error("recording not started", "err", ackErr)
		o.logEvent(ctx, audit.EventRecordingFailed, m, m.FailureReason, nil)
		o.publish(ctx, m, m.FailureReason)
		return fail(CodeComplianceAckFailed, id, ackErr)
	}

	m.Status = StatusPending
	next, err := o.persist(ctx, m)
	if err == nil {
		m = next
		m.Status = StatusInProgress
		m.StartTime = timePtr(o.now().UTC())
		next, err = o.persist(ctx, m)
	}
	if err != nil {
		o.abandonStart(ctx, m, err, log)
		return fail(CodeStorage, id, err)
	}
	m = next

	if subs := o.subscribeAvailability(ctx, m); len(subs) > 0 {
		m.AvailabilitySubscriptions = subs
		if next, err := o.persist(ctx, m); err != nil {
			log.Warn("persist availability subscriptions failed", "err", err)
		} else {
			m = next
		}
	}

	log.Info("recording started")
	o.logEvent(ctx, audit.EventRecordingStarted, m, "recording started", nil)
	o.publish(ctx, m, "")
	return ok(CodeSuccess, id, "recording started")
}

// abandonStart withdraws a start whose metadata could not be written after
// the platform acknowledged recording: the platform is told notRecording and
// the record is marked Failed so it no longer holds the call's active slot.
// Both steps are best-effort.
func (o *Orchestrator) abandonStart(ctx context.Context, m Metadata, cause error, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	log.Error("recording metadata not persisted, withdrawing start", "err", cause)

	ackErr := o.retryPlatform(ctx, telephony.OpUpdateRecordingStatus, func(ctx context.Context) error {
		return o.platform.UpdateRecordingStatus(ctx, telephony.RecordingStatusRequest{
			CallID:        m.CallID,
			TenantID:      m.TenantID,
			Status:        telephony.StatusNotRecording,
			ClientContext: m.ID,
		})
	})
	if ackErr != nil {
		log.Error("compensating notRecording acknowledgement failed", "err", ackErr)
	}

	m.Status = StatusFailed
	m.FailureReason = "metadata persist failed: " + cause.Error()
	m.Compliance.Issues = append(m.Compliance.Issues, m.FailureReason)
	if _, err := o.persist(ctx, m); err != nil {
		log.Error("persist failed recording", "err", err)
	}
	o.logEvent(ctx, audit.EventRecordingFailed, m, m.FailureReason, nil)
	o.publish(ctx, m, m.FailureReason)
}

// StopRecording acknowledges notRecording and closes the call's active
// recording. A failed acknowledgement still closes the recording and yields
// STOPPED_CLEANUP_ONLY.
func (o *Orchestrator) StopRecording(ctx context.Context, callID string) (res Result) {
	started := o.now()
	ctx, span := telemetry.Tracer().Start(ctx, "recording.stop", trace.WithAttributes(attribute.String("call.id", callID)))
	defer func() { o.finish(span, "stop", started, res) }()

	if callID == "" {
		return fail(CodeValidation, "", fmt.Errorf("%w: call id is required", ErrValidation))
	}

	release, err := o.acquire(ctx)
	if err != nil {
		return fail(CodeCapacity, "", err)
	}
	defer release()

	unlock, err := o.locker.Lock(ctx, callID)
	if err != nil {
		return fail(CodeCapacity, "", fmt.Errorf("%w: call lock: %v", ErrCapacity, err))
	}
	defer unlock()

	m, found, err := o.activeFor(ctx, callID)
	if err != nil {
		return fail(CodeStorage, "", err)
	}
	if !found {
		return ok(CodeNoActiveRecording, "", "no active recording for call "+callID)
	}
	log := o.log.With("call_id", callID, "recording_id", m.ID)

	ackErr := o.retryPlatform(ctx, telephony.OpUpdateRecordingStatus, func(ctx context.Context) error {
		return o.platform.UpdateRecordingStatus(ctx, telephony.RecordingStatusRequest{
			CallID:        callID,
			TenantID:      m.TenantID,
			Status:        telephony.StatusNotRecording,
			ClientContext: m.ID,
		})
	})
	if ackErr != nil {
		log.Warn("stop acknowledgement failed, cleaning up locally", "err", ackErr)
		m.Compliance.Issues = append(m.Compliance.Issues, "stop acknowledgement failed: "+ackErr.Error())
	}

	m.Status = StatusProcessing
	m.EndTime = timePtr(o.now().UTC())
	next, err := o.persist(ctx, m)
	if err != nil {
		return fail(CodeStorage, m.ID, err)
	}
	m = next

	details := map[string]string{"degraded": strconv.FormatBool(ackErr != nil)}
	o.logEvent(ctx, audit.EventRecordingStopped, m, "recording stopped", details)
	o.publish(ctx, m, "")

	if err := o.finalizeLocked(ctx, &m); err != nil {
		log.Warn("finalize after stop failed", "err", err)
	}

	if ackErr != nil {
		r := ok(CodeStoppedCleanupOnly, m.ID, "recording stopped without platform acknowledgement")
		r.Err = ackErr
		return r
	}
	log.Info("recording stopped")
	return ok(CodeStopped, m.ID, "recording stopped")
}

// HasActiveRecording reports whether the call has a Pending or InProgress recording.
func (o *Orchestrator) HasActiveRecording(ctx context.Context, callID string) bool {
	_, found, err := o.activeFor(ctx, callID)
	if err != nil {
		o.log.Warn("active recording lookup failed", "call_id", callID, "err", err)
	}
	return found
}

func (o *Orchestrator) GetRecordingMetadata(ctx context.Context, id string) (Metadata, error) {
	if id == "" {
		return Metadata{}, fmt.Errorf("%w: recording id is required", ErrValidation)
	}
	if m, hit := o.cache.Get(ctx, id); hit {
		return m, nil
	}
	m, err := o.store.Get(ctx, id)
	if err != nil {
		return Metadata{}, err
	}
	o.cache.Set(ctx, m)
	return m, nil
}

// GetMeetingRecordings lists every recording of a call, oldest first.
func (o *Orchestrator) GetMeetingRecordings(ctx context.Context, callID string) ([]Metadata, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: call id is required", ErrValidation)
	}
	if recs, hit := o.cache.GetCall(ctx, callID); hit {
		return recs, nil
	}
	recs, err := o.store.ListByCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	o.cache.SetCall(ctx, callID, recs)
	return recs, nil
}

// DownloadRecording opens the media of a Completed recording and records the access.
func (o *Orchestrator) DownloadRecording(ctx context.Context, id string) (io.ReadCloser, Metadata, error) {
	var (
		rc  io.ReadCloser
		out Metadata
	)
	err := o.withRecording(ctx, id, func(m *Metadata) error {
		if m.Status != StatusCompleted {
			return fmt.Errorf("%w: %s is %s", ErrNotCompleted, m.ID, m.Status)
		}
		r, _, err := o.blobs.Get(ctx, blobstore.ContainerRecordings, m.BlobPath)
		if errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrContentAbsent, m.ID)
		}
		if err != nil {
			return err
		}
		m.LastAccessedAt = timePtr(o.now().UTC())
		next, err := o.persist(ctx, *m)
		if err != nil {
			r.Close()
			return err
		}
		rc, out = r, next
		return nil
	})
	if err != nil {
		return nil, Metadata{}, err
	}
	o.logEvent(ctx, audit.EventRecordingAccessed, out, "recording downloaded", nil)
	return rc, out, nil
}

// DeleteRecording removes the media and transcript and soft-deletes the
// metadata. Recordings under legal hold or still active are refused.
func (o *Orchestrator) DeleteRecording(ctx context.Context, id, reason string) (res Result) {
	started := o.now()
	defer func() { o.metrics.ObserveRecording("delete", string(res.Code), started) }()

	if reason == "" {
		reason = "deleted on request"
	}
	err := o.withRecording(ctx, id, func(m *Metadata) error {
		switch {
		case m.Status == StatusDeleted:
			return nil
		case m.Retention.LegalHold:
			return ErrLegalHold
		case m.Status.Active():
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, m.ID, m.Status)
		}
		if err := o.blobs.Delete(ctx, blobstore.ContainerRecordings, m.BlobPath); err != nil {
			return fmt.Errorf("%w: %v", errStorage, err)
		}
		if err := o.blobs.Delete(ctx, blobstore.ContainerTranscripts, transcriptKey(*m)); err != nil {
			return fmt.Errorf("%w: %v", errStorage, err)
		}
		now := o.now().UTC()
		m.Status = StatusDeleted
		m.DeletionReason = reason
		m.DeletedAt = &now
		next, err := o.persist(ctx, *m)
		if err != nil {
			return fmt.Errorf("%w: %v", errStorage, err)
		}
		o.logEvent(ctx, audit.EventRecordingDeleted, next, reason, nil)
		o.publish(ctx, next, reason)
		return nil
	})

	switch {
	case err == nil:
		return ok(CodeSuccess, id, "recording deleted")
	case errors.Is(err, ErrNotFound):
		return fail(CodeNotFound, id, err)
	case errors.Is(err, ErrLegalHold):
		return fail(CodeLegalHold, id, err)
	case errors.Is(err, ErrInvalidState):
		return fail(CodeRecordingInProgress, id, err)
	case errors.Is(err, ErrValidation):
		return fail(CodeValidation, id, err)
	case errors.Is(err, errStorage):
		return fail(CodeStorage, id, err)
	default:
		return fail(CodeInternal, id, err)
	}
}

var errStorage = errors.New("recording: storage failure")

// SetLegalHold places or lifts a legal hold. Held recordings are never
// deleted, by request or by retention.
func (o *Orchestrator) SetLegalHold(ctx context.Context, id string, hold bool) (Metadata, error) {
	var out Metadata
	err := o.withRecording(ctx, id, func(m *Metadata) error {
		if m.Status == StatusDeleted {
			return fmt.Errorf("%w: %s is deleted", ErrInvalidState, m.ID)
		}
		if m.Retention.LegalHold == hold {
			out = *m
			return nil
		}
		m.Retention.LegalHold = hold
		next, err := o.persist(ctx, *m)
		if err != nil {
			return err
		}
		out = next
		o.logEvent(ctx, audit.EventLegalHoldChanged, next, "legal hold changed",
			map[string]string{"legal_hold": strconv.FormatBool(hold)})
		return nil
	})
	return out, err
}

// EnrichParticipants merges participants reported by the platform's call
// record into every recording of the call.
func (o *Orchestrator) EnrichParticipants(ctx context.Context, callID string, ps []Participant) error {
	if callID == "" || len(ps) == 0 {
		return nil
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
	for _, m := range recs {
		if m.Status == StatusDeleted {
			continue
		}
		merged, changed := mergeParticipants(m.Participants, ps)
		if !changed {
			continue
		}
		m.Participants = merged
		if _, err := o.persist(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func mergeParticipants(have, add []Participant) ([]Participant, bool) {
	idx := make(map[string]int, len(have))
	out := append([]Participant(nil), have...)
	for i, p := range out {
		idx[p.ID] = i
	}
	changed := false
	for _, p := range add {
		if p.ID == "" {
			continue
		}
		i, ok := idx[p.ID]
		if !ok {
			idx[p.ID] = len(out)
			out = append(out, p)
			changed = true
			continue
		}
		if out[i].DisplayName == "" && p.DisplayName != "" {
			out[i].DisplayName = p.DisplayName
			changed = true
		}
	}
	return out, changed
}

func (o *Orchestrator) newMetadata(id string, mt Meeting) Metadata {
	now := o.now().UTC()
	days := mt.RetentionDays
	if days == 0 {
		days = o.opts.DefaultRetentionDays
	}
	return Metadata{
		ID:           id,
		CallID:       mt.CallID,
		TenantID:     mt.TenantID,
		MeetingID:    mt.MeetingID,
		Subject:      mt.Subject,
		BlobPath:     mt.TenantID + "/" + mt.CallID + "/" + id,
		Participants: append([]Participant(nil), mt.Participants...),
		Retention: RetentionPolicy{
			RetentionDays:  days,
			ExpirationDate: now.AddDate(0, 0, days),
			AutoDelete:     o.opts.AutoDelete,
			PolicyVersion:  o.opts.PolicyVersion,
		},
		Encryption: EncryptionInfo{Algorithm: "AES256", AtRest: true},
		CreatedAt:  now,
	}
}

// persist writes m as the next version and drops any cached copy.
func (o *Orchestrator) persist(ctx context.Context, m Metadata) (Metadata, error) {
	m.Version++
	m.UpdatedAt = o.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	if err := o.store.Save(ctx, m); err != nil {
		return Metadata{}, err
	}
	o.cache.Invalidate(ctx, m.ID)
	o.cache.InvalidateCall(ctx, m.CallID)
	return m, nil
}

// withRecording runs fn on the freshest copy of a recording under its call lock.
func (o *Orchestrator) withRecording(ctx context.Context, id string, fn func(m *Metadata) error) error {
	if id == "" {
		return fmt.Errorf("%w: recording id is required", ErrValidation)
	}
	head, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := o.locker.Lock(ctx, head.CallID)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(&m)
}

func (o *Orchestrator) activeFor(ctx context.Context, callID string) (Metadata, bool, error) {
	recs, err := o.store.ListByCall(ctx, callID)
	if err != nil {
		return Metadata{}, false, err
	}
	for _, m := range recs {
		if m.Status.Active() {
			return m, true, nil
		}
	}
	return Metadata{}, false, nil
}

func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapacity, err)
	}
	if o.gate != nil {
		got, err := o.gate.Acquire(ctx)
		if err != nil || !got {
			o.sem.Release(1)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCapacity, err)
			}
			return nil, ErrCapacity
		}
	}
	o.metrics.RecordingsActive.Inc()
	return func() {
		o.metrics.RecordingsActive.Dec()
		if o.gate != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			o.gate.Release(ctx)
			cancel()
		}
		o.sem.Release(1)
	}, nil
}

func (o *Orchestrator) retryPlatform(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return o.opts.Retry.do(ctx, op, o.metrics, o.log, fn)
}

func (o *Orchestrator) subscribeAvailability(ctx context.Context, m Metadata) []string {
	if o.subscriber == nil {
		return nil
	}
	meeting := m.MeetingID
	if meeting == "" {
		meeting = m.CallID
	}
	var ids []string
	for _, kind := range []string{"recordings", "transcripts"} {
		resource := "communications/onlineMeetings/" + meeting + "/" + kind
		id, err := o.subscriber.CreateSubscription(ctx, resource, []string{"created"}, "")
		if err != nil {
			o.log.Warn("availability subscription failed", "call_id", m.CallID, "resource", resource, "err", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) unsubscribeAvailability(ctx context.Context, m *Metadata) {
	if o.subscriber == nil || len(m.AvailabilitySubscriptions) == 0 {
		return
	}
	for _, id := range m.AvailabilitySubscriptions {
		if _, err := o.subscriber.DeleteSubscription(ctx, id); err != nil {
			o.log.Warn("remove availability subscription failed", "subscription_id", id, "err", err)
		}
	}
	m.AvailabilitySubscriptions = nil
}

func (o *Orchestrator) logEvent(ctx context.Context, t audit.EventType, m Metadata, msg string, details map[string]string) {
	o.audit.LogEvent(ctx, t, audit.EventContext{
		TenantID:    m.TenantID,
		CallID:      m.CallID,
		RecordingID: m.ID,
		Message:     msg,
		Details:     details,
	})
}

func (o *Orchestrator) publish(ctx context.Context, m Metadata, reason string) {
	err := o.events.PublishRecording(ctx, events.RecordingEvent{
		RecordingID: m.ID,
		CallID:      m.CallID,
		TenantID:    m.TenantID,
		Status:      string(m.Status),
		Reason:      reason,
		OccurredAt:  o.now().UTC(),
	})
	if err != nil {
		o.log.Warn("publish recording event failed", "recording_id", m.ID, "err", err)
	}
}

func (o *Orchestrator) finish(span trace.Span, op string, started time.Time, res Result) {
	span.SetAttributes(attribute.String("recording.code", string(res.Code)))
	if res.RecordingID != "" {
		span.SetAttributes(attribute.String("recording.id", res.RecordingID))
	}
	if !res.Success {
		span.SetStatus(codes.Error, res.Message)
	}
	span.End()
	o.metrics.ObserveRecording(op, string(res.Code), started)
}
