// Package events fans recording lifecycle changes out to NATS JetStream so
// downstream archivers and dashboards can follow them without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"compliance-recorder/internal/metrics"
)

const (
	StreamName    = "RECORDINGS"
	subjectPrefix = "recorder.recording."
)

// RecordingEvent describes one recording status change.
type RecordingEvent struct {
	RecordingID string    `json:"recordingId"`
	CallID      string    `json:"callId"`
	TenantID    string    `json:"tenantId,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher publishes recording events. Implementations must not block the
// recording path for long; errors are informational.
type Publisher interface {
	PublishRecording(ctx context.Context, ev RecordingEvent) error
	Close() error
}

// Envelope is the wire format on every subject.
type Envelope struct {
	Type          string         `json:"type"`
	Version       string         `json:"version"`
	OccurredAt    time.Time      `json:"occurredAt"`
	CorrelationID string         `json:"correlationId"`
	Payload       RecordingEvent `json:"payload"`
}

// Subject returns the subject for a recording status, e.g. recorder.recording.completed.
func Subject(status string) string {
	return subjectPrefix + strings.ToLower(status)
}

type noop struct{}

func (noop) PublishRecording(ctx context.Context, ev RecordingEvent) error { return nil }
func (noop) Close() error                                                  { return nil }

// Noop returns a Publisher that drops every event.
func Noop() Publisher { return noop{} }

type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext
	m  *metrics.Metrics
}

// NewPublisher connects to url and ensures the RECORDINGS stream. An empty url
// or any connection failure yields a no-op publisher.
func NewPublisher(url string, m *metrics.Metrics, log *slog.Logger) Publisher {
	if log == nil {
		log = slog.Default()
	}
	if url == "" {
		return noop{}
	}
	nc, err := nats.Connect(url, nats.Name("compliance-recorder"), nats.Timeout(5*time.Second))
	if err != nil {
		log.Warn("nats connect failed, using noop publisher", "err", err)
		return noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		log.Warn("nats jetstream context failed, using noop publisher", "err", err)
		nc.Close()
		return noop{}
	}
	if err := ensureStream(js); err != nil {
		log.Warn("nats stream init failed, using noop publisher", "err", err)
		nc.Close()
		return noop{}
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &natsPub{nc: nc, js: js, m: m}
}

func ensureStream(js nats.JetStreamContext) error {
	cfg := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + "*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	}
	if _, err := js.StreamInfo(StreamName); err == nil {
		_, err = js.UpdateStream(cfg)
		return err
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("create %s stream: %w", StreamName, err)
	}
	return nil
}

func (p *natsPub) PublishRecording(ctx context.Context, ev RecordingEvent) error {
	b, err := json.Marshal(newEnvelope(ev))
	if err != nil {
		return err
	}
	subject := Subject(ev.Status)
	// Msg id lets JetStream drop duplicates of the same transition.
	_, err = p.js.Publish(subject, b, nats.Context(ctx), nats.MsgId(ev.RecordingID+":"+ev.Status))
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.m.EventPublishTotal.WithLabelValues(subject, status).Inc()
	return err
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

func newEnvelope(ev RecordingEvent) Envelope {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return Envelope{
		Type:          Subject(ev.Status),
		Version:       "1.0.0",
		OccurredAt:    ev.OccurredAt,
		CorrelationID: uuid.NewString(),
		Payload:       ev,
	}
}

// MemoryPublisher keeps published events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []RecordingEvent
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) PublishRecording(ctx context.Context, ev RecordingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

func (p *MemoryPublisher) Events() []RecordingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecordingEvent(nil), p.events...)
}
