package subscriptions

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/metrics"
	"compliance-recorder/internal/telephony"
)

// ManagerConfig carries the notification endpoint and subscription lifetime.
type ManagerConfig struct {
	NotificationURL string
	// LifecycleURL receives reauthorization/removal notices; defaults to NotificationURL.
	LifecycleURL string
	Lifetime     time.Duration
	// ClientState is used when CreateSubscription is called without one.
	ClientState string
}

// Manager registers, renews and deletes platform subscriptions and keeps the
// local view in Store consistent with the platform.
type Manager struct {
	provider telephony.Provider
	store    Store
	cfg      ManagerConfig
	audit    *audit.Service
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    func() time.Time

	// mu serializes create/replace so one (resource, changeTypes) never has two records.
	mu sync.Mutex
}

func NewManager(p telephony.Provider, store Store, cfg ManagerConfig, auditSvc *audit.Service, m *metrics.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Discard()
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 4230 * time.Minute
	}
	if cfg.LifecycleURL == "" {
		cfg.LifecycleURL = cfg.NotificationURL
	}
	return &Manager{
		provider: p,
		store:    store,
		cfg:      cfg,
		audit:    auditSvc,
		metrics:  m,
		log:      log.With("component", "subscriptions"),
		clock:    time.Now,
	}
}

// CreateSubscription registers a subscription and replaces any local record for
// the same (resource, changeTypes). A local persistence failure is logged only.
func (m *Manager) CreateSubscription(ctx context.Context, resource string, changeTypes []string, clientState string) (string, error) {
	changeTypes = normalizeChangeTypes(changeTypes)
	if strings.TrimSpace(resource) == "" || len(changeTypes) == 0 {
		return "", fmt.Errorf("%w: resource and change types are required", ErrInvalid)
	}
	if m.cfg.NotificationURL == "" {
		return "", fmt.Errorf("%w: notification url is not configured", ErrInvalid)
	}
	if clientState == "" {
		clientState = m.cfg.ClientState
	}
	if clientState == "" {
		cs, err := newClientState()
		if err != nil {
			return "", err
		}
		clientState = cs
	}

	now := m.clock().UTC()
	remote, err := m.provider.CreateSubscription(ctx, telephony.SubscriptionRequest{
		Resource:                 resource,
		ChangeTypes:              changeTypes,
		NotificationURL:          m.cfg.NotificationURL,
		LifecycleNotificationURL: m.cfg.LifecycleURL,
		ClientState:              clientState,
		ExpiresAt:                now.Add(m.cfg.Lifetime),
	})
	if err != nil {
		return "", &RegistrationError{Resource: resource, Err: err}
	}

	sub := Subscription{
		ID:              remote.ID,
		Resource:        resource,
		ChangeTypes:     changeTypes,
		ExpiresAt:       remote.ExpiresAt,
		ClientState:     clientState,
		NotificationURL: m.cfg.NotificationURL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sub.ExpiresAt.IsZero() {
		sub.ExpiresAt = now.Add(m.cfg.Lifetime)
	}

	m.mu.Lock()
	m.replaceLocal(ctx, sub)
	m.mu.Unlock()

	m.log.Info("subscription created", "subscription_id", sub.ID, "resource", resource, "expires_at", sub.ExpiresAt)
	m.audit.LogEvent(ctx, audit.EventSubscriptionCreated, audit.EventContext{
		Details: map[string]string{"subscription_id": sub.ID, "resource": resource},
	})
	return sub.ID, nil
}

// replaceLocal drops prior records for sub's key and saves sub. Caller holds mu.
func (m *Manager) replaceLocal(ctx context.Context, sub Subscription) {
	existing, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("subscription store list failed", "err", err)
	}
	for _, old := range existing {
		if old.ID == sub.ID || old.Key() != sub.Key() {
			continue
		}
		if err := m.store.Delete(ctx, old.ID); err != nil {
			m.log.Warn("subscription store delete failed", "subscription_id", old.ID, "err", err)
		}
		// The replaced registration would otherwise keep delivering duplicates.
		if err := m.provider.DeleteSubscription(ctx, old.ID); err != nil && !telephony.IsNotFound(err) {
			m.log.Warn("replaced subscription delete failed", "subscription_id", old.ID, "err", err)
		}
	}
	if err := m.store.Save(ctx, sub); err != nil {
		m.log.Error("subscription store save failed", "subscription_id", sub.ID, "err", err)
	}
}

// RenewSubscription extends expiry by the configured lifetime. When the platform
// no longer knows id, the local record is purged and (false, nil) is returned.
func (m *Manager) RenewSubscription(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	now := m.clock().UTC()
	remote, err := m.provider.RenewSubscription(ctx, id, now.Add(m.cfg.Lifetime))
	if err != nil {
		if telephony.IsNotFound(err) {
			m.purge(ctx, id, "not_found")
			m.metrics.SubscriptionRenewalsTotal.WithLabelValues("dropped").Inc()
			return false, nil
		}
		m.metrics.SubscriptionRenewalsTotal.WithLabelValues("failed").Inc()
		return false, err
	}

	sub, err := m.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.log.Warn("subscription store get failed", "subscription_id", id, "err", err)
		}
		sub = Subscription{
			ID:              id,
			Resource:        remote.Resource,
			ChangeTypes:     normalizeChangeTypes(remote.ChangeTypes),
			NotificationURL: remote.NotificationURL,
			ClientState:     remote.ClientState,
			CreatedAt:       now,
		}
	}
	sub.ExpiresAt = remote.ExpiresAt
	if sub.ExpiresAt.IsZero() {
		sub.ExpiresAt = now.Add(m.cfg.Lifetime)
	}
	sub.UpdatedAt = now
	if err := m.store.Save(ctx, sub); err != nil {
		m.log.Error("subscription store save failed", "subscription_id", id, "err", err)
	}

	m.metrics.SubscriptionRenewalsTotal.WithLabelValues("renewed").Inc()
	m.log.Info("subscription renewed", "subscription_id", id, "expires_at", sub.ExpiresAt)
	m.audit.LogEvent(ctx, audit.EventSubscriptionRenewed, audit.EventContext{
		Details: map[string]string{"subscription_id": id, "expires_at": sub.ExpiresAt.Format(time.RFC3339)},
	})
	return true, nil
}

// DeleteSubscription removes the subscription remotely and locally. Deleting
// an unknown id succeeds.
func (m *Manager) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if err := m.provider.DeleteSubscription(ctx, id); err != nil && !telephony.IsNotFound(err) {
		return false, err
	}
	m.purge(ctx, id, "deleted")
	return true, nil
}

func (m *Manager) purge(ctx context.Context, id, reason string) {
	if err := m.store.Delete(ctx, id); err != nil {
		m.log.Warn("subscription store delete failed", "subscription_id", id, "err", err)
	}
	m.log.Info("subscription removed", "subscription_id", id, "reason", reason)
	m.audit.LogEvent(ctx, audit.EventSubscriptionRemoved, audit.EventContext{
		Details: map[string]string{"subscription_id": id, "reason": reason},
	})
}

// ListActiveSubscriptions merges the platform's live list with local records.
// Remote data wins; local records the platform no longer has are purged and
// remote-only records are saved locally. If the platform cannot be reached the
// local view is returned.
func (m *Manager) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	subs, err := m.merged(ctx)
	if err != nil {
		return nil, err
	}
	return activeOnly(subs, m.clock().UTC()), nil
}

// merged reconciles the local store with the platform and returns every known
// subscription, expired ones included. A failing store is treated as empty.
func (m *Manager) merged(ctx context.Context) ([]Subscription, error) {
	now := m.clock().UTC()
	local, localErr := m.store.List(ctx)
	if localErr != nil {
		m.log.Warn("subscription store list failed, using remote view", "err", localErr)
	}
	localByID := make(map[string]Subscription, len(local))
	for _, s := range local {
		localByID[s.ID] = s
	}

	remote, err := m.provider.ListSubscriptions(ctx)
	if err != nil {
		if localErr != nil {
			return nil, errors.Join(localErr, err)
		}
		m.log.Warn("remote subscription list failed, serving local view", "err", err)
		return local, nil
	}

	out := make([]Subscription, 0, len(remote))
	for _, r := range remote {
		prev, known := localByID[r.ID]
		delete(localByID, r.ID)
		s := prev
		if !known {
			s = Subscription{ID: r.ID, CreatedAt: now}
		}
		if r.Resource != "" {
			s.Resource = r.Resource
		}
		if len(r.ChangeTypes) > 0 {
			s.ChangeTypes = normalizeChangeTypes(r.ChangeTypes)
		}
		if r.NotificationURL != "" {
			s.NotificationURL = r.NotificationURL
		}
		if !r.ExpiresAt.IsZero() {
			s.ExpiresAt = r.ExpiresAt
		}
		if s.ClientState == "" {
			s.ClientState = r.ClientState
		}
		if !known || !sameRecord(prev, s) {
			s.UpdatedAt = now
			if err := m.store.Save(ctx, s); err != nil {
				m.log.Warn("subscription store save failed", "subscription_id", s.ID, "err", err)
			}
		}
		out = append(out, s)
	}
	for id := range localByID {
		m.purge(ctx, id, "missing_remote")
	}
	return out, nil
}

func sameRecord(a, b Subscription) bool {
	return a.Key() == b.Key() &&
		a.NotificationURL == b.NotificationURL &&
		a.ClientState == b.ClientState &&
		a.ExpiresAt.Equal(b.ExpiresAt)
}

// HasActiveSubscription reports whether an unexpired local subscription covers resourceType.
func (m *Manager) HasActiveSubscription(ctx context.Context, resourceType string) bool {
	subs, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("subscription store list failed", "err", err)
		return false
	}
	now := m.clock()
	for _, s := range subs {
		if s.ActiveAt(now) && (s.Resource == resourceType || strings.HasPrefix(s.Resource, resourceType+"/")) {
			return true
		}
	}
	return false
}

// EnsureSubscriptions creates any required subscription that has no active local record.
func (m *Manager) EnsureSubscriptions(ctx context.Context, required []Required) error {
	subs, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("subscription store list failed", "err", err)
	}
	now := m.clock()
	have := map[string]bool{}
	for _, s := range subs {
		if s.ActiveAt(now) {
			have[s.Key()] = true
		}
	}

	var errs []error
	for _, r := range required {
		if have[subscriptionKey(r.Resource, r.ChangeTypes)] {
			continue
		}
		if _, err := m.CreateSubscription(ctx, r.Resource, r.ChangeTypes, ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Expiring returns subscriptions whose expiry falls before now+within, taken
// from the reconciled platform view.
func (m *Manager) Expiring(ctx context.Context, now time.Time, within time.Duration) ([]Subscription, error) {
	subs, err := m.merged(ctx)
	if err != nil {
		return nil, err
	}
	var out []Subscription
	for _, s := range subs {
		if s.ExpiresAt.Before(now.Add(within)) {
			out = append(out, s)
		}
	}
	return out, nil
}

// DeleteAll removes every locally tracked subscription; used on shutdown.
func (m *Manager) DeleteAll(ctx context.Context) error {
	subs, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range subs {
		if _, err := m.DeleteSubscription(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// VerifyClientState compares state with the secret registered for
// subscriptionID in constant time. Unknown subscriptions are checked against
// the configured default secret.
func (m *Manager) VerifyClientState(ctx context.Context, subscriptionID, state string) bool {
	expected := m.cfg.ClientState
	if subscriptionID != "" {
		if s, err := m.store.Get(ctx, subscriptionID); err == nil && s.ClientState != "" {
			expected = s.ClientState
		}
	}
	if expected == "" || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(state)) == 1
}

func activeOnly(subs []Subscription, now time.Time) []Subscription {
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if s.ActiveAt(now) {
			out = append(out, s)
		}
	}
	return out
}

func newClientState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("subscriptions: client state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
