package subscriptions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Subscription is the locally tracked view of a platform change-notification
// subscription. At most one is tracked per (Resource, ChangeTypes).
type Subscription struct {
	ID              string    `json:"id"`
	Resource        string    `json:"resource"`
	ChangeTypes     []string  `json:"changeTypes"`
	ExpiresAt       time.Time `json:"expiresAt"`
	ClientState     string    `json:"clientState"`
	NotificationURL string    `json:"notificationUrl"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Key identifies the (resource, change-type set) pair.
func (s Subscription) Key() string {
	return subscriptionKey(s.Resource, s.ChangeTypes)
}

func (s Subscription) ActiveAt(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// Required describes a subscription that must exist for the recorder to work.
type Required struct {
	Resource    string
	ChangeTypes []string
}

// DefaultRequired returns the subscriptions bootstrapped for each resource.
func DefaultRequired(resources []string) []Required {
	out := make([]Required, 0, len(resources))
	for _, r := range resources {
		ct := []string{"created", "updated", "deleted"}
		if strings.HasPrefix(r, "communications/callRecords") {
			ct = []string{"created"}
		}
		out = append(out, Required{Resource: r, ChangeTypes: ct})
	}
	return out
}

var (
	ErrNotFound = errors.New("subscriptions: not found")
	ErrInvalid  = errors.New("subscriptions: invalid request")
)

// RegistrationError is returned when the platform refuses or fails a registration.
type RegistrationError struct {
	Resource string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("subscriptions: register %s: %v", e.Resource, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

func subscriptionKey(resource string, changeTypes []string) string {
	ct := normalizeChangeTypes(changeTypes)
	return resource + "|" + strings.Join(ct, ",")
}

func normalizeChangeTypes(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
