package telephony

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Kind classifies platform failures so callers can decide between retry,
// purge and surface.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
	KindInvalid    Kind = "invalid"
)

// Error is returned by every Provider method.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("telephony: %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("telephony: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// KindForStatus maps an HTTP status from the platform to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

// classifyTransport turns a transport-level error into a *Error.
func classifyTransport(op string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		kind := KindForStatus(re.Response.StatusCode)
		if kind == KindInvalid || kind == KindNotFound {
			// A rejected token request means bad credentials, not a bad call.
			kind = KindPermission
		}
		return &Error{Kind: kind, Op: op, Status: re.Response.StatusCode, Err: err}
	}
	// Timeouts, resets and unknown transport failures are all retryable.
	return NewError(KindTransient, op, err)
}
