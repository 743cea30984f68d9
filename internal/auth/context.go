package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity is returned when a request context carries no verified
// identity, or the requested field of it is empty.
var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the verified caller behind an admin API request.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, userID, tenantID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, TenantID: tenantID, Role: role})
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) (string, error) {
	return field(ctx, func(id Identity) string { return id.UserID })
}

func TenantID(ctx context.Context) (string, error) {
	return field(ctx, func(id Identity) string { return id.TenantID })
}

func Role(ctx context.Context) (string, error) {
	return field(ctx, func(id Identity) string { return id.Role })
}

func field(ctx context.Context, pick func(Identity) string) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", ErrNoIdentity
	}
	if v := pick(id); v != "" {
		return v, nil
	}
	return "", ErrNoIdentity
}
