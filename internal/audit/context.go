package audit

import "context"

// Actor identifies who triggered an admin action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

type actorKey struct{}

// WithActor attaches the acting user so events logged further down the call
// chain are attributed without threading it through every signature.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
