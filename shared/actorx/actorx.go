package actorx

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// ActorContext is the resolved yard user behind a request, looked up from
// the token subject after authentication.
type ActorContext struct {
	ID      uuid.UUID
	Subject string
	Role    string
	Name    string
	OnShift bool
	OnBreak bool
}

func WithActor(ctx context.Context, actor ActorContext) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

func FromContext(ctx context.Context) (ActorContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(ActorContext); ok {
			return a, true
		}
	}
	return ActorContext{}, false
}

// ActorIDFromContext returns the actor's user id for log attribution, or ""
// when the request is unauthenticated.
func ActorIDFromContext(ctx context.Context) string {
	if a, ok := FromContext(ctx); ok && a.ID != uuid.Nil {
		return a.ID.String()
	}
	return ""
}

func RoleFromContext(ctx context.Context) string {
	if a, ok := FromContext(ctx); ok {
		return a.Role
	}
	return ""
}
