package authz

import (
	"context"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

type callerCtxKey struct{}

// WithCaller returns a new context carrying the authenticated principal.
func WithCaller(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, p)
}

// CallerFromContext returns the authenticated principal, or "" and false when
// the request carried no identity.
func CallerFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(callerCtxKey{}).(domain.Principal)
	return p, ok && p != ""
}
