package auth

import (
	"context"
	"net/http"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Authenticator resolves the caller identity for a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// ActorFromContext returns a stable actor string for audit rows, falling
// back to "anonymous" when no identity was attached.
func ActorFromContext(ctx context.Context) string {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.Subject == "" {
		return "anonymous"
	}
	return identity.Subject
}
