package auth

import (
	"context"
)

// Identity is the authenticated caller. WorkerID is set only for worker tokens.
type Identity struct {
	Subject  string
	Email    string
	Roles    []string
	WorkerID string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// Actor names the identity in audit rows.
func (i Identity) Actor() string {
	switch {
	case i.WorkerID != "":
		return "worker:" + i.WorkerID
	case i.Email != "":
		return i.Email
	case i.Subject != "":
		return i.Subject
	default:
		return "system"
	}
}
