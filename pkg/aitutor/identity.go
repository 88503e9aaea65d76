package aitutor

import "context"

// Identity supplies the caller's user id for quota scoping.
type Identity interface {
	// UserID returns the caller's id, or ErrUnauthenticated
	UserID(ctx context.Context) (string, error)
}

type userIDKey struct{}

// WithUserID returns a context carrying userID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the user id stored by WithUserID
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey{}).(string)
	return userID, ok && userID != ""
}

// ContextIdentity reads the user id placed in the context by WithUserID,
// typically by an HTTP middleware.
type ContextIdentity struct{}

func (ContextIdentity) UserID(ctx context.Context) (string, error) {
	if userID, ok := UserIDFromContext(ctx); ok {
		return userID, nil
	}
	return "", ErrUnauthenticated
}

// IdentityFunc adapts a function to Identity
type IdentityFunc func(ctx context.Context) (string, error)

func (f IdentityFunc) UserID(ctx context.Context) (string, error) {
	return f(ctx)
}
