// ABOUTME: Carries the verified caller through request handlers
// ABOUTME: WithAuth/FromContext store and fetch the token claims on a context

package auth

import (
	"context"
)

type authContextKey struct{}

// WithAuth returns a new context with the claims attached.
func WithAuth(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, authContextKey{}, claims)
}

// FromContext retrieves the claims from the context, returning nil if not present.
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(authContextKey{}).(*Claims)
	return claims
}
