package auth

import "context"

type claimsKey struct{}

// WithClaims attaches verified API claims to a request context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// UserIDFromContext is the caller's user id, or "" on an unauthenticated
// context.
func UserIDFromContext(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.UserID
	}
	return ""
}
