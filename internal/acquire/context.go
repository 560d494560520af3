package acquire

import "context"

type contextKey string

const userIDContextKey contextKey = "signedInUserID"

// WithUserID returns a context carrying the signed-in user's identifier.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserIDFromContext returns the signed-in user's identifier, or "".
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	userID, _ := ctx.Value(userIDContextKey).(string)
	return userID
}
