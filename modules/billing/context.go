package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/quillchat/billing/core"
)

type ctxKey int

const userIDKey ctxKey = iota

// userIDHeader carries the authenticated user identity, set by the upstream
// API gateway after it validates the session.
const userIDHeader = "X-User-ID"

// WithUserID returns a context carrying the authenticated user ID.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext extracts the authenticated user ID, if present.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// RequireUser rejects requests without a valid user identity header and
// injects the parsed ID into the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(userIDHeader))
		if err != nil {
			render(w, r, core.JSONError(core.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
	})
}
