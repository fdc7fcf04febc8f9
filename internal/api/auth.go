package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/nerrad567/homecast-relay/internal/auth"
)

// ctxKeyUserID is the context key for the authenticated user id.
const ctxKeyUserID contextKey = "user_id"

// authMiddleware validates the listener bearer token on protected routes
// and stores the token subject in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret, auth.KindListener)
		if err != nil {
			s.logger.Debug("bearer token rejected", "error", err, "request_id", r.Context().Value(ctxKeyRequestID))
			writeUnauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// userFromContext returns the authenticated user id.
func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKeyUserID).(string) //nolint:errcheck // Absent means unauthenticated
	return userID
}
