package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CookieName holds the opaque per-browser session identifier.
const CookieName = "flow_session"

type sessionKey struct{}

// Session assigns each browser an opaque session identifier, stable across
// requests via cookie, and installs it on the request context.
func Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
			id = cookie.Value
		} else {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionID extracts the identifier installed by Session, or "" if absent.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
