package middleware

import (
	"net/http"

	"github.com/pbinitiative/zensbpm/internal/appcontext"
)

// User extracts the calling user from the X-User-Id header (or the userId
// query parameter as a fallback) and stores it in the request context.
// Authentication itself happens upstream; the engine only needs identity.
func User() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userId := r.Header.Get("X-User-Id")
			if userId == "" {
				userId = r.URL.Query().Get("userId")
			}
			if userId != "" {
				r = r.WithContext(appcontext.WithUser(r.Context(), userId))
			}
			next.ServeHTTP(w, r)
		})
	}
}
