package api

import (
	"net/http"
	"strings"
)

// AuthMiddleware rejects requests that carry neither a matching bearer token
// nor a matching ?token= query parameter. An empty configured token disables
// auth entirely.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || authorized(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

// authorized accepts the token from the Authorization header or, for SSE
// clients that cannot set headers, from the token query parameter.
func authorized(r *http.Request, token string) bool {
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer == token
	}
	return r.URL.Query().Get("token") == token
}
