package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware guards the admin namespaces with the configured bearer
// token. Gateway traffic, health, metrics and the client window socket stay
// open. Without a token it returns next unchanged.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requiresAuth(r.URL.Path) {
			got, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token, ok && token != ""
}

func requiresAuth(path string) bool {
	switch path {
	case healthPath, metricsPath, clientsPath:
		return false
	}
	return isAdminPath(path)
}
