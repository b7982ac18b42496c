package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/docloader/download"
)

// requireServiceKey wraps a handler that needs the service key. The key is
// accepted as a Bearer token or in the apikey header, the two forms Supabase
// clients send. When ServiceKey is empty the handler is returned unchanged.
func (s *Server) requireServiceKey(next http.HandlerFunc) http.HandlerFunc {
	if s.config.ServiceKey == "" {
		return next
	}

	keyBytes := []byte(s.config.ServiceKey)

	return func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("apikey")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), keyBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next(w, r)
	}
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	download.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
