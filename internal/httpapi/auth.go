package httpapi

import (
	"net"
	"net/http"
	"strings"
)

// Auth failure reason codes, returned in the 401 body.
const (
	ReasonInvalidOrMissingKey   = "invalid_or_missing_api_key"
	ReasonKeyNotConfigured      = "api_key_not_configured"
	ReasonInsecureLocalLoopback = "insecure_local_override_requires_loopback"

	headerAPIKey = "X-MCP-API-Key"
)

// requireAPIKey guards every maintenance write. The key arrives as
// X-MCP-API-Key or a bearer token. When no key is configured, the insecure
// local override admits loopback clients only.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := presentedKey(r)

		if s.apiKey != "" {
			if presented == s.apiKey {
				next.ServeHTTP(w, r)
				return
			}
			s.unauthorized(w, ReasonInvalidOrMissingKey)
			return
		}

		if s.allowInsecureLocal {
			if isLoopback(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			s.unauthorized(w, ReasonInsecureLocalLoopback)
			return
		}

		s.unauthorized(w, ReasonKeyNotConfigured)
	})
}

func presentedKey(r *http.Request) string {
	if key := r.Header.Get(headerAPIKey); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) unauthorized(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": reason})
}
