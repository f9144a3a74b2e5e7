package core

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"quotebid/internal/types"
)

// adminKeyHeader is the header carrying the static admin API key.
const adminKeyHeader = "X-Admin-Api-Key"

// authPublicPaths lists URL paths that are exempt from admin authentication.
// The Stripe webhook authenticates with its own signature check instead.
var authPublicPaths = map[string]bool{
	"/health":             true,
	"/metrics":            true,
	"/v1/webhooks/stripe": true,
}

// AdminAuthMiddleware guards the admin API with a static API key.
//
// The key is accepted either in the X-Admin-Api-Key header or as a Bearer
// token in the Authorization header. Comparison is constant-time to avoid
// leaking key prefixes through response timing.
//
// Returns 401 with distinct error codes:
//   - auth_api_key_missing: no key supplied.
//   - auth_api_key_invalid: key supplied but wrong.
//
// If no admin key is configured (e.g., during tests), the middleware passes
// through without authentication.
func (s *Server) AdminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		configuredKey := ""
		if s.Config != nil {
			configuredKey = s.Config.Security.AdminAPIKey.Unmask()
		}
		if configuredKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		if authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		presented := extractAdminKey(r)
		if presented == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthKeyMissing, "Admin API key is required")
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(configuredKey)) != 1 {
			s.Logger.Warn("admin authentication failed",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			s.writeAuthError(w, r, types.ErrCodeAuthKeyInvalid, "Invalid admin API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractAdminKey pulls the presented admin key from the request, preferring
// the dedicated header over the Authorization Bearer form.
func extractAdminKey(r *http.Request) string {
	if key := r.Header.Get(adminKeyHeader); key != "" {
		return key
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// extractBearerToken parses the Authorization header value and returns the
// token string. It expects the format "Bearer <token>" (case-insensitive
// scheme per RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// writeAuthError writes a 401 Unauthorized JSON response with the given code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	requestID := types.GetRequestID(r.Context())
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: requestID,
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}
