package core

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"quotebid/internal/types"
)

// defaultRateLimitWindow is the fixed window applied when the config does not
// specify one.
const defaultRateLimitWindow = time.Minute

// defaultRateLimitMax is the default maximum number of requests per window.
const defaultRateLimitMax = 120

// RateLimitStore abstracts the backing store for rate limiting.
// Production uses Redis fixed-window counters; tests use in-memory fakes.
type RateLimitStore interface {
	// IncrementAndCheck atomically increments the rate limit counter for the
	// given key and checks if the limit has been exceeded within the window.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is within the rate limit.
	Allowed bool
	// Remaining is the number of requests remaining in the current window.
	Remaining int
	// ResetAt is the time when the current rate limit window resets.
	ResetAt time.Time
}

// RateLimit enforces per-caller fixed-window limits through the backing store.
//
// The limit key is the caller's IP address; the admin API sits behind a
// single shared key, so per-key limiting would collapse to a global one.
//
// On every request (allowed or not), the middleware sets standard rate limit
// response headers:
//   - X-RateLimit-Limit: the maximum number of requests in the window.
//   - X-RateLimit-Remaining: the number of requests remaining.
//   - X-RateLimit-Reset: Unix timestamp when the window resets.
//
// When rate limited, the middleware also sets Retry-After.
//
// If no RateLimitStore is configured (e.g., during tests), the middleware
// passes through without rate limiting. On store errors it fails open so a
// Redis outage cannot block all admin traffic.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimitStore == nil {
			next.ServeHTTP(w, r)
			return
		}

		limit, window := s.rateLimitParams()
		key := clientIP(r)

		result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), key, limit, window)
		if err != nil {
			s.Logger.Error("rate limit store error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, limit, result)

		if !result.Allowed {
			s.Logger.Warn("rate limit exceeded",
				slog.String("key", key),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			requestID := types.GetRequestID(r.Context())
			resp := APIErrorResponse{
				Error: ErrorDetail{
					Code:      string(types.ErrCodeRateLimit),
					Message:   "Rate limit exceeded. Please retry after the reset time.",
					RequestID: requestID,
				},
			}
			JSON(w, r, http.StatusTooManyRequests, resp)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitParams resolves the configured limit and window, falling back to
// safe defaults.
func (s *Server) rateLimitParams() (int, time.Duration) {
	limit := defaultRateLimitMax
	window := defaultRateLimitWindow
	if s.Config != nil {
		if s.Config.Redis.RateLimitRequests > 0 {
			limit = s.Config.Redis.RateLimitRequests
		}
		if s.Config.Redis.RateLimitWindow > 0 {
			window = s.Config.Redis.RateLimitWindow
		}
	}
	return limit, window
}

// clientIP extracts the caller's IP from RemoteAddr, dropping the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setRateLimitHeaders writes the standard X-RateLimit-* headers.
func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
