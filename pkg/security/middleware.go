package security

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
)

// Middleware wraps the webhook endpoint with request logging, panic recovery,
// source filtering, rate limiting and security headers. rl and sources may be nil.
// With trustProxy the sender address is taken from X-Forwarded-For.
// Rejections use the same {"message": ...} body as the webhook handler.
func Middleware(rl *RateLimiter, sources *SourceValidator, trustProxy bool) func(http.Handler) http.Handler {
	clientIP := ClientIPFunc(trustProxy)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			logger.Debug("HTTP request", logger.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"ip":         ip,
				"user_agent": r.UserAgent(),
			})

			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Warn("panic recovered", logger.Fields{
						"panic": rec,
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					WriteJSONError(wrapped, http.StatusInternalServerError, "internal server error")
				}

				fields := logger.Fields{
					"status":   wrapped.statusCode,
					"path":     r.URL.Path,
					"ip":       ip,
					"duration": time.Since(start).String(),
				}
				if wrapped.statusCode >= 400 {
					fields["user_agent"] = r.UserAgent()
					logger.Warn("HTTP response error", fields)
					return
				}
				logger.Info("HTTP response", fields)
			}()

			if !sources.IsAllowed(ip) {
				logger.Warn("webhook from disallowed source", logger.Fields{"ip": ip, "path": r.URL.Path})
				WriteJSONError(wrapped, http.StatusForbidden, "forbidden")
				return
			}

			if rl != nil && !rl.Allow(ip) {
				logger.Warn("rate limit exceeded", logger.Fields{
					"ip":         ip,
					"path":       r.URL.Path,
					"user_agent": r.UserAgent(),
				})
				WriteJSONError(wrapped, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			wrapped.Header().Set("X-Content-Type-Options", "nosniff")
			wrapped.Header().Set("X-Frame-Options", "DENY")
			wrapped.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			next.ServeHTTP(wrapped, r)
		})
	}
}

// WriteJSONError writes {"message": msg} with the given status.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"message": msg})
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", logger.Fields{"status": status, "error": err.Error()})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}
