package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"incident-desk/config"
	"incident-desk/core/apperr"
	"incident-desk/core/audit"
	"incident-desk/core/auth"
	"incident-desk/core/metrics"
	"incident-desk/core/rbac"
	"incident-desk/core/utils"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 64
)

type requestInfoKey struct{}

// requestInfo is shared by the outer middlewares and filled in by inner ones,
// so the access log can see the authenticated user.
type requestInfo struct {
	ID     string
	UserID int64
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

func (s *Server) requestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > maxRequestIDLength {
			id = utils.NewULID()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{ID: id})
		ctx = audit.WithClientIP(ctx, s.clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, messageBody("server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if isHTTPSRequest(r, s.cfg) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"dur", time.Since(start).String(),
			"bytes", rec.size,
		}
		if info := requestInfoFrom(r.Context()); info != nil {
			args = append(args, "request_id", info.ID)
			if info.UserID > 0 {
				args = append(args, "user_id", info.UserID)
			}
		}
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Event(r.Context(), level, "http request", args...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// globalRateLimitMiddleware caps the whole process, not individual clients.
func (s *Server) globalRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.globalLimiter != nil && !s.globalLimiter.Allow() {
			metrics.RateLimited.Inc()
			writeJSON(w, http.StatusTooManyRequests, messageBody("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newGlobalLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if !cfg.Enabled || cfg.Requests <= 0 {
		return nil
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(cfg.Requests)), cfg.Requests)
}

func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.logger.Printf("AUTH fail (missing token) %s %s", r.Method, r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, messageBody("authentication token required"))
			return
		}
		user, err := s.sessionManager.VerifySession(r.Context(), raw)
		if err != nil {
			s.logger.Printf("AUTH fail %s %s: %v", r.Method, r.URL.Path, err)
			s.respondAuthError(w, r, err)
			return
		}
		if info := requestInfoFrom(r.Context()); info != nil {
			info.UserID = user.ID
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, messageBody(apperr.Message(err, "unauthorized")))
	case errors.Is(err, apperr.ErrForbidden):
		writeJSON(w, http.StatusForbidden, messageBody(apperr.Message(err, "forbidden")))
	default:
		s.logger.Errorf("session check %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, messageBody("server error"))
	}
}

func (s *Server) requirePermission(perm rbac.Permission) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			user, ok := auth.UserFromContext(r.Context())
			if !ok {
				s.logger.Printf("PERM fail (no session) %s %s need=%s", r.Method, r.URL.Path, perm)
				writeJSON(w, http.StatusUnauthorized, messageBody("authentication token required"))
				return
			}
			if !s.policy.Allowed([]string{user.Role}, perm) {
				s.logger.Printf("PERM fail %s %s user=%d role=%s need=%s", r.Method, r.URL.Path, user.ID, user.Role, perm)
				writeJSON(w, http.StatusForbidden, messageBody("access denied"))
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

func messageBody(msg string) map[string]string {
	return map[string]string{"message": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
