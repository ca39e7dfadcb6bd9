package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"incident-desk/core/metrics"
	"incident-desk/core/utils"
)

const (
	loginPayloadMaxBytes = 64 * 1024
	throttleIdleAfter    = 10 * time.Minute
	throttleSweepEvery   = time.Minute
	throttleMaxKeys      = 10000
)

// loginThrottle hands out a fixed allowance of sign-in attempts per key and
// restores it in full once window has passed since it was last restored.
type loginThrottle struct {
	mu         sync.Mutex
	attempts   map[string]*attemptWindow
	allowance  int
	window     time.Duration
	idleAfter  time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
	maxKeys    int
}

type attemptWindow struct {
	left      int
	openedAt  time.Time
	touchedAt time.Time
}

func newLoginThrottle(allowance int, window time.Duration) *loginThrottle {
	return &loginThrottle{
		attempts:   make(map[string]*attemptWindow),
		allowance:  allowance,
		window:     window,
		idleAfter:  throttleIdleAfter,
		sweepEvery: throttleSweepEvery,
		maxKeys:    throttleMaxKeys,
	}
}

// take spends one attempt for key and reports whether any was left.
func (t *loginThrottle) take(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if t.sweepEvery > 0 && now.Sub(t.lastSweep) >= t.sweepEvery {
		t.sweep(now)
		t.lastSweep = now
	}
	w, ok := t.attempts[key]
	if !ok {
		w = &attemptWindow{}
		t.attempts[key] = w
	}
	if !ok || now.Sub(w.openedAt) >= t.window {
		w.left = t.allowance
		w.openedAt = now
	}
	w.touchedAt = now
	if w.left <= 0 {
		return false
	}
	w.left--
	return true
}

// sweep forgets idle keys, then the least recently used ones above maxKeys.
func (t *loginThrottle) sweep(now time.Time) {
	if t.idleAfter > 0 {
		for key, w := range t.attempts {
			if now.Sub(w.touchedAt) > t.idleAfter {
				delete(t.attempts, key)
			}
		}
	}
	excess := len(t.attempts) - t.maxKeys
	if t.maxKeys <= 0 || excess <= 0 {
		return
	}
	keys := make([]string, 0, len(t.attempts))
	for key := range t.attempts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return t.attempts[keys[i]].touchedAt.Before(t.attempts[keys[j]].touchedAt)
	})
	for _, key := range keys[:excess] {
		delete(t.attempts, key)
	}
}

// throttleLogin spends one attempt for the client IP and one for the
// submitted email before the handler sees the body.
func (s *Server) throttleLogin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, loginPayloadMaxBytes+1)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, messageBody("payload too large"))
				return
			}
			writeJSON(w, http.StatusBadRequest, messageBody("bad request"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var cred struct {
			Email string `json:"email"`
		}
		_ = json.Unmarshal(body, &cred)
		email := utils.NormalizeEmail(cred.Email)
		if !s.loginThrottle.take("ip|"+strings.ToLower(s.clientIP(r))) ||
			(email != "" && !s.loginThrottle.take("email|"+email)) {
			metrics.RateLimited.Inc()
			writeJSON(w, http.StatusTooManyRequests, messageBody("too many attempts, try again later"))
			return
		}
		next.ServeHTTP(w, r)
	}
}
