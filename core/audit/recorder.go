package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"incident-desk/core/metrics"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

const DefaultRetention = 365 * 24 * time.Hour

var sensitiveFields = []string{"password", "token", "refresh_token", "refreshToken"}

type clientIPKey struct{}

// WithClientIP stores the resolved client address for later audit records.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// Request is the slice of the inbound request kept as audit metadata.
type Request struct {
	IP        string
	UserAgent string
	Method    string
	Path      string
	Query     map[string][]string
	Body      map[string]any
}

func FromHTTP(r *http.Request, body map[string]any) Request {
	ip, _ := r.Context().Value(clientIPKey{}).(string)
	if ip == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return Request{
		IP:        ip,
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.Query(),
		Body:      body,
	}
}

type Event struct {
	ActorID *int64
	Action  Action
	Subject string
	Detail  string
	Request Request
	Extra   map[string]any
}

type Recorder struct {
	store     store.AuditStore
	retention time.Duration
	logger    *utils.Logger
	now       func() time.Time
}

func NewRecorder(s store.AuditStore, retention time.Duration, logger *utils.Logger) *Recorder {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Recorder{store: s, retention: retention, logger: logger, now: utils.NowUTC}
}

// Record persists ev. Failures are logged and counted, never returned.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || r.store == nil {
		return
	}
	if !ev.Action.Valid() {
		r.logger.Warnf("audit: unknown action %q dropped", ev.Action)
		return
	}
	// Anonymous events are kept only for failed sign-ins.
	if ev.ActorID == nil && ev.Action != ActionLoginFailed {
		return
	}
	detail := ev.Detail
	if detail == "" {
		detail = ev.Action.Describe(ev.Subject)
	}
	now := r.now()
	meta := map[string]any{
		"method": ev.Request.Method,
		"path":   ev.Request.Path,
	}
	if len(ev.Request.Query) > 0 {
		meta["query"] = ev.Request.Query
	}
	if body := SanitizeBody(ev.Request.Body); len(body) > 0 {
		meta["body"] = body
	}
	for k, v := range ev.Extra {
		meta[k] = v
	}
	rec := &store.AuditRecord{
		ActorID:   ev.ActorID,
		Action:    string(ev.Action),
		Module:    ev.Action.Module(),
		Detail:    detail,
		IP:        ev.Request.IP,
		UserAgent: ev.Request.UserAgent,
		Metadata:  meta,
		CreatedAt: now,
		ExpiresAt: now.Add(r.retention),
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.Insert(writeCtx, rec); err != nil {
		metrics.AuditWriteFailures.Inc()
		r.logger.Errorf("audit: record %s failed: %v", ev.Action, err)
	}
}

// SanitizeBody returns a copy of body without credential fields.
func SanitizeBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if isSensitive(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	for _, f := range sensitiveFields {
		if strings.EqualFold(key, f) {
			return true
		}
	}
	return false
}
