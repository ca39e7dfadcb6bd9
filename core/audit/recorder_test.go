package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"incident-desk/core/store"
)

type memoryAudit struct {
	store.AuditStore
	records []store.AuditRecord
	fail    error
}

func (m *memoryAudit) Insert(ctx context.Context, rec *store.AuditRecord) error {
	if m.fail != nil {
		return m.fail
	}
	m.records = append(m.records, *rec)
	return nil
}

func TestRecordSanitizesAndStampsExpiry(t *testing.T) {
	mem := &memoryAudit{}
	rec := NewRecorder(mem, 0, nil)
	fixed := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return fixed }

	req := httptest.NewRequest("POST", "/api/auth/register?src=web", nil)
	req.Header.Set("User-Agent", "ua-test")
	req = req.WithContext(WithClientIP(req.Context(), "203.0.113.9"))
	actor := int64(4)
	rec.Record(context.Background(), Event{
		ActorID: &actor,
		Action:  ActionCreateUser,
		Subject: "Bob (Technician)",
		Request: FromHTTP(req, map[string]any{"name": "Bob", "password": "hunter22", "Token": "t", "code": "ABCD1234"}),
	})
	if len(mem.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mem.records))
	}
	got := mem.records[0]
	if got.Module != "User Management" || got.Detail != "Created user: Bob (Technician)" {
		t.Fatalf("unexpected module/detail %q %q", got.Module, got.Detail)
	}
	if got.IP != "203.0.113.9" || got.UserAgent != "ua-test" {
		t.Fatalf("unexpected request info %q %q", got.IP, got.UserAgent)
	}
	if !got.ExpiresAt.Equal(fixed.Add(DefaultRetention)) {
		t.Fatalf("expected one year retention, got %v", got.ExpiresAt)
	}
	body := got.Metadata["body"].(map[string]any)
	if _, ok := body["password"]; ok {
		t.Fatalf("password must be stripped")
	}
	if _, ok := body["Token"]; ok {
		t.Fatalf("token must be stripped")
	}
	if body["code"] != "ABCD1234" {
		t.Fatalf("code must be kept, got %v", body["code"])
	}
	if got.Metadata["path"] != "/api/auth/register" {
		t.Fatalf("unexpected path %v", got.Metadata["path"])
	}
}

func TestRecordKeepsOnlyFailedLoginsWithoutActor(t *testing.T) {
	mem := &memoryAudit{}
	rec := NewRecorder(mem, time.Hour, nil)
	rec.Record(context.Background(), Event{Action: ActionCreateUser, Subject: "anon@x.com"})
	rec.Record(context.Background(), Event{Action: ActionRequestCode, Subject: "anon@x.com"})
	rec.Record(context.Background(), Event{Action: ActionLoginFailed, Subject: "anon@x.com"})
	if len(mem.records) != 1 || mem.records[0].Action != string(ActionLoginFailed) {
		t.Fatalf("expected only the failed login, got %+v", mem.records)
	}
	if mem.records[0].ActorID != nil {
		t.Fatalf("failed login must stay anonymous")
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	mem := &memoryAudit{fail: errors.New("db down")}
	rec := NewRecorder(mem, time.Hour, nil)
	rec.Record(context.Background(), Event{Action: ActionLoginFailed, Subject: "x@x.com"})
	rec.Record(context.Background(), Event{Action: Action("UNMAPPED")})
	var nilRecorder *Recorder
	nilRecorder.Record(context.Background(), Event{Action: ActionLogin})
}

func TestEveryActionHasModuleAndTemplate(t *testing.T) {
	all := AllActions()
	if len(all) != 25 {
		t.Fatalf("expected 25 actions, got %d", len(all))
	}
	for _, a := range all {
		if a.Module() == "" {
			t.Fatalf("%s has no module", a)
		}
		if strings.Contains(a.Describe("x"), "%!") {
			t.Fatalf("%s template is malformed", a)
		}
	}
	if Action("NOPE").Valid() {
		t.Fatalf("unknown action must be invalid")
	}
}
