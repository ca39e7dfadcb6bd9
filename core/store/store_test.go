package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"incident-desk/config"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBURL: filepath.Join(t.TempDir(), "store.db")}
	db, err := NewDB(cfg, nil)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return db
}

func seedUser(t *testing.T, users UsersStore, name, email, role string) *User {
	t.Helper()
	u := &User{Name: name, Email: email, PasswordHash: "x", Role: role, Active: true, Approved: true}
	if _, err := users.Create(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func TestUsersDuplicateEmailIsCaseInsensitive(t *testing.T) {
	db := newTestDB(t)
	users := NewUsersStore(db)
	seedUser(t, users, "Ann", "ann@x.com", "Client")
	_, err := users.Create(context.Background(), &User{Name: "Ann2", Email: "ANN@X.com", PasswordHash: "y", Role: "Client"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	found, err := users.FindByEmail(context.Background(), " Ann@X.COM ")
	if err != nil || found == nil {
		t.Fatalf("find by email: %v %v", found, err)
	}
}

func TestUsersWritesKeepAnActiveAdmin(t *testing.T) {
	db := newTestDB(t)
	users := NewUsersStore(db)
	ctx := context.Background()
	admin := seedUser(t, users, "Admin", "admin@x.com", "Administrator")

	demoted := *admin
	demoted.Role = "Analyst"
	if err := users.Update(ctx, &demoted); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("demote: expected ErrLastAdmin, got %v", err)
	}
	if err := users.Delete(ctx, admin.ID); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("delete: expected ErrLastAdmin, got %v", err)
	}
	if err := users.Delete(ctx, admin.ID+100); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing user: expected sql.ErrNoRows, got %v", err)
	}
	renamed := *admin
	renamed.Name = "Root"
	if err := users.Update(ctx, &renamed); err != nil {
		t.Fatalf("rename: %v", err)
	}

	seedUser(t, users, "Backup", "backup@x.com", "Administrator")
	if err := users.Update(ctx, &demoted); err != nil {
		t.Fatalf("demote with backup present: %v", err)
	}
	if n, err := users.CountActiveAdmins(ctx); err != nil || n != 1 {
		t.Fatalf("active admins: %d %v", n, err)
	}
}

func TestCreateWithCodeConsumesOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)
	codes := NewCodesStore(db)
	now := time.Now().UTC()
	code := &VerificationCode{Code: "abcd1234", Email: "b@x.com", RequesterName: "Bob", Role: "Technician", ExpiresAt: now.Add(30 * time.Minute)}
	if _, err := codes.Create(ctx, code); err != nil {
		t.Fatalf("create code: %v", err)
	}
	if code.Code != "ABCD1234" {
		t.Fatalf("expected uppercase code, got %s", code.Code)
	}
	u := &User{Name: "Bob", Email: "b@x.com", PasswordHash: "h", Role: "Technician", Active: true}
	id, err := users.CreateWithCode(ctx, u, code.ID)
	if err != nil {
		t.Fatalf("create with code: %v", err)
	}
	stored, _ := codes.Get(ctx, code.ID)
	if stored == nil || !stored.Used || stored.UsedBy == nil || *stored.UsedBy != id {
		t.Fatalf("code not consumed: %+v", stored)
	}
	other := &User{Name: "Eve", Email: "e@x.com", PasswordHash: "h", Role: "Technician", Active: true}
	if _, err := users.CreateWithCode(ctx, other, code.ID); !errors.Is(err, ErrCodeUnavailable) {
		t.Fatalf("expected ErrCodeUnavailable, got %v", err)
	}
	if again, _ := users.FindByEmail(ctx, "e@x.com"); again != nil {
		t.Fatalf("user must not exist after failed consume")
	}
}

func TestCodesOneActivePerPairAndPurge(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	codes := NewCodesStore(db)
	now := time.Now().UTC()
	expired := &VerificationCode{Code: "00000001", Email: "c@x.com", RequesterName: "C", Role: "Analyst", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-30 * time.Minute)}
	active := &VerificationCode{Code: "00000002", Email: "c@x.com", RequesterName: "C", Role: "Analyst", ExpiresAt: now.Add(30 * time.Minute)}
	for _, c := range []*VerificationCode{expired, active} {
		if _, err := codes.Create(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := codes.Create(ctx, &VerificationCode{Code: "00000002", Email: "d@x.com", Role: "Analyst", ExpiresAt: now}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate code error, got %v", err)
	}
	again := &VerificationCode{Code: "00000003", Email: "C@X.com", RequesterName: "C", Role: "Analyst", CreatedAt: now}
	if _, err := codes.Create(ctx, again); !errors.Is(err, ErrActiveCode) {
		t.Fatalf("expected ErrActiveCode, got %v", err)
	}
	if v, _ := codes.FindValid(ctx, "00000001", "c@x.com", "Analyst", now); v != nil {
		t.Fatalf("expired code must not validate")
	}
	if v, _ := codes.FindValid(ctx, "00000002", "c@x.com", "Auditor", now); v != nil {
		t.Fatalf("role mismatch must not validate")
	}
	list, _ := codes.List(ctx, true, now)
	if len(list) != 1 {
		t.Fatalf("expected 1 active code, got %d", len(list))
	}
	n, err := codes.PurgeExpired(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d %v", n, err)
	}
	counts, _ := codes.Counts(ctx)
	if counts.Total != 1 || counts.Available != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestIncidentChangeVersionConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)
	incidents := NewIncidentsStore(db)
	client := seedUser(t, users, "Client", "client@x.com", "Client")
	inc := &Incident{Type: "phishing", Description: "mail", Severity: "High", Status: "Open", ClientID: client.ID, Tags: []string{"Mail", "mail", " urgent "}}
	id, err := incidents.CreateIncident(ctx, inc, HistoryEntry{ActorID: client.ID, Action: "Incident created", Field: "status", After: "Open"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, _ := incidents.GetIncident(ctx, id)
	if loaded == nil || loaded.Version != 1 || len(loaded.Tags) != 2 {
		t.Fatalf("unexpected incident %+v", loaded)
	}
	first := *loaded
	first.Status = "In-Progress"
	err = incidents.ApplyChange(ctx, IncidentChange{Incident: &first, ExpectedVersion: 1,
		History: []HistoryEntry{{ActorID: client.ID, Action: "Changed status from Open to In-Progress", Field: "status", Before: "Open", After: "In-Progress"}}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first.Version != 2 {
		t.Fatalf("expected version 2, got %d", first.Version)
	}
	stale := *loaded
	stale.Status = "Closed"
	err = incidents.ApplyChange(ctx, IncidentChange{Incident: &stale, ExpectedVersion: 1,
		History: []HistoryEntry{{ActorID: client.ID, Action: "stale"}}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	history, _ := incidents.ListHistory(ctx, id)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].ActorName != "Client" {
		t.Fatalf("expected actor name join, got %q", history[0].ActorName)
	}
}

func TestIncidentCommentAndTagReplacement(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)
	incidents := NewIncidentsStore(db)
	tech := seedUser(t, users, "Tech", "tech@x.com", "Technician")
	inc := &Incident{Type: "malware", Description: "d", Severity: "Low", Status: "Open", ClientID: tech.ID, Tags: []string{"a"}}
	id, _ := incidents.CreateIncident(ctx, inc, HistoryEntry{ActorID: tech.ID, Action: "Incident created"})
	inc.Tags = []string{"b", "c"}
	err := incidents.ApplyChange(ctx, IncidentChange{Incident: inc, ExpectedVersion: inc.Version, ReplaceTags: true,
		Comment: &Comment{ActorID: tech.ID, Body: "looking", Internal: true},
		History: []HistoryEntry{{ActorID: tech.ID, Action: "Added a comment", Field: "comments"}}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := incidents.GetIncident(ctx, id)
	if len(got.Tags) != 2 || got.Tags[0] != "b" {
		t.Fatalf("unexpected tags %v", got.Tags)
	}
	comments, _ := incidents.ListComments(ctx, id)
	if len(comments) != 1 || !comments[0].Internal || comments[0].ActorRole != "Technician" {
		t.Fatalf("unexpected comments %+v", comments)
	}
	if err := incidents.DeleteIncident(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if left, _ := incidents.ListComments(ctx, id); len(left) != 0 {
		t.Fatalf("comments must cascade")
	}
	if err := incidents.DeleteIncident(ctx, id); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows on second delete, got %v", err)
	}
}

func TestListIncidentsFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)
	incidents := NewIncidentsStore(db)
	client := seedUser(t, users, "C", "c@x.com", "Client")
	tech := seedUser(t, users, "T", "t@x.com", "Technician")
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := []*Incident{
		{Type: "Phishing", Description: "CEO fraud 100%", Severity: "High", Status: "Open", Tags: []string{"mail"}},
		{Type: "malware", Description: "ransom note", Severity: "High", Status: "Closed", AssignedTo: &tech.ID, Tags: []string{"endpoint"}},
		{Type: "ddos", Description: "phishing site down", Severity: "Low", Status: "Open"},
	}
	for i, inc := range rows {
		inc.ClientID = client.ID
		inc.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if _, err := incidents.CreateIncident(ctx, inc, HistoryEntry{ActorID: client.ID, Action: "Incident created"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	items, total, err := incidents.ListIncidents(ctx, IncidentFilter{Query: "PHISH"})
	if err != nil || total != 2 || len(items) != 2 {
		t.Fatalf("query search: total=%d err=%v", total, err)
	}
	if items[0].Type != "ddos" {
		t.Fatalf("expected newest first, got %s", items[0].Type)
	}
	if _, total, _ := incidents.ListIncidents(ctx, IncidentFilter{Query: "100%"}); total != 1 {
		t.Fatalf("expected escaped percent to match one, got %d", total)
	}
	if _, total, _ := incidents.ListIncidents(ctx, IncidentFilter{Severity: "High", TechnicianID: tech.ID}); total != 1 {
		t.Fatalf("expected one high incident for tech, got %d", total)
	}
	if _, total, _ := incidents.ListIncidents(ctx, IncidentFilter{Tags: []string{"MAIL", "endpoint"}}); total != 2 {
		t.Fatalf("expected any-of tags to match two, got %d", total)
	}
	from := base.Add(30 * time.Minute)
	to := base.Add(90 * time.Minute)
	if _, total, _ := incidents.ListIncidents(ctx, IncidentFilter{From: &from, To: &to}); total != 1 {
		t.Fatalf("expected date range to match one, got %d", total)
	}
	page, total, _ := incidents.ListIncidents(ctx, IncidentFilter{Limit: 1, Offset: 1})
	if total != 3 || len(page) != 1 || page[0].Type != "malware" {
		t.Fatalf("unexpected page %d %+v", total, page)
	}
}

func TestAuditListAndRetention(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)
	audits := NewAuditStore(db)
	admin := seedUser(t, users, "Admin", "admin@x.com", "Administrator")
	now := time.Now().UTC()
	records := []*AuditRecord{
		{ActorID: &admin.ID, Action: "LOGIN", Module: "auth", IP: "10.0.0.1", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		{ActorID: &admin.ID, Action: "VIEW_AUDITS", Module: "audit", IP: "10.0.0.2", Metadata: map[string]any{"path": "/api/audits"}, CreatedAt: now, ExpiresAt: now.AddDate(1, 0, 0)},
		{Action: "LOGIN_FAILED", Module: "auth", IP: "10.0.0.2", CreatedAt: now, ExpiresAt: now.AddDate(1, 0, 0)},
	}
	for _, rec := range records {
		if err := audits.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	logs, err := audits.List(ctx, AuditFilter{IP: "10.0.0.2", Limit: 10})
	if err != nil || len(logs) != 2 {
		t.Fatalf("expected 2 logs by ip, got %d %v", len(logs), err)
	}
	failed, _ := audits.List(ctx, AuditFilter{Action: "LOGIN_FAILED"})
	if len(failed) != 1 || failed[0].ActorID != nil {
		t.Fatalf("expected null actor for failed login, got %+v", failed)
	}
	viewed, _ := audits.List(ctx, AuditFilter{Action: "VIEW_AUDITS"})
	if len(viewed) != 1 || viewed[0].Metadata["path"] != "/api/audits" || viewed[0].ActorName != "Admin" {
		t.Fatalf("unexpected record %+v", viewed)
	}
	if n, _ := audits.DistinctActors(ctx, nil); n != 1 {
		t.Fatalf("expected 1 distinct actor, got %d", n)
	}
	top, _ := audits.TopActions(ctx, 5)
	if len(top) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(top))
	}
	purged, err := audits.PurgeExpired(ctx, now)
	if err != nil || purged != 1 {
		t.Fatalf("expected 1 purged, got %d %v", purged, err)
	}
	deleted, _ := audits.DeleteBefore(ctx, now.Add(time.Minute))
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
}

func TestReportsAggregations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)
	incidents := NewIncidentsStore(db)
	reports := NewReportsStore(db)
	client := seedUser(t, users, "C", "c@x.com", "Client")
	tech := seedUser(t, users, "Tina", "t@x.com", "Technician")
	ten, twenty, sixty := int64(10), int64(20), int64(60)
	rows := []*Incident{
		{Type: "phishing", Severity: "High", Status: "Closed", AssignedTo: &tech.ID, ResponseMinutes: &ten, ResolutionMinutes: &sixty, CreatedAt: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)},
		{Type: "phishing", Severity: "Low", Status: "Open", AssignedTo: &tech.ID, ResponseMinutes: &twenty, CreatedAt: time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)},
		{Type: "malware", Severity: "High", Status: "Open", CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{Type: "malware", Severity: "Medium", Status: "Open", CreatedAt: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, inc := range rows {
		inc.ClientID = client.ID
		inc.Description = "d"
		if _, err := incidents.CreateIncident(ctx, inc, HistoryEntry{ActorID: client.ID, Action: "Incident created"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if total, _ := reports.Total(ctx, ReportScope{}); total != 4 {
		t.Fatalf("expected 4, got %d", total)
	}
	bySeverity, _ := reports.CountBySeverity(ctx, ReportScope{})
	if bySeverity["High"] != 2 || bySeverity["Medium"] != 1 {
		t.Fatalf("unexpected severity counts %v", bySeverity)
	}
	byTech, _ := reports.CountByTechnician(ctx, ReportScope{})
	if len(byTech) != 1 || byTech[0].Name != "Tina" || byTech[0].Count != 2 {
		t.Fatalf("unexpected technician counts %+v", byTech)
	}
	avg, err := reports.Averages(ctx, ReportScope{})
	if err != nil || avg.Resolved != 1 || avg.ResolutionMinutes == nil || *avg.ResolutionMinutes != 60 {
		t.Fatalf("unexpected averages %+v %v", avg, err)
	}
	months, err := reports.CountByTypeMonth(ctx, 2025)
	if err != nil {
		t.Fatalf("by month: %v", err)
	}
	if len(months) != 2 || months[0].Month != 1 || months[0].Count != 2 || months[1].Type != "malware" {
		t.Fatalf("unexpected month buckets %+v", months)
	}
}
