package reports

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"incident-desk/config"
	"incident-desk/core/apperr"
	"incident-desk/core/store"
)

func seed(t *testing.T) *Service {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBURL: filepath.Join(t.TempDir(), "reports.db")}
	db, err := store.NewDB(cfg, nil)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := store.ApplyMigrations(ctx, db, nil); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	users := store.NewUsersStore(db)
	incidents := store.NewIncidentsStore(db)
	client := &store.User{Name: "C", Email: "c@x.com", PasswordHash: "x", Role: "Client", Active: true, Approved: true}
	tech := &store.User{Name: "Tina", Email: "t@x.com", PasswordHash: "x", Role: "Technician", Active: true, Approved: true}
	for _, u := range []*store.User{client, tech} {
		if _, err := users.Create(ctx, u); err != nil {
			t.Fatalf("user: %v", err)
		}
	}
	five, thirty := int64(5), int64(30)
	rows := []*store.Incident{
		{Type: "phishing", Severity: "High", Status: "Closed", AssignedTo: &tech.ID, ResponseMinutes: &five, ResolutionMinutes: &thirty, CreatedAt: time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)},
		{Type: "phishing", Severity: "Low", Status: "Open", CreatedAt: time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC)},
		{Type: "dos", Severity: "Low", Status: "In-Progress", AssignedTo: &tech.ID, ResponseMinutes: &thirty, CreatedAt: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	for _, inc := range rows {
		inc.ClientID = client.ID
		inc.Description = "d"
		if _, err := incidents.CreateIncident(ctx, inc, store.HistoryEntry{ActorID: client.ID, Action: "Incident created"}); err != nil {
			t.Fatalf("incident: %v", err)
		}
	}
	return NewService(store.NewReportsStore(db))
}

func TestStatistics(t *testing.T) {
	svc := seed(t)
	st, err := svc.Statistics(context.Background(), store.ReportScope{})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if st.Total != 3 || st.ByStatus["Open"] != 1 || st.BySeverity["Low"] != 2 {
		t.Fatalf("unexpected counts %+v", st)
	}
	if len(st.ByTechnician) != 1 || st.ByTechnician[0].Count != 2 {
		t.Fatalf("unexpected technician counts %+v", st.ByTechnician)
	}
	if st.Averages.Resolved != 1 || st.Averages.ResponseMinutes == nil || *st.Averages.ResponseMinutes != 5 {
		t.Fatalf("averages must only cover resolved incidents, got %+v", st.Averages)
	}
	from := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	st, _ = svc.Statistics(context.Background(), store.ReportScope{From: &from})
	if st.Total != 1 || st.Averages.ResolutionMinutes != nil {
		t.Fatalf("unexpected scoped statistics %+v", st)
	}
	before := from.AddDate(0, -1, 0)
	if _, err := svc.Statistics(context.Background(), store.ReportScope{From: &from, To: &before}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for inverted range, got %v", err)
	}
}

func TestByTypeMonth(t *testing.T) {
	svc := seed(t)
	months, err := svc.ByTypeMonth(context.Background(), 2025)
	if err != nil {
		t.Fatalf("by month: %v", err)
	}
	if len(months) != 2 || months[0].Month != 3 || months[1].Month != 5 {
		t.Fatalf("unexpected months %+v", months)
	}
	if len(months[0].Types) != 1 || months[0].Types[0].Type != "phishing" || months[0].Types[0].Count != 2 {
		t.Fatalf("unexpected march breakdown %+v", months[0].Types)
	}
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	empty, err := svc.ByTypeMonth(context.Background(), 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty current year, got %+v %v", empty, err)
	}
	summary, err := svc.Summary(context.Background())
	if err != nil || summary.ByStatus["Closed"] != 1 {
		t.Fatalf("unexpected summary %+v %v", summary, err)
	}
}
