package codes

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"incident-desk/config"
	"incident-desk/core/apperr"
	"incident-desk/core/notify"
	"incident-desk/core/store"
)

func setupCodes(t *testing.T, mail *notify.MemorySender) (*Service, store.UsersStore, store.CodesStore) {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBURL: filepath.Join(t.TempDir(), "codes.db")}
	db, err := store.NewDB(cfg, nil)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	users := store.NewUsersStore(db)
	codes := store.NewCodesStore(db)
	svc := NewService(codes, users, notify.NewNotifier(mail, "", nil), cfg.EffectiveCodeTTL(), nil)
	return svc, users, codes
}

func TestRequestIssuesCodeAndSendsEmail(t *testing.T) {
	mail := &notify.MemorySender{}
	svc, _, codes := setupCodes(t, mail)
	ctx := context.Background()
	issued, err := svc.Request(ctx, RequestInput{Name: "Bob", Email: "B@x.com", Role: "Technician"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !regexp.MustCompile(`^[0-9A-F]{8}$`).MatchString(issued.Code.Code) {
		t.Fatalf("unexpected code format %q", issued.Code.Code)
	}
	if ttl := issued.Code.ExpiresAt.Sub(issued.Code.CreatedAt); ttl != 30*time.Minute {
		t.Fatalf("expected 30m ttl, got %v", ttl)
	}
	if !issued.EmailSent || len(mail.Messages()) != 1 || mail.Messages()[0].To != "b@x.com" {
		t.Fatalf("expected email to b@x.com, got %+v", mail.Messages())
	}
	stored, _ := codes.Get(ctx, issued.Code.ID)
	if !stored.EmailSent {
		t.Fatalf("email_sent flag not persisted")
	}
	_, err = svc.Request(ctx, RequestInput{Name: "Bob", Email: "b@x.com", Role: "Technician"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for second active code, got %v", err)
	}
	if _, err := svc.Request(ctx, RequestInput{Name: "Bob", Email: "b@x.com", Role: "Auditor"}); err != nil {
		t.Fatalf("a different role is a different pair: %v", err)
	}
}

func TestConcurrentRequestsIssueOneCode(t *testing.T) {
	svc, _, codes := setupCodes(t, &notify.MemorySender{})
	ctx := context.Background()
	const workers = 4
	start := make(chan struct{})
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Request(ctx, RequestInput{Name: "Bob", Email: "bob@x.com", Role: "Analyst"})
		}(i)
	}
	close(start)
	wg.Wait()

	var issued int
	for _, err := range errs {
		switch {
		case err == nil:
			issued++
		case !errors.Is(err, apperr.ErrConflict):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if issued != 1 {
		t.Fatalf("expected exactly one code, got %d (errors %v)", issued, errs)
	}
	list, err := codes.List(ctx, true, time.Now().UTC())
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one active code, got %d %v", len(list), err)
	}
}

func TestRequestKeepsCodeWhenEmailFails(t *testing.T) {
	svc, _, codes := setupCodes(t, &notify.MemorySender{Fail: true})
	issued, err := svc.Request(context.Background(), RequestInput{Name: "A", Email: "a@x.com", Role: "Analyst"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if issued.EmailSent || issued.Warning == "" {
		t.Fatalf("expected warning, got %+v", issued)
	}
	stored, _ := codes.Get(context.Background(), issued.Code.ID)
	if stored == nil || stored.EmailSent {
		t.Fatalf("code must persist with email_sent=false, got %+v", stored)
	}
}

func TestRequestValidation(t *testing.T) {
	svc, users, _ := setupCodes(t, &notify.MemorySender{})
	ctx := context.Background()
	if _, err := svc.Request(ctx, RequestInput{Name: "A", Email: "a@x.com", Role: "Administrator"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("administrator is not requestable, got %v", err)
	}
	if _, err := svc.Request(ctx, RequestInput{Name: "A", Email: "not-an-email", Role: "Analyst"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected invalid email, got %v", err)
	}
	_, _ = users.Create(ctx, &store.User{Name: "Taken", Email: "taken@x.com", PasswordHash: "h", Role: "Client"})
	if _, err := svc.Request(ctx, RequestInput{Name: "A", Email: "taken@x.com", Role: "Analyst"}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for registered email, got %v", err)
	}
}

func TestValidateDoesNotConsume(t *testing.T) {
	svc, _, _ := setupCodes(t, &notify.MemorySender{})
	ctx := context.Background()
	issued, _ := svc.Request(ctx, RequestInput{Name: "A", Email: "a@x.com", Role: "Auditor"})
	for i := 0; i < 2; i++ {
		if _, err := svc.Validate(ctx, issued.Code.Code, "a@x.com", "Auditor"); err != nil {
			t.Fatalf("validate #%d: %v", i, err)
		}
	}
	if _, err := svc.Validate(ctx, issued.Code.Code, "a@x.com", "Analyst"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected invalid for wrong role, got %v", err)
	}
	svc.now = func() time.Time { return time.Now().UTC().Add(31 * time.Minute) }
	if _, err := svc.Validate(ctx, issued.Code.Code, "a@x.com", "Auditor"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected expired code to be invalid, got %v", err)
	}
	n, err := svc.PurgeExpired(ctx, svc.now())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d %v", n, err)
	}
	if err := svc.Delete(ctx, issued.Code.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after purge, got %v", err)
	}
}
