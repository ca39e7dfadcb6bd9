package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"incident-desk/config"
	"incident-desk/core/accounts"
	"incident-desk/core/audit"
	"incident-desk/core/auth"
	"incident-desk/core/codes"
	"incident-desk/core/evidence"
	"incident-desk/core/incidents"
	"incident-desk/core/notify"
	"incident-desk/core/rbac"
	"incident-desk/core/reports"
	"incident-desk/core/store"
)

const (
	adminEmail    = "root@desk.test"
	adminPassword = "admin-secret"
)

type testEnv struct {
	srv  *httptest.Server
	mail *notify.MemorySender
	t    *testing.T
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: "sqlite",
		DBURL:    filepath.Join(t.TempDir(), "desk.db"),
		AppEnv:   "test",
		Auth: config.AuthConfig{
			JWTSecret:         "test-secret-test-secret-test-secret",
			TokenTTL:          time.Hour,
			BcryptCost:        4,
			LoginAttempts:     100,
			LoginAttemptsSpan: time.Minute,
		},
		Evidence: config.EvidenceConfig{MaxBytes: 1 << 20},
		Audit:    config.AuditConfig{Retention: 24 * time.Hour, DefaultCleanupDays: 90},
	}
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
	codesStore := store.NewCodesStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	evidenceStore := store.NewEvidenceStore(db)
	audits := store.NewAuditStore(db)

	policy := rbac.NewPolicy(rbac.DefaultRoles())
	tokens, err := auth.NewTokenManager(cfg, nil)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	mail := &notify.MemorySender{}
	notifier := notify.NewNotifier(mail, "http://desk.test", nil)
	codesSvc := codes.NewService(codesStore, users, notifier, cfg.EffectiveCodeTTL(), nil)
	accountsSvc := accounts.NewService(users, codesSvc, notifier, cfg.Auth.BcryptCost, nil)
	if _, err := accountsSvc.SeedAdmin(ctx, "Root", adminEmail, adminPassword); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	s := NewServer(cfg, policy, ServerDeps{
		Audits:    audits,
		Recorder:  audit.NewRecorder(audits, cfg.Audit.Retention, nil),
		Sessions:  auth.NewSessionManager(users, tokens, nil),
		Accounts:  accountsSvc,
		Codes:     codesSvc,
		Incidents: incidents.NewService(incidentsStore, users, evidenceStore, notifier, policy, nil),
		Evidence:  evidence.NewService(evidenceStore, incidentsStore, evidence.NewMemoryBlobStore(), cfg.Evidence.MaxBytes, nil),
		Reports:   reports.NewService(store.NewReportsStore(db)),
	}, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, mail: mail, t: t}
}

func (e *testEnv) do(method, path, token string, body any) (int, []byte) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		e.t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.send(req, token)
}

func (e *testEnv) send(req *http.Request, token string) (int, []byte) {
	e.t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func (e *testEnv) expect(method, path, token string, body any, want int, dst any) {
	e.t.Helper()
	code, out := e.do(method, path, token, body)
	if code != want {
		e.t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, code, out)
	}
	if dst != nil {
		if err := json.Unmarshal(out, dst); err != nil {
			e.t.Fatalf("%s %s: decode %s: %v", method, path, out, err)
		}
	}
}

func (e *testEnv) login(email, password string) (string, *store.User) {
	e.t.Helper()
	var res auth.LoginResult
	e.expect(http.MethodPost, "/api/auth/login", "", map[string]string{"email": email, "password": password}, http.StatusOK, &res)
	if res.Token == "" || res.User == nil {
		e.t.Fatalf("login %s: empty result", email)
	}
	return res.Token, res.User
}

type userBody struct {
	User *store.User `json:"user"`
}

type incidentBody struct {
	Incident *store.Incident `json:"incident"`
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	env := newTestServer(t)
	env.expect(http.MethodGet, "/healthz", "", nil, http.StatusOK, nil)
	var msg map[string]string
	env.expect(http.MethodGet, "/api/nothing-here", "", nil, http.StatusNotFound, &msg)
	if msg["message"] == "" {
		t.Fatalf("expected json message on 404")
	}
	env.expect(http.MethodGet, "/api/incidents", "", nil, http.StatusUnauthorized, nil)
	env.expect(http.MethodGet, "/api/incidents", "not-a-token", nil, http.StatusUnauthorized, nil)
}

func TestClientRegistrationAndLogin(t *testing.T) {
	env := newTestServer(t)
	var reg struct {
		User             *store.User `json:"user"`
		RequiresApproval bool        `json:"requires_approval"`
	}
	env.expect(http.MethodPost, "/api/auth/register-public", "", map[string]string{
		"name": "Carla", "email": "Carla@Client.test", "password": "client-pass",
	}, http.StatusCreated, &reg)
	if reg.User.Role != rbac.RoleClient || !reg.User.Approved || reg.RequiresApproval {
		t.Fatalf("unexpected client registration %+v", reg)
	}
	env.expect(http.MethodPost, "/api/auth/register-public", "", map[string]string{
		"name": "Carla", "email": "carla@client.test", "password": "client-pass",
	}, http.StatusConflict, nil)

	token, user := env.login("carla@client.test", "client-pass")
	var verify userBody
	env.expect(http.MethodGet, "/api/auth/verify", token, nil, http.StatusOK, &verify)
	if verify.User.ID != user.ID {
		t.Fatalf("verify returned %+v", verify.User)
	}

	env.expect(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "carla@client.test", "password": "wrong-pass"}, http.StatusUnauthorized, nil)
	env.expect(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ghost@client.test", "password": "whatever"}, http.StatusUnauthorized, nil)

	adminToken, _ := env.login(adminEmail, adminPassword)
	var logs struct {
		Logs []store.AuditRecord `json:"logs"`
	}
	env.expect(http.MethodGet, "/api/audits?action=login_failed", adminToken, nil, http.StatusOK, &logs)
	if len(logs.Logs) != 2 {
		t.Fatalf("expected 2 failed logins, got %d", len(logs.Logs))
	}
	for _, rec := range logs.Logs {
		if rec.ActorID != nil {
			t.Fatalf("failed login must not carry an actor: %+v", rec)
		}
		if body, ok := rec.Metadata["body"].(map[string]any); ok {
			if _, leaked := body["password"]; leaked {
				t.Fatalf("password stored in audit metadata")
			}
		}
	}

	var created struct {
		Logs []store.AuditRecord `json:"logs"`
	}
	env.expect(http.MethodGet, "/api/audits?action=create_user", adminToken, nil, http.StatusOK, &created)
	if len(created.Logs) != 0 {
		t.Fatalf("self-registration has no actor and must not be audited, got %+v", created.Logs)
	}

	env.expect(http.MethodGet, "/api/audits", token, nil, http.StatusForbidden, nil)
	env.expect(http.MethodPost, "/api/auth/logout", token, nil, http.StatusOK, nil)
}

func TestStaffRegistrationNeedsCodeAndApproval(t *testing.T) {
	env := newTestServer(t)
	adminToken, _ := env.login(adminEmail, adminPassword)

	env.expect(http.MethodPost, "/api/auth/register-public", "", map[string]string{
		"name": "Tomas", "email": "tomas@staff.test", "password": "tech-pass", "role": rbac.RoleTechnician,
	}, http.StatusBadRequest, nil)

	var issued map[string]any
	env.expect(http.MethodPost, "/api/codes/request", "", map[string]string{
		"name": "Tomas", "email": "tomas@staff.test", "role": rbac.RoleTechnician,
	}, http.StatusCreated, &issued)
	if _, leaked := issued["code"]; leaked {
		t.Fatalf("code request response must not expose the code")
	}
	if len(env.mail.Messages()) == 0 {
		t.Fatalf("expected the code to be emailed")
	}

	var listed struct {
		Codes []store.VerificationCode `json:"codes"`
	}
	env.expect(http.MethodGet, "/api/codes?active=true", adminToken, nil, http.StatusOK, &listed)
	if len(listed.Codes) != 1 {
		t.Fatalf("expected one active code, got %d", len(listed.Codes))
	}
	code := listed.Codes[0].Code

	env.expect(http.MethodPost, "/api/codes/validate", "", map[string]string{
		"code": strings.ToLower(code), "email": "tomas@staff.test", "role": rbac.RoleTechnician,
	}, http.StatusOK, nil)

	var reg struct {
		User             *store.User `json:"user"`
		RequiresApproval bool        `json:"requires_approval"`
	}
	env.expect(http.MethodPost, "/api/auth/register-public", "", map[string]string{
		"name": "Tomas", "email": "tomas@staff.test", "password": "tech-pass", "role": rbac.RoleTechnician, "code": code,
	}, http.StatusCreated, &reg)
	if !reg.RequiresApproval || reg.User.Approved {
		t.Fatalf("technician should wait for approval: %+v", reg)
	}

	code403, _ := env.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "tomas@staff.test", "password": "tech-pass"})
	if code403 != http.StatusForbidden {
		t.Fatalf("expected pending account to be refused with 403, got %d", code403)
	}

	env.expect(http.MethodPost, fmt.Sprintf("/api/users/%d/approve", reg.User.ID), adminToken, nil, http.StatusOK, nil)
	_, tech := env.login("tomas@staff.test", "tech-pass")
	if tech.Role != rbac.RoleTechnician || !tech.Approved {
		t.Fatalf("unexpected technician after approval %+v", tech)
	}

	env.expect(http.MethodPost, "/api/codes/validate", "", map[string]string{
		"code": code, "email": "tomas@staff.test", "role": rbac.RoleTechnician,
	}, http.StatusBadRequest, nil)
}

func TestLastAdministratorIsProtected(t *testing.T) {
	env := newTestServer(t)
	adminToken, admin := env.login(adminEmail, adminPassword)
	env.expect(http.MethodPatch, fmt.Sprintf("/api/users/%d/role", admin.ID), adminToken, map[string]string{"role": rbac.RoleAnalyst}, http.StatusConflict, nil)
	env.expect(http.MethodDelete, fmt.Sprintf("/api/users/%d", admin.ID), adminToken, nil, http.StatusConflict, nil)
}

func TestIncidentLifecycle(t *testing.T) {
	env := newTestServer(t)
	adminToken, _ := env.login(adminEmail, adminPassword)

	var tech userBody
	env.expect(http.MethodPost, "/api/auth/register", adminToken, map[string]string{
		"name": "Tomas", "email": "tomas@staff.test", "password": "tech-pass", "role": rbac.RoleTechnician,
	}, http.StatusCreated, &tech)
	techToken, _ := env.login("tomas@staff.test", "tech-pass")

	env.expect(http.MethodPost, "/api/auth/register-public", "", map[string]string{
		"name": "Carla", "email": "carla@client.test", "password": "client-pass",
	}, http.StatusCreated, nil)
	clientToken, client := env.login("carla@client.test", "client-pass")

	var created incidentBody
	env.expect(http.MethodPost, "/api/incidents", clientToken, map[string]any{
		"type": "phishing", "description": "suspicious invoice mail", "severity": "High", "tags": []string{"mail"},
	}, http.StatusCreated, &created)
	inc := created.Incident
	if inc.Status != incidents.StatusOpen || inc.ClientID != client.ID {
		t.Fatalf("unexpected incident %+v", inc)
	}
	base := fmt.Sprintf("/api/incidents/%d", inc.ID)

	env.expect(http.MethodPatch, base+"/assign", clientToken, map[string]int64{"technician_id": tech.User.ID}, http.StatusForbidden, nil)
	var assigned incidentBody
	env.expect(http.MethodPatch, base+"/assign", adminToken, map[string]int64{"technician_id": tech.User.ID}, http.StatusOK, &assigned)
	if assigned.Incident.AssignedTo == nil || *assigned.Incident.AssignedTo != tech.User.ID {
		t.Fatalf("assignment not applied: %+v", assigned.Incident)
	}
	if assigned.Incident.AssignedAt == nil || assigned.Incident.ResponseMinutes == nil {
		t.Fatalf("first assignment must stamp the response time: %+v", assigned.Incident)
	}

	env.expect(http.MethodPatch, base+"/status", techToken, map[string]string{"status": "Paused"}, http.StatusBadRequest, nil)
	var closed incidentBody
	env.expect(http.MethodPatch, base+"/status", techToken, map[string]string{"status": incidents.StatusClosed}, http.StatusOK, &closed)
	if closed.Incident.ClosedAt == nil {
		t.Fatalf("closing must stamp closed_at")
	}

	env.expect(http.MethodPost, base+"/comments", techToken, map[string]any{"text": "root cause found", "internal": true}, http.StatusCreated, nil)
	env.expect(http.MethodPost, base+"/comments", clientToken, map[string]any{"text": "thanks"}, http.StatusCreated, nil)

	var clientView struct {
		Incident incidents.Detail `json:"incident"`
	}
	env.expect(http.MethodGet, base, clientToken, nil, http.StatusOK, &clientView)
	for _, c := range clientView.Incident.Comments {
		if c.Internal {
			t.Fatalf("client must not see internal comments")
		}
	}
	if len(clientView.Incident.History) == 0 {
		t.Fatalf("expected history entries in detail")
	}

	var page map[string]any
	env.expect(http.MethodGet, "/api/incidents/search?q=invoice&status=Closed", adminToken, nil, http.StatusOK, &page)

	var stats reports.Statistics
	env.expect(http.MethodGet, "/api/reports/statistics", adminToken, nil, http.StatusOK, &stats)
	if stats.Total != 1 || stats.ByStatus[incidents.StatusClosed] != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}

	env.expect(http.MethodDelete, base, techToken, nil, http.StatusForbidden, nil)
	env.expect(http.MethodDelete, base, adminToken, nil, http.StatusOK, nil)
	env.expect(http.MethodGet, base, adminToken, nil, http.StatusNotFound, nil)
}

func TestEvidenceUploadAndDownload(t *testing.T) {
	env := newTestServer(t)
	adminToken, _ := env.login(adminEmail, adminPassword)
	var created incidentBody
	env.expect(http.MethodPost, "/api/incidents", adminToken, map[string]any{
		"type": "malware", "description": "ransom note on desktop",
	}, http.StatusCreated, &created)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "note.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("pay up"))
	_ = mw.Close()
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/evidence/%d", env.srv.URL, created.Incident.ID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	code, out := env.send(req, adminToken)
	if code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", code, out)
	}
	var uploaded struct {
		Evidence store.Evidence `json:"evidence"`
	}
	if err := json.Unmarshal(out, &uploaded); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if uploaded.Evidence.Filename != "note.txt" || uploaded.Evidence.SizeBytes != 6 {
		t.Fatalf("unexpected evidence %+v", uploaded.Evidence)
	}

	var listed struct {
		Evidence []store.Evidence `json:"evidence"`
	}
	env.expect(http.MethodGet, fmt.Sprintf("/api/evidence/%d", created.Incident.ID), adminToken, nil, http.StatusOK, &listed)
	if len(listed.Evidence) != 1 {
		t.Fatalf("expected one evidence item, got %d", len(listed.Evidence))
	}

	req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/evidence/file/%d", env.srv.URL, uploaded.Evidence.ID), nil)
	code, out = env.send(req, adminToken)
	if code != http.StatusOK || string(out) != "pay up" {
		t.Fatalf("download: got %d %q", code, out)
	}

	env.expect(http.MethodGet, "/api/evidence/999", adminToken, nil, http.StatusNotFound, nil)
}

func TestAuditExportAndCleanup(t *testing.T) {
	env := newTestServer(t)
	adminToken, _ := env.login(adminEmail, adminPassword)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/audits/export", nil)
	code, out := env.send(req, adminToken)
	if code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", code)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if lines[0] != "time,user,role,action,module,detail,ip" {
		t.Fatalf("unexpected csv header %q", lines[0])
	}
	if !strings.Contains(string(out), string(audit.ActionLogin)) {
		t.Fatalf("expected login event in export")
	}

	env.expect(http.MethodGet, "/api/audits?action=NOT_AN_ACTION", adminToken, nil, http.StatusBadRequest, nil)

	var cleaned struct {
		Deleted int64 `json:"deleted"`
	}
	env.expect(http.MethodDelete, "/api/audits/cleanup", adminToken, map[string]int{"days": 30}, http.StatusOK, &cleaned)
	if cleaned.Deleted != 0 {
		t.Fatalf("fresh records must survive a 30 day cleanup, deleted %d", cleaned.Deleted)
	}
}
