package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"incident-desk/api/routegroups"
	"incident-desk/config"
	"incident-desk/core/accounts"
	"incident-desk/core/audit"
	"incident-desk/core/auth"
	"incident-desk/core/codes"
	"incident-desk/core/evidence"
	"incident-desk/core/incidents"
	"incident-desk/core/metrics"
	"incident-desk/core/rbac"
	"incident-desk/core/reports"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

// BackgroundWorker is started with the server and stopped after the listener
// has drained.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context) error
	StopWithContext(ctx context.Context) error
}

type ServerDeps struct {
	Audits    store.AuditStore
	Recorder  *audit.Recorder
	Sessions  *auth.SessionManager
	Accounts  *accounts.Service
	Codes     *codes.Service
	Incidents *incidents.Service
	Evidence  *evidence.Service
	Reports   *reports.Service
	Workers   []BackgroundWorker
}

type Server struct {
	cfg    *config.AppConfig
	logger *utils.Logger
	policy *rbac.Policy
	router chi.Router

	audits         store.AuditStore
	recorder       *audit.Recorder
	sessionManager *auth.SessionManager
	accounts       *accounts.Service
	codes          *codes.Service
	incidents      *incidents.Service
	evidence       *evidence.Service
	reports        *reports.Service
	workers        []BackgroundWorker

	globalLimiter *rate.Limiter
	loginThrottle *loginThrottle
}

func NewServer(cfg *config.AppConfig, policy *rbac.Policy, deps ServerDeps, logger *utils.Logger) *Server {
	attempts, span := cfg.Auth.LoginAttempts, cfg.Auth.LoginAttemptsSpan
	if attempts <= 0 {
		attempts = 10
	}
	if span <= 0 {
		span = time.Minute
	}
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		policy:         policy,
		audits:         deps.Audits,
		recorder:       deps.Recorder,
		sessionManager: deps.Sessions,
		accounts:       deps.Accounts,
		codes:          deps.Codes,
		incidents:      deps.Incidents,
		evidence:       deps.Evidence,
		reports:        deps.Reports,
		workers:        deps.Workers,
		globalLimiter:  newGlobalLimiter(cfg.RateLimit),
		loginThrottle:  newLoginThrottle(attempts, span),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		s.requestContextMiddleware,
		s.recoverMiddleware,
		s.securityHeadersMiddleware,
		s.metricsMiddleware,
		s.loggingMiddleware,
		s.globalRateLimitMiddleware,
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, messageBody("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, messageBody("method not allowed"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Metrics.Enabled {
		metrics.Register()
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, metrics.Handler())
	}

	h := s.newRouteHandlers()
	g := routegroups.Guards{
		WithSession:       s.withSession,
		RequirePermission: func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
		Throttled:         s.throttleLogin,
	}
	r.Route("/api", func(apiRouter chi.Router) {
		routegroups.RegisterAuth(apiRouter, g, h.auth)
		routegroups.RegisterUsers(apiRouter, g, h.accounts)
		routegroups.RegisterCodes(apiRouter, g, h.codes)
		routegroups.RegisterIncidents(apiRouter, g, h.incidents)
		routegroups.RegisterEvidence(apiRouter, g, h.evidence)
		routegroups.RegisterAudits(apiRouter, g, h.logs)
		routegroups.RegisterReports(apiRouter, g, h.reports)
	})
	return r
}

// Run serves until ctx is cancelled, then drains connections and stops the
// background workers.
func (s *Server) Run(ctx context.Context) error {
	for _, w := range s.workers {
		if err := w.StartWithContext(ctx); err != nil {
			return err
		}
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	s.logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("http shutdown: %v", err)
	}
	for _, w := range s.workers {
		if err := w.StopWithContext(shutdownCtx); err != nil {
			s.logger.Errorf("stop worker: %v", err)
		}
	}
	return serveErr
}
