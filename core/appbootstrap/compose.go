package appbootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"incident-desk/api"
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
	"incident-desk/core/retention"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	policy     *rbac.Policy
	accounts   *accounts.Service
}

func composeRuntime(ctx context.Context, cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*runtimeComposition, error) {
	users := store.NewUsersStore(db)
	codesStore := store.NewCodesStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	evidenceStore := store.NewEvidenceStore(db)
	audits := store.NewAuditStore(db)
	reportsStore := store.NewReportsStore(db)

	policy, err := rbac.BuildPolicy(rbac.DefaultRoles())
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := evidence.NewBlobStore(ctx, cfg.Evidence, logger)
	if err != nil {
		return nil, fmt.Errorf("evidence storage: %w", err)
	}

	notifier := notify.NewNotifier(notify.NewSender(cfg.SMTP), cfg.SMTP.PublicURL, logger)
	codesSvc := codes.NewService(codesStore, users, notifier, cfg.EffectiveCodeTTL(), logger)
	accountsSvc := accounts.NewService(users, codesSvc, notifier, cfg.Auth.BcryptCost, logger)
	incidentsSvc := incidents.NewService(incidentsStore, users, evidenceStore, notifier, policy, logger)
	evidenceSvc := evidence.NewService(evidenceStore, incidentsStore, blobs, cfg.Evidence.MaxBytes, logger)
	reportsSvc := reports.NewService(reportsStore)

	purger := retention.NewScheduler(cfg.Audit, logger,
		retention.Job{Name: "audit", Purger: audits},
		retention.Job{Name: "codes", Purger: codesSvc},
	)

	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			Audits:    audits,
			Recorder:  audit.NewRecorder(audits, cfg.Audit.Retention, logger),
			Sessions:  auth.NewSessionManager(users, tokens, logger),
			Accounts:  accountsSvc,
			Codes:     codesSvc,
			Incidents: incidentsSvc,
			Evidence:  evidenceSvc,
			Reports:   reportsSvc,
			Workers:   []api.BackgroundWorker{purger},
		},
		policy:   policy,
		accounts: accountsSvc,
	}, nil
}
