package appbootstrap

import (
	"context"
	"fmt"

	"incident-desk/api"
	"incident-desk/config"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

// Run opens the database, applies migrations, seeds the first Administrator
// and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) error {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	rt, err := composeRuntime(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	boot := cfg.Bootstrap
	if _, err := rt.accounts.SeedAdmin(ctx, boot.AdminName, boot.AdminEmail, boot.AdminPassword); err != nil {
		return fmt.Errorf("seed administrator: %w", err)
	}
	return api.NewServer(cfg, rt.policy, rt.serverDeps, logger).Run(ctx)
}
