package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"incident-desk/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var pgMigrations embed.FS

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'Client',
		active INTEGER NOT NULL DEFAULT 1,
		approved INTEGER NOT NULL DEFAULT 0,
		approved_by INTEGER,
		approved_at TIMESTAMP,
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role, active, approved);`,
	`CREATE TABLE IF NOT EXISTS verification_codes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		requester_name TEXT NOT NULL,
		role TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_by INTEGER,
		used_at TIMESTAMP,
		email_sent INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_codes_email_role ON verification_codes(email, role);`,
	`CREATE INDEX IF NOT EXISTS idx_codes_expires ON verification_codes(expires_at);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'Medium',
		status TEXT NOT NULL DEFAULT 'Open',
		priority INTEGER NOT NULL DEFAULT 0,
		client_id INTEGER NOT NULL,
		assigned_to INTEGER,
		assigned_at TIMESTAMP,
		closed_at TIMESTAMP,
		response_minutes INTEGER,
		resolution_minutes INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_status_type ON incidents(status, type);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_assigned ON incidents(assigned_to);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_client ON incidents(client_id);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);`,
	`CREATE TABLE IF NOT EXISTS incident_tags (
		incident_id INTEGER NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (incident_id, tag),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_tags_tag ON incident_tags(tag);`,
	`CREATE TABLE IF NOT EXISTS incident_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		actor_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		field TEXT NOT NULL DEFAULT '',
		before_value TEXT NOT NULL DEFAULT '',
		after_value TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_history_incident ON incident_history(incident_id, id);`,
	`CREATE TABLE IF NOT EXISTS incident_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		actor_id INTEGER NOT NULL,
		body TEXT NOT NULL,
		internal INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_comments_incident ON incident_comments(incident_id, id);`,
	`CREATE TABLE IF NOT EXISTS evidence (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		uploaded_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_incident ON evidence(incident_id);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_id INTEGER,
		action TEXT NOT NULL,
		module TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_expires ON audit_log(expires_at);`,
}

func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if IsPostgres(db) {
		return applyGooseMigrations(ctx, db, logger)
	}
	return applySQLiteMigrations(ctx, db, logger)
}

func applyGooseMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	if logger != nil {
		logger.Printf("postgres migrations applied")
	}
	return nil
}

func applySQLiteMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if logger != nil {
		logger.Printf("applying sqlite migrations")
	}
	for i, stmt := range sqliteMigrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	return nil
}
