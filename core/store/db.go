package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"incident-desk/config"
	"incident-desk/core/utils"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	ErrConflict  = errors.New("conflict")
	ErrDuplicate = errors.New("duplicate")
)

func NewDB(cfg *config.AppConfig, logger *utils.Logger) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.DBDriver {
	case "postgres":
		db, err = sql.Open("pgx", cfg.DBURL)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxIdleTime(5 * time.Minute)
	case "sqlite":
		db, err = sql.Open("sqlite", sqliteDSN(cfg.DBURL))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.DBDriver, err)
	}
	if logger != nil {
		logger.Printf("database connected driver=%s", cfg.DBDriver)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "sqlite://")
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
}

// IsPostgres reports whether db was opened through the pgx stdlib driver.
func IsPostgres(db *sql.DB) bool {
	if db == nil {
		return false
	}
	_, ok := db.Driver().(*stdlib.Driver)
	return ok
}

func wrapDB(db *sql.DB) *sqlx.DB {
	if IsPostgres(db) {
		return sqlx.NewDb(db, "pgx")
	}
	return sqlx.NewDb(db, "sqlite")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func likePattern(raw string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + strings.ToLower(r.Replace(strings.TrimSpace(raw))) + "%"
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tags {
		tt := strings.ToLower(strings.TrimSpace(t))
		if tt == "" {
			continue
		}
		if _, ok := seen[tt]; ok {
			continue
		}
		out = append(out, tt)
		seen[tt] = struct{}{}
	}
	return out
}

func rollback(tx *sqlx.Tx) {
	_ = tx.Rollback()
}
