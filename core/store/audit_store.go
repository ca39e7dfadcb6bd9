package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type AuditRecord struct {
	ID        int64          `json:"id"`
	ActorID   *int64         `json:"actor_id"`
	ActorName string         `json:"actor_name,omitempty"`
	ActorRole string         `json:"actor_role,omitempty"`
	Action    string         `json:"action"`
	Module    string         `json:"module"`
	Detail    string         `json:"detail"`
	IP        string         `json:"ip"`
	UserAgent string         `json:"user_agent"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type AuditFilter struct {
	Action  string
	ActorID int64
	IP      string
	From    *time.Time
	To      *time.Time
	Limit   int
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type AuditStore interface {
	Insert(ctx context.Context, rec *AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
	Count(ctx context.Context, since *time.Time) (int, error)
	DistinctActors(ctx context.Context, since *time.Time) (int, error)
	TopActions(ctx context.Context, limit int) ([]ActionCount, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type auditStore struct {
	db *sqlx.DB
}

func NewAuditStore(db *sql.DB) AuditStore {
	return &auditStore{db: wrapDB(db)}
}

func (s *auditStore) Insert(ctx context.Context, rec *AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	return s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log(actor_id, action, module, detail, ip, user_agent, metadata, created_at, expires_at)
		VALUES(?,?,?,?,?,?,?,?,?) RETURNING id`),
		nullableID(rec.ActorID), rec.Action, rec.Module, rec.Detail, rec.IP, rec.UserAgent, string(raw),
		rec.CreatedAt.UTC(), rec.ExpiresAt.UTC()).Scan(&rec.ID)
}

func (s *auditStore) List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	var clauses []string
	var args []any
	if filter.Action != "" {
		clauses = append(clauses, "a.action=?")
		args = append(args, filter.Action)
	}
	if filter.ActorID > 0 {
		clauses = append(clauses, "a.actor_id=?")
		args = append(args, filter.ActorID)
	}
	if ip := strings.TrimSpace(filter.IP); ip != "" {
		clauses = append(clauses, `a.ip LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(ip))
	}
	if filter.From != nil {
		clauses = append(clauses, "a.created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "a.created_at <= ?")
		args = append(args, filter.To.UTC())
	}
	query := `
		SELECT a.id, a.actor_id, COALESCE(u.name, ''), COALESCE(u.role, ''), a.action, a.module, a.detail, a.ip, a.user_agent, a.metadata, a.created_at, a.expires_at
		FROM audit_log a LEFT JOIN users u ON u.id=a.actor_id`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY a.created_at DESC, a.id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []AuditRecord{}
	for rows.Next() {
		var rec AuditRecord
		var actor sql.NullInt64
		var meta string
		if err := rows.Scan(&rec.ID, &actor, &rec.ActorName, &rec.ActorRole, &rec.Action, &rec.Module, &rec.Detail, &rec.IP, &rec.UserAgent, &meta, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			rec.ActorID = &actor.Int64
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &rec.Metadata)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.ExpiresAt = rec.ExpiresAt.UTC()
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *auditStore) Count(ctx context.Context, since *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM audit_log`
	var args []any
	if since != nil {
		query += ` WHERE created_at >= ?`
		args = append(args, since.UTC())
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(&n)
	return n, err
}

func (s *auditStore) DistinctActors(ctx context.Context, since *time.Time) (int, error) {
	query := `SELECT COUNT(DISTINCT actor_id) FROM audit_log WHERE actor_id IS NOT NULL`
	var args []any
	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(&n)
	return n, err
}

func (s *auditStore) TopActions(ctx context.Context, limit int) ([]ActionCount, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT action, COUNT(*) AS cnt FROM audit_log GROUP BY action ORDER BY cnt DESC, action ASC LIMIT %d`, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []ActionCount{}
	for rows.Next() {
		var ac ActionCount
		if err := rows.Scan(&ac.Action, &ac.Count); err != nil {
			return nil, err
		}
		res = append(res, ac)
	}
	return res, rows.Err()
}

func (s *auditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM audit_log WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *auditStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM audit_log WHERE expires_at < ?`), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
