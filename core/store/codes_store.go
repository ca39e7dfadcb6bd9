package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type VerificationCode struct {
	ID            int64      `json:"id"`
	Code          string     `json:"code"`
	Email         string     `json:"email"`
	RequesterName string     `json:"requester_name"`
	Role          string     `json:"role"`
	Used          bool       `json:"used"`
	UsedBy        *int64     `json:"used_by,omitempty"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	EmailSent     bool       `json:"email_sent"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

type CodeCounts struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Available int `json:"available"`
}

type CodesStore interface {
	// Create inserts c unless (email, role) already has an active code at
	// c.CreatedAt, in which case it returns ErrActiveCode.
	Create(ctx context.Context, c *VerificationCode) (int64, error)
	// FindValid matches the exact (code, email, role) triple among active codes.
	FindValid(ctx context.Context, code, email, role string, now time.Time) (*VerificationCode, error)
	Get(ctx context.Context, id int64) (*VerificationCode, error)
	MarkEmailSent(ctx context.Context, id int64) error
	List(ctx context.Context, activeOnly bool, now time.Time) ([]VerificationCode, error)
	Delete(ctx context.Context, id int64) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Counts(ctx context.Context) (CodeCounts, error)
}

type codesStore struct {
	db *sqlx.DB
}

func NewCodesStore(db *sql.DB) CodesStore {
	return &codesStore{db: wrapDB(db)}
}

const codeColumns = `id, code, email, requester_name, role, used, used_by, used_at, email_sent, created_at, expires_at`

const codeInsertColumns = `code, email, requester_name, role, used, used_by, used_at, email_sent, created_at, expires_at`

// activeCodeWhere matches unused, unexpired codes. Args: email, role, now.
const activeCodeWhere = `email=? AND role=? AND used=FALSE AND expires_at > ?`

// ErrActiveCode means (email, role) already holds an unused, unexpired code.
var ErrActiveCode = errors.New("active code exists")

func (s *codesStore) Create(ctx context.Context, c *VerificationCode) (int64, error) {
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	args := []any{c.Code, c.Email, c.RequesterName, c.Role, c.Used, nullableID(c.UsedBy), nullableTime(c.UsedAt), c.EmailSent, c.CreatedAt.UTC(), c.ExpiresAt.UTC()}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var id int64
	if s.db.DriverName() == "pgx" {
		id, err = createCodeLocked(ctx, tx, c, args)
	} else {
		// A single write statement holds the sqlite write lock for its whole run.
		err = tx.QueryRowContext(ctx, tx.Rebind(`
			INSERT INTO verification_codes(`+codeInsertColumns+`)
			SELECT ?,?,?,?,?,?,?,?,?,?
			WHERE NOT EXISTS (SELECT 1 FROM verification_codes WHERE `+activeCodeWhere+`)
			RETURNING id`), append(args, c.Email, c.Role, c.CreatedAt.UTC())...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrActiveCode
		}
	}
	if err != nil {
		rollback(tx)
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// createCodeLocked takes a transaction-scoped advisory lock on (email, role)
// so that concurrent requests for the same pair run one after the other.
func createCodeLocked(ctx context.Context, tx *sqlx.Tx, c *VerificationCode, args []any) (int64, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, c.Email+"|"+c.Role); err != nil {
		return 0, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, tx.Rebind(`SELECT COUNT(*) FROM verification_codes WHERE `+activeCodeWhere),
		c.Email, c.Role, c.CreatedAt.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, ErrActiveCode
	}
	var id int64
	err := tx.QueryRowContext(ctx, tx.Rebind(`
		INSERT INTO verification_codes(`+codeInsertColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`), args...).Scan(&id)
	return id, err
}

func (s *codesStore) FindValid(ctx context.Context, code, email, role string, now time.Time) (*VerificationCode, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+codeColumns+` FROM verification_codes
		WHERE code=? AND email=? AND role=? AND used=FALSE AND expires_at > ?`),
		strings.ToUpper(strings.TrimSpace(code)), strings.ToLower(strings.TrimSpace(email)), role, now.UTC())
	return scanCode(row)
}

func (s *codesStore) Get(ctx context.Context, id int64) (*VerificationCode, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+codeColumns+` FROM verification_codes WHERE id=?`), id)
	return scanCode(row)
}

func (s *codesStore) MarkEmailSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE verification_codes SET email_sent=TRUE WHERE id=?`), id)
	return err
}

func (s *codesStore) List(ctx context.Context, activeOnly bool, now time.Time) ([]VerificationCode, error) {
	query := `SELECT ` + codeColumns + ` FROM verification_codes`
	var args []any
	if activeOnly {
		query += ` WHERE used=FALSE AND expires_at > ?`
		args = append(args, now.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []VerificationCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *c)
	}
	return res, rows.Err()
}

func (s *codesStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM verification_codes WHERE id=?`), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *codesStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM verification_codes WHERE used=FALSE AND expires_at <= ?`), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *codesStore) Counts(ctx context.Context) (CodeCounts, error) {
	var c CodeCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN used=TRUE THEN 1 ELSE 0 END), 0) FROM verification_codes`).Scan(&c.Total, &c.Used)
	c.Available = c.Total - c.Used
	return c, err
}

func scanCode(row rowScanner) (*VerificationCode, error) {
	var c VerificationCode
	var usedBy sql.NullInt64
	var usedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Code, &c.Email, &c.RequesterName, &c.Role, &c.Used, &usedBy, &usedAt, &c.EmailSent, &c.CreatedAt, &c.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if usedBy.Valid {
		c.UsedBy = &usedBy.Int64
	}
	if usedAt.Valid {
		t := usedAt.Time.UTC()
		c.UsedAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	return &c, nil
}
