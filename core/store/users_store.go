package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type User struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	Role            string     `json:"role"`
	Active          bool       `json:"active"`
	Approved        bool       `json:"approved"`
	ApprovedBy      *int64     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type UserFilter struct {
	Roles    []string
	Approved *bool
	Active   *bool
	Search   string
}

type UserCounts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

var (
	ErrCodeUnavailable = errors.New("verification code unavailable")
	// ErrLastAdmin rejects a write that would leave no active Administrator.
	ErrLastAdmin = errors.New("last active administrator")
)

const adminRole = "Administrator"

type UsersStore interface {
	Create(ctx context.Context, u *User) (int64, error)
	// CreateWithCode consumes the verification code and creates the user in one
	// transaction. ErrCodeUnavailable means the code was used or expired meanwhile.
	CreateWithCode(ctx context.Context, u *User, codeID int64) (int64, error)
	Get(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, filter UserFilter) ([]User, error)
	// Update and Delete return ErrLastAdmin instead of removing the last
	// active Administrator.
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id int64) error
	CountActiveAdmins(ctx context.Context) (int, error)
	Counts(ctx context.Context) (UserCounts, error)
}

type usersStore struct {
	db *sqlx.DB
}

func NewUsersStore(db *sql.DB) UsersStore {
	return &usersStore{db: wrapDB(db)}
}

const userColumns = `id, name, email, password_hash, role, active, approved, approved_by, approved_at, rejection_reason, created_at, updated_at`

const insertUserSQL = `
	INSERT INTO users(name, email, password_hash, role, active, approved, approved_by, approved_at, rejection_reason, created_at, updated_at)
	VALUES(?,?,?,?,?,?,?,?,?,?,?) RETURNING id`

func (s *usersStore) Create(ctx context.Context, u *User) (int64, error) {
	prepareUser(u)
	var id int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(insertUserSQL),
		u.Name, u.Email, u.PasswordHash, u.Role, u.Active, u.Approved, nullableID(u.ApprovedBy), nullableTime(u.ApprovedAt), u.RejectionReason, u.CreatedAt, u.UpdatedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	u.ID = id
	return id, nil
}

func (s *usersStore) CreateWithCode(ctx context.Context, u *User, codeID int64) (int64, error) {
	prepareUser(u)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE verification_codes SET used=TRUE, used_at=? WHERE id=? AND used=FALSE AND expires_at > ?`),
		u.CreatedAt, codeID, u.CreatedAt)
	if err != nil {
		rollback(tx)
		return 0, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		rollback(tx)
		return 0, ErrCodeUnavailable
	}
	var id int64
	if err := tx.QueryRowContext(ctx, tx.Rebind(insertUserSQL),
		u.Name, u.Email, u.PasswordHash, u.Role, u.Active, u.Approved, nullableID(u.ApprovedBy), nullableTime(u.ApprovedAt), u.RejectionReason, u.CreatedAt, u.UpdatedAt).Scan(&id); err != nil {
		rollback(tx)
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE verification_codes SET used_by=? WHERE id=?`), id, codeID); err != nil {
		rollback(tx)
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	u.ID = id
	return id, nil
}

func prepareUser(u *User) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.Name = strings.TrimSpace(u.Name)
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
}

func (s *usersStore) Get(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id=?`), id)
	return scanUser(row)
}

func (s *usersStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE email=?`), email)
	return scanUser(row)
}

func (s *usersStore) List(ctx context.Context, filter UserFilter) ([]User, error) {
	var clauses []string
	var args []any
	if len(filter.Roles) > 0 {
		clauses = append(clauses, "role IN (?)")
		args = append(args, filter.Roles)
	}
	if filter.Approved != nil {
		clauses = append(clauses, "approved=?")
		args = append(args, *filter.Approved)
	}
	if filter.Active != nil {
		clauses = append(clauses, "active=?")
		args = append(args, *filter.Active)
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		clauses = append(clauses, `(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(email) LIKE ? ESCAPE '\')`)
		p := likePattern(q)
		args = append(args, p, p)
	}
	query := `SELECT ` + userColumns + ` FROM users`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

func (s *usersStore) Update(ctx context.Context, u *User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.UpdatedAt = time.Now().UTC()
	stays := u.Role == adminRole && u.Active
	return s.keepingAdmin(ctx, u.ID, func(tx *sqlx.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE users SET name=?, email=?, password_hash=?, role=?, active=?, approved=?, approved_by=?, approved_at=?, rejection_reason=?, updated_at=?
			WHERE id=? AND `+adminKeptSQL),
			u.Name, u.Email, u.PasswordHash, u.Role, u.Active, u.Approved, nullableID(u.ApprovedBy), nullableTime(u.ApprovedAt), u.RejectionReason, u.UpdatedAt,
			u.ID, adminRole, stays, adminRole, u.ID)
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return res, err
	})
}

func (s *usersStore) Delete(ctx context.Context, id int64) error {
	return s.keepingAdmin(ctx, id, func(tx *sqlx.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id=? AND `+adminKeptSQL),
			id, adminRole, false, adminRole, id)
	})
}

// adminKeptSQL holds for a row that is not an active Administrator, stays one
// after the write, or is not the last one. Args: role, stays, role, id.
const adminKeptSQL = `(role<>? OR active=FALSE OR ? OR
	(SELECT COUNT(*) FROM users o WHERE o.role=? AND o.active=TRUE AND o.id<>?) > 0)`

// keepingAdmin runs a guarded write on user id in its own transaction. On
// postgres the active Administrator rows are locked first so that concurrent
// demotions see each other; sqlite serializes writers on its own.
func (s *usersStore) keepingAdmin(ctx context.Context, id int64, write func(tx *sqlx.Tx) (sql.Result, error)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if s.db.DriverName() == "pgx" {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM users WHERE role=$1 AND active=TRUE FOR UPDATE`, adminRole); err != nil {
			rollback(tx)
			return err
		}
	}
	res, err := write(tx)
	if err != nil {
		rollback(tx)
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var n int
		err := tx.QueryRowContext(ctx, tx.Rebind(`SELECT COUNT(*) FROM users WHERE id=?`), id).Scan(&n)
		rollback(tx)
		switch {
		case err != nil:
			return err
		case n == 0:
			return sql.ErrNoRows
		default:
			return ErrLastAdmin
		}
	}
	return tx.Commit()
}

func (s *usersStore) CountActiveAdmins(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM users WHERE role=? AND active=TRUE`), adminRole).Scan(&n)
	return n, err
}

func (s *usersStore) Counts(ctx context.Context) (UserCounts, error) {
	var c UserCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN approved=FALSE THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN approved=TRUE AND active=TRUE THEN 1 ELSE 0 END), 0)
		FROM users`).Scan(&c.Total, &c.Pending, &c.Active)
	if err != nil {
		return c, err
	}
	c.Inactive = c.Total - c.Active - c.Pending
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var approvedBy sql.NullInt64
	var approvedAt sql.NullTime
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.Active, &u.Approved, &approvedBy, &approvedAt, &u.RejectionReason, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if approvedBy.Valid {
		u.ApprovedBy = &approvedBy.Int64
	}
	if approvedAt.Valid {
		t := approvedAt.Time.UTC()
		u.ApprovedAt = &t
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}
