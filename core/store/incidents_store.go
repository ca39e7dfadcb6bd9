package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type Incident struct {
	ID                int64      `json:"id"`
	Type              string     `json:"type"`
	Description       string     `json:"description"`
	Severity          string     `json:"severity"`
	Status            string     `json:"status"`
	Priority          int        `json:"priority"`
	ClientID          int64      `json:"client_id"`
	AssignedTo        *int64     `json:"assigned_to,omitempty"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	ResponseMinutes   *int64     `json:"response_minutes,omitempty"`
	ResolutionMinutes *int64     `json:"resolution_minutes,omitempty"`
	Tags              []string   `json:"tags"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Version           int        `json:"version"`
}

// HistoryEntry is append-only; rows are never updated or deleted on their own.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	ActorID    int64     `json:"actor_id"`
	ActorName  string    `json:"actor_name,omitempty"`
	ActorRole  string    `json:"actor_role,omitempty"`
	Action     string    `json:"action"`
	Field      string    `json:"field,omitempty"`
	Before     string    `json:"before,omitempty"`
	After      string    `json:"after,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Comment struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	ActorID    int64     `json:"actor_id"`
	ActorName  string    `json:"actor_name,omitempty"`
	ActorRole  string    `json:"actor_role,omitempty"`
	Body       string    `json:"text"`
	Internal   bool      `json:"internal"`
	CreatedAt  time.Time `json:"created_at"`
}

type IncidentFilter struct {
	Query        string
	Type         string
	TypeExact    bool
	Status       string
	Severity     string
	TechnicianID int64
	ClientID     int64
	Tags         []string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// IncidentChange is one conditional write: the incident row (guarded by its
// expected version), optional tag replacement, and the history and comment
// rows appended alongside it.
type IncidentChange struct {
	Incident        *Incident
	ExpectedVersion int
	ReplaceTags     bool
	History         []HistoryEntry
	Comment         *Comment
}

type IncidentsStore interface {
	CreateIncident(ctx context.Context, incident *Incident, created HistoryEntry) (int64, error)
	ApplyChange(ctx context.Context, change IncidentChange) error
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, int, error)
	DeleteIncident(ctx context.Context, id int64) error
	ListHistory(ctx context.Context, incidentID int64) ([]HistoryEntry, error)
	ListComments(ctx context.Context, incidentID int64) ([]Comment, error)
}

type incidentsStore struct {
	db *sqlx.DB
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{db: wrapDB(db)}
}

const incidentColumns = `id, type, description, severity, status, priority, client_id, assigned_to, assigned_at, closed_at, response_minutes, resolution_minutes, created_at, updated_at, version`

func (s *incidentsStore) CreateIncident(ctx context.Context, incident *Incident, created HistoryEntry) (int64, error) {
	now := time.Now().UTC()
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = now
	}
	incident.UpdatedAt = incident.CreatedAt
	if incident.Version <= 0 {
		incident.Version = 1
	}
	incident.Tags = normalizeTags(incident.Tags)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		INSERT INTO incidents(type, description, severity, status, priority, client_id, assigned_to, assigned_at, closed_at, response_minutes, resolution_minutes, created_at, updated_at, version)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		incident.Type, incident.Description, incident.Severity, incident.Status, incident.Priority, incident.ClientID,
		nullableID(incident.AssignedTo), nullableTime(incident.AssignedAt), nullableTime(incident.ClosedAt),
		nullableInt(incident.ResponseMinutes), nullableInt(incident.ResolutionMinutes),
		incident.CreatedAt, incident.UpdatedAt, incident.Version).Scan(&id)
	if err != nil {
		rollback(tx)
		return 0, err
	}
	incident.ID = id
	if err := insertTagsTx(ctx, tx, id, incident.Tags); err != nil {
		rollback(tx)
		return 0, err
	}
	created.IncidentID = id
	if err := insertHistoryTx(ctx, tx, &created); err != nil {
		rollback(tx)
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *incidentsStore) ApplyChange(ctx context.Context, change IncidentChange) error {
	inc := change.Incident
	if inc == nil {
		return errors.New("incident is required")
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE incidents SET type=?, description=?, severity=?, status=?, priority=?, assigned_to=?, assigned_at=?, closed_at=?, response_minutes=?, resolution_minutes=?, updated_at=?, version=version+1
		WHERE id=? AND version=?`),
		inc.Type, inc.Description, inc.Severity, inc.Status, inc.Priority,
		nullableID(inc.AssignedTo), nullableTime(inc.AssignedAt), nullableTime(inc.ClosedAt),
		nullableInt(inc.ResponseMinutes), nullableInt(inc.ResolutionMinutes),
		now, inc.ID, change.ExpectedVersion)
	if err != nil {
		rollback(tx)
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		rollback(tx)
		return ErrConflict
	}
	if change.ReplaceTags {
		inc.Tags = normalizeTags(inc.Tags)
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM incident_tags WHERE incident_id=?`), inc.ID); err != nil {
			rollback(tx)
			return err
		}
		if err := insertTagsTx(ctx, tx, inc.ID, inc.Tags); err != nil {
			rollback(tx)
			return err
		}
	}
	if change.Comment != nil {
		change.Comment.IncidentID = inc.ID
		if change.Comment.CreatedAt.IsZero() {
			change.Comment.CreatedAt = now
		}
		err := tx.QueryRowContext(ctx, tx.Rebind(`
			INSERT INTO incident_comments(incident_id, actor_id, body, internal, created_at) VALUES(?,?,?,?,?) RETURNING id`),
			inc.ID, change.Comment.ActorID, change.Comment.Body, change.Comment.Internal, change.Comment.CreatedAt).Scan(&change.Comment.ID)
		if err != nil {
			rollback(tx)
			return err
		}
	}
	for i := range change.History {
		change.History[i].IncidentID = inc.ID
		if err := insertHistoryTx(ctx, tx, &change.History[i]); err != nil {
			rollback(tx)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inc.Version = change.ExpectedVersion + 1
	inc.UpdatedAt = now
	return nil
}

func insertTagsTx(ctx context.Context, tx *sqlx.Tx, incidentID int64, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO incident_tags(incident_id, tag) VALUES(?,?)`), incidentID, tag); err != nil {
			return err
		}
	}
	return nil
}

func insertHistoryTx(ctx context.Context, tx *sqlx.Tx, entry *HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return tx.QueryRowContext(ctx, tx.Rebind(`
		INSERT INTO incident_history(incident_id, actor_id, action, field, before_value, after_value, created_at)
		VALUES(?,?,?,?,?,?,?) RETURNING id`),
		entry.IncidentID, entry.ActorID, entry.Action, entry.Field, entry.Before, entry.After, entry.CreatedAt).Scan(&entry.ID)
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+incidentColumns+` FROM incidents WHERE id=?`), id)
	inc, err := scanIncident(row)
	if err != nil || inc == nil {
		return inc, err
	}
	tags, err := s.tagsFor(ctx, []int64{inc.ID})
	if err != nil {
		return nil, err
	}
	inc.Tags = tagsOrEmpty(tags[inc.ID])
	return inc, nil
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, int, error) {
	var clauses []string
	var args []any
	if q := strings.TrimSpace(filter.Query); q != "" {
		clauses = append(clauses, `(LOWER(type) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`)
		p := likePattern(q)
		args = append(args, p, p)
	}
	if t := strings.TrimSpace(filter.Type); t != "" {
		if filter.TypeExact {
			clauses = append(clauses, "type=?")
			args = append(args, t)
		} else {
			clauses = append(clauses, `LOWER(type) LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(t))
		}
	}
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, filter.Severity)
	}
	if filter.TechnicianID > 0 {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, filter.TechnicianID)
	}
	if filter.ClientID > 0 {
		clauses = append(clauses, "client_id=?")
		args = append(args, filter.ClientID)
	}
	if tags := normalizeTags(filter.Tags); len(tags) > 0 {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM incident_tags t WHERE t.incident_id=incidents.id AND t.tag IN (?))")
		args = append(args, tags)
	}
	if filter.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	countQuery, countArgs, err := sqlx.In(`SELECT COUNT(*) FROM incidents`+where, args...)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(countQuery), countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []Incident
	var ids []int64
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, *inc)
		ids = append(ids, inc.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	tags, err := s.tagsFor(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range res {
		res[i].Tags = tagsOrEmpty(tags[res[i].ID])
	}
	return res, total, nil
}

func (s *incidentsStore) tagsFor(ctx context.Context, ids []int64) (map[int64][]string, error) {
	out := map[int64][]string{}
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT incident_id, tag FROM incident_tags WHERE incident_id IN (?) ORDER BY tag`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		out[id] = append(out[id], tag)
	}
	return out, rows.Err()
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (s *incidentsStore) DeleteIncident(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM incidents WHERE id=?`), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *incidentsStore) ListHistory(ctx context.Context, incidentID int64) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT h.id, h.incident_id, h.actor_id, COALESCE(u.name, ''), COALESCE(u.role, ''), h.action, h.field, h.before_value, h.after_value, h.created_at
		FROM incident_history h LEFT JOIN users u ON u.id=h.actor_id
		WHERE h.incident_id=? ORDER BY h.id ASC`), incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []HistoryEntry{}
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.IncidentID, &h.ActorID, &h.ActorName, &h.ActorRole, &h.Action, &h.Field, &h.Before, &h.After, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.CreatedAt = h.CreatedAt.UTC()
		res = append(res, h)
	}
	return res, rows.Err()
}

func (s *incidentsStore) ListComments(ctx context.Context, incidentID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT c.id, c.incident_id, c.actor_id, COALESCE(u.name, ''), COALESCE(u.role, ''), c.body, c.internal, c.created_at
		FROM incident_comments c LEFT JOIN users u ON u.id=c.actor_id
		WHERE c.incident_id=? ORDER BY c.id ASC`), incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.IncidentID, &c.ActorID, &c.ActorName, &c.ActorRole, &c.Body, &c.Internal, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var assignedTo sql.NullInt64
	var assignedAt, closedAt sql.NullTime
	var response, resolution sql.NullInt64
	if err := row.Scan(&inc.ID, &inc.Type, &inc.Description, &inc.Severity, &inc.Status, &inc.Priority, &inc.ClientID,
		&assignedTo, &assignedAt, &closedAt, &response, &resolution, &inc.CreatedAt, &inc.UpdatedAt, &inc.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if assignedTo.Valid {
		inc.AssignedTo = &assignedTo.Int64
	}
	if assignedAt.Valid {
		t := assignedAt.Time.UTC()
		inc.AssignedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		inc.ClosedAt = &t
	}
	if response.Valid {
		inc.ResponseMinutes = &response.Int64
	}
	if resolution.Valid {
		inc.ResolutionMinutes = &resolution.Int64
	}
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	return &inc, nil
}
