package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

type Evidence struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedBy int64     `json:"uploaded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

type EvidenceStore interface {
	Add(ctx context.Context, e *Evidence) (int64, error)
	Get(ctx context.Context, id int64) (*Evidence, error)
	ListByIncident(ctx context.Context, incidentID int64) ([]Evidence, error)
}

type evidenceStore struct {
	db *sqlx.DB
}

func NewEvidenceStore(db *sql.DB) EvidenceStore {
	return &evidenceStore{db: wrapDB(db)}
}

const evidenceColumns = `id, incident_id, filename, path, mime_type, size_bytes, uploaded_by, created_at`

func (s *evidenceStore) Add(ctx context.Context, e *Evidence) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO evidence(incident_id, filename, path, mime_type, size_bytes, uploaded_by, created_at)
		VALUES(?,?,?,?,?,?,?) RETURNING id`),
		e.IncidentID, e.Filename, e.Path, e.MimeType, e.SizeBytes, e.UploadedBy, e.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (s *evidenceStore) Get(ctx context.Context, id int64) (*Evidence, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+evidenceColumns+` FROM evidence WHERE id=?`), id)
	var e Evidence
	if err := row.Scan(&e.ID, &e.IncidentID, &e.Filename, &e.Path, &e.MimeType, &e.SizeBytes, &e.UploadedBy, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (s *evidenceStore) ListByIncident(ctx context.Context, incidentID int64) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+evidenceColumns+` FROM evidence WHERE incident_id=? ORDER BY id ASC`), incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Evidence{}
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Filename, &e.Path, &e.MimeType, &e.SizeBytes, &e.UploadedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}
