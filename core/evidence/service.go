package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"incident-desk/core/apperr"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

const DefaultMaxBytes int64 = 20 << 20

// ErrTooLarge is returned when an upload exceeds the configured cap.
var ErrTooLarge = errors.New("evidence file too large")

type Service struct {
	store     store.EvidenceStore
	incidents store.IncidentsStore
	blobs     BlobStore
	maxBytes  int64
	logger    *utils.Logger
}

func NewService(es store.EvidenceStore, is store.IncidentsStore, blobs BlobStore, maxBytes int64, logger *utils.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{store: es, incidents: is, blobs: blobs, maxBytes: maxBytes, logger: logger}
}

func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

type Upload struct {
	Filename string
	MimeType string
	Body     io.Reader
}

func (s *Service) requireIncident(ctx context.Context, id int64) error {
	inc, err := s.incidents.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if inc == nil {
		return apperr.NotFound("incident not found")
	}
	return nil
}

// Add stores the blob under a fresh key and records its metadata. The blob is
// removed again if the metadata row cannot be written.
func (s *Service) Add(ctx context.Context, actor *store.User, incidentID int64, up Upload) (*store.Evidence, error) {
	name := filepath.Base(strings.TrimSpace(up.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, apperr.Validation("file is required")
	}
	if err := s.requireIncident(ctx, incidentID); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(up.Body, s.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxBytes {
		return nil, ErrTooLarge
	}
	mime := up.MimeType
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	key := fmt.Sprintf("%d/%s%s", incidentID, utils.NewULID(), strings.ToLower(filepath.Ext(name)))
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mime); err != nil {
		return nil, fmt.Errorf("store evidence blob: %w", err)
	}
	ev := &store.Evidence{
		IncidentID: incidentID,
		Filename:   name,
		Path:       key,
		MimeType:   mime,
		SizeBytes:  int64(len(data)),
		UploadedBy: actor.ID,
	}
	if _, err := s.store.Add(ctx, ev); err != nil {
		if rmErr := s.blobs.Remove(ctx, key); rmErr != nil {
			s.logger.Errorf("evidence: remove orphan blob %s: %v", key, rmErr)
		}
		return nil, err
	}
	return ev, nil
}

func (s *Service) List(ctx context.Context, incidentID int64) ([]store.Evidence, error) {
	if err := s.requireIncident(ctx, incidentID); err != nil {
		return nil, err
	}
	return s.store.ListByIncident(ctx, incidentID)
}

// Open returns the metadata and a reader for the blob. The caller closes it.
func (s *Service) Open(ctx context.Context, id int64) (*store.Evidence, io.ReadCloser, error) {
	ev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if ev == nil {
		return nil, nil, apperr.NotFound("evidence not found")
	}
	rc, err := s.blobs.Open(ctx, ev.Path)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, nil, apperr.NotFound("evidence file is missing")
		}
		return nil, nil, err
	}
	return ev, rc, nil
}

// RemoveBlobs deletes blob contents after their incident is gone. Failures
// are logged only.
func (s *Service) RemoveBlobs(ctx context.Context, items []store.Evidence) {
	for _, ev := range items {
		if err := s.blobs.Remove(ctx, ev.Path); err != nil {
			s.logger.Warnf("evidence: remove blob %s: %v", ev.Path, err)
		}
	}
}
