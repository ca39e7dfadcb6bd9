package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"incident-desk/core/apperr"
	"incident-desk/core/audit"
	"incident-desk/core/evidence"
	"incident-desk/core/utils"
)

// multipartOverhead leaves room for boundaries and headers around the file part.
const multipartOverhead = 1 << 20

type EvidenceHandler struct {
	evidence *evidence.Service
	audits   *audit.Recorder
	logger   *utils.Logger
}

func NewEvidenceHandler(svc *evidence.Service, audits *audit.Recorder, logger *utils.Logger) *EvidenceHandler {
	return &EvidenceHandler{evidence: svc, audits: audits, logger: logger}
}

func (h *EvidenceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	incidentID, err := parseID(r, "incidentID")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.evidence.MaxBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, h.logger, evidence.ErrTooLarge)
			return
		}
		writeError(w, r, h.logger, apperr.Validation("multipart form with a file field is required"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, h.logger, apperr.Validation("file is required"))
		return
	}
	defer file.Close()
	actor := currentUser(r)
	ev, err := h.evidence.Add(r.Context(), actor, incidentID, evidence.Upload{
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Body:     file,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionUploadEvidence, ev.Filename, nil,
		map[string]any{"incident_id": incidentID, "evidence_id": ev.ID, "size": ev.SizeBytes})
	writeJSON(w, http.StatusCreated, map[string]any{"evidence": ev})
}

func (h *EvidenceHandler) List(w http.ResponseWriter, r *http.Request) {
	incidentID, err := parseID(r, "incidentID")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items, err := h.evidence.List(r.Context(), incidentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": items})
}

func (h *EvidenceHandler) File(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ev, rc, err := h.evidence.Open(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer rc.Close()
	actor := currentUser(r)
	record(h.audits, r, actor, audit.ActionDownloadEvidence, ev.Filename, nil,
		map[string]any{"incident_id": ev.IncidentID, "evidence_id": ev.ID})
	w.Header().Set("Content-Type", ev.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(ev.SizeBytes, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ev.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warnf("evidence: stream %d: %v", ev.ID, err)
	}
}
