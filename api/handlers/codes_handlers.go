package handlers

import (
	"net/http"
	"strings"

	"incident-desk/core/codes"
	"incident-desk/core/utils"
)

type CodesHandler struct {
	codes  *codes.Service
	logger *utils.Logger
}

func NewCodesHandler(svc *codes.Service, logger *utils.Logger) *CodesHandler {
	return &CodesHandler{codes: svc, logger: logger}
}

// Request never returns the code itself; it only travels by email.
func (h *CodesHandler) Request(w http.ResponseWriter, r *http.Request) {
	var in codes.RequestInput
	if _, err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	issued, err := h.codes.Request(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	code := issued.Code
	resp := map[string]any{
		"message":    "verification code issued",
		"email_sent": issued.EmailSent,
		"expires_at": code.ExpiresAt,
	}
	if issued.Warning != "" {
		resp["warning"] = issued.Warning
	}
	writeJSON(w, http.StatusCreated, resp)
}

type validateCodeRequest struct {
	Code  string `json:"code"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (h *CodesHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	if _, err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	code, err := h.codes.Validate(r.Context(), strings.ToUpper(strings.TrimSpace(req.Code)), req.Email, strings.TrimSpace(req.Role))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "expires_at": code.ExpiresAt})
}

func (h *CodesHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("active")), "true")
	items, err := h.codes.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"codes": items})
}

func (h *CodesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.codes.Delete(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeMessage(w, http.StatusOK, "code deleted")
}
