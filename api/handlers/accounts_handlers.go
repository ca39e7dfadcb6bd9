package handlers

import (
	"net/http"
	"strings"

	"incident-desk/core/accounts"
	"incident-desk/core/audit"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

type AccountsHandler struct {
	accounts *accounts.Service
	audits   *audit.Recorder
	logger   *utils.Logger
}

func NewAccountsHandler(accts *accounts.Service, audits *audit.Recorder, logger *utils.Logger) *AccountsHandler {
	return &AccountsHandler{accounts: accts, audits: audits, logger: logger}
}

func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("filter")))
	users, err := h.accounts.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	subject := filter
	if subject == "" {
		subject = "all"
	}
	record(h.audits, r, currentUser(r), audit.ActionListUsers, subject, nil, map[string]any{"count": len(users)})
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *AccountsHandler) Assignees(w http.ResponseWriter, r *http.Request) {
	users, err := h.accounts.Assignees(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	user, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, currentUser(r), audit.ActionViewUser, idString(id), nil, nil)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *AccountsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var in accounts.UpdateInput
	body, err := decodeJSON(w, r, &in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	user, err := h.accounts.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.modified(r, user, body)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *AccountsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := currentUser(r)
	out, err := h.accounts.Approve(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionApproveUser, out.User.Email, nil, map[string]any{"email_sent": out.EmailSent})
	writeJSON(w, http.StatusOK, outcomeBody("user approved", out))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *AccountsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req rejectRequest
	body, err := decodeJSON(w, r, &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out, err := h.accounts.Reject(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, currentUser(r), audit.ActionRejectUser, out.User.Email, body,
		map[string]any{"reason": out.User.RejectionReason, "email_sent": out.EmailSent})
	writeJSON(w, http.StatusOK, outcomeBody("user rejected", out))
}

func (h *AccountsHandler) ToggleActive(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	user, err := h.accounts.ToggleActive(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.modified(r, user, map[string]any{"active": user.Active})
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

type roleRequest struct {
	Role string `json:"role"`
}

func (h *AccountsHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req roleRequest
	body, err := decodeJSON(w, r, &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	user, err := h.accounts.ChangeRole(r.Context(), id, req.Role)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.modified(r, user, body)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *AccountsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	user, err := h.accounts.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, currentUser(r), audit.ActionDeleteUser, user.Email, nil, nil)
	writeMessage(w, http.StatusOK, "user deleted")
}

func (h *AccountsHandler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.accounts.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AccountsHandler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := strings.ToLower(strings.TrimSpace(q.Get("state")))
	users, err := h.accounts.AdminList(r.Context(), state, strings.TrimSpace(q.Get("search")))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if state == "" {
		state = "pending"
	}
	record(h.audits, r, currentUser(r), audit.ActionListUsers, state, nil, map[string]any{"count": len(users)})
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

func (h *AccountsHandler) modified(r *http.Request, user *store.User, body map[string]any) {
	record(h.audits, r, currentUser(r), audit.ActionModifyUser, user.Email, body, map[string]any{"user_id": user.ID})
}

func outcomeBody(msg string, out *accounts.Outcome) map[string]any {
	body := map[string]any{
		"message":    msg,
		"user":       out.User,
		"email_sent": out.EmailSent,
	}
	if out.Warning != "" {
		body["warning"] = out.Warning
	}
	return body
}
