package handlers

import (
	"errors"
	"net/http"

	"incident-desk/core/accounts"
	"incident-desk/core/apperr"
	"incident-desk/core/audit"
	"incident-desk/core/auth"
	"incident-desk/core/utils"
)

type AuthHandler struct {
	sessions *auth.SessionManager
	accounts *accounts.Service
	audits   *audit.Recorder
	logger   *utils.Logger
}

func NewAuthHandler(sm *auth.SessionManager, accts *accounts.Service, audits *audit.Recorder, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{sessions: sm, accounts: accts, audits: audits, logger: logger}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var cred credentials
	body, err := decodeJSON(w, r, &cred)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	email := utils.NormalizeEmail(cred.Email)
	res, err := h.sessions.Authenticate(r.Context(), email, cred.Password)
	if err != nil {
		if !errors.Is(err, apperr.ErrValidation) {
			record(h.audits, r, nil, audit.ActionLoginFailed, email, body, map[string]any{"email": email})
		}
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, res.User, audit.ActionLogin, res.User.Email, body, nil)
	writeJSON(w, http.StatusOK, res)
}

// Logout only leaves a trail; tokens expire on their own.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	record(h.audits, r, user, audit.ActionLogout, user.Email, nil, nil)
	writeMessage(w, http.StatusOK, "signed out")
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user": currentUser(r)})
}

func (h *AuthHandler) RegisterPublic(w http.ResponseWriter, r *http.Request) {
	var in accounts.RegisterInput
	if _, err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	reg, err := h.accounts.RegisterPublic(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	user := reg.User
	msg := "registration complete"
	if !user.Approved {
		msg = "registration received, an administrator must approve the account"
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":           msg,
		"user":              user,
		"requires_approval": !user.Approved,
	})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in accounts.RegisterInput
	body, err := decodeJSON(w, r, &in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := currentUser(r)
	user, err := h.accounts.RegisterByAdmin(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionCreateUser, user.Email, body, nil)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}
