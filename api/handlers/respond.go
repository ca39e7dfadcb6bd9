package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"incident-desk/core/apperr"
	"incident-desk/core/audit"
	"incident-desk/core/auth"
	"incident-desk/core/evidence"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeError maps the error taxonomy onto status codes. Anything unclassified
// is logged and reported as a generic server error.
func writeError(w http.ResponseWriter, r *http.Request, logger *utils.Logger, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		writeMessage(w, http.StatusBadRequest, apperr.Message(err, "bad request"))
	case errors.Is(err, apperr.ErrUnauthenticated):
		writeMessage(w, http.StatusUnauthorized, apperr.Message(err, "unauthorized"))
	case errors.Is(err, apperr.ErrForbidden):
		writeMessage(w, http.StatusForbidden, apperr.Message(err, "forbidden"))
	case errors.Is(err, apperr.ErrNotFound):
		writeMessage(w, http.StatusNotFound, apperr.Message(err, "not found"))
	case errors.Is(err, apperr.ErrConflict):
		writeMessage(w, http.StatusConflict, apperr.Message(err, "conflict"))
	case errors.Is(err, evidence.ErrTooLarge), errors.As(err, &tooLarge):
		writeMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
	default:
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeMessage(w, http.StatusInternalServerError, "server error")
	}
}

// decodeJSON reads a JSON object body into dst and keeps a generic copy of it
// for audit metadata. An empty body decodes as {}.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		if errors.Is(err, io.EOF) {
			raw = json.RawMessage("{}")
		} else {
			return nil, apperr.Validation("invalid JSON body")
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, apperr.Validation("invalid JSON body")
	}
	body := map[string]any{}
	_ = json.Unmarshal(raw, &body)
	return body, nil
}

func currentUser(r *http.Request) *store.User {
	user, _ := auth.UserFromContext(r.Context())
	return user
}

func actorID(user *store.User) *int64 {
	if user == nil {
		return nil
	}
	id := user.ID
	return &id
}

func parseID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(pathParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidParam(key)
	}
	return id, nil
}

func errInvalidParam(name string) error {
	return apperr.Validation("invalid %s", name)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// queryDate parses a date or datetime query value. Date-only "to" values
// cover the whole day.
func queryDate(r *http.Request, key string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := utils.ParseDate(raw)
	if err != nil {
		return nil, apperr.Validation("invalid %s date %q", key, raw)
	}
	if endOfDay && utils.IsDateOnly(raw) {
		t = utils.EndOfDay(t)
	}
	return &t, nil
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

// record is the handler-side shorthand for an audit event after success.
func record(rec *audit.Recorder, r *http.Request, actor *store.User, action audit.Action, subject string, body map[string]any, extra map[string]any) {
	rec.Record(r.Context(), audit.Event{
		ActorID: actorID(actor),
		Action:  action,
		Subject: subject,
		Request: audit.FromHTTP(r, body),
		Extra:   extra,
	})
}
