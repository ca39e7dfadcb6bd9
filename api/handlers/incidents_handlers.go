package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"incident-desk/core/audit"
	"incident-desk/core/evidence"
	"incident-desk/core/incidents"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

type IncidentsHandler struct {
	incidents *incidents.Service
	evidence  *evidence.Service
	audits    *audit.Recorder
	logger    *utils.Logger
}

func NewIncidentsHandler(svc *incidents.Service, ev *evidence.Service, audits *audit.Recorder, logger *utils.Logger) *IncidentsHandler {
	return &IncidentsHandler{incidents: svc, evidence: ev, audits: audits, logger: logger}
}

func (h *IncidentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in incidents.CreateInput
	body, err := decodeJSON(w, r, &in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := currentUser(r)
	inc, err := h.incidents.Create(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionCreateIncident, inc.Type, body, map[string]any{"incident_id": inc.ID})
	writeJSON(w, http.StatusCreated, map[string]any{"incident": inc})
}

func (h *IncidentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryDate(r, "from", false)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	to, err := queryDate(r, "to", true)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	in := incidents.ListInput{
		Status: strings.TrimSpace(q.Get("status")),
		Type:   strings.TrimSpace(q.Get("type")),
		From:   from,
		To:     to,
		Mine:   strings.EqualFold(strings.TrimSpace(q.Get("mine")), "true"),
		Page:   queryInt(r, "page", 1),
		Limit:  queryInt(r, "limit", incidents.DefaultPageSize),
	}
	actor := currentUser(r)
	items, err := h.incidents.List(r.Context(), actor, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	subject := ""
	if in.Status != "" {
		subject = " (status: " + in.Status + ")"
	}
	record(h.audits, r, actor, audit.ActionListIncidents, subject, nil, map[string]any{"count": len(items)})
	writeJSON(w, http.StatusOK, map[string]any{"incidents": items})
}

func (h *IncidentsHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryDate(r, "from", false)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	to, err := queryDate(r, "to", true)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	filter := store.IncidentFilter{
		Query:    strings.TrimSpace(q.Get("q")),
		Type:     strings.TrimSpace(q.Get("type")),
		Status:   strings.TrimSpace(q.Get("status")),
		Severity: strings.TrimSpace(q.Get("severity")),
		From:     from,
		To:       to,
	}
	if filter.TechnicianID, err = optionalID(q.Get("technician"), "technician"); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if filter.ClientID, err = optionalID(q.Get("client"), "client"); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	for _, tag := range strings.Split(q.Get("tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			filter.Tags = append(filter.Tags, tag)
		}
	}
	page, err := h.incidents.Search(r.Context(), filter, queryInt(r, "page", 1), queryInt(r, "limit", incidents.DefaultPageSize))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func optionalID(raw, name string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidParam(name)
	}
	return id, nil
}

func (h *IncidentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := currentUser(r)
	detail, err := h.incidents.View(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionViewIncident, idString(id), nil, nil)
	writeJSON(w, http.StatusOK, map[string]any{"incident": detail})
}

func (h *IncidentsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entries, err := h.incidents.History(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

type assignRequest struct {
	TechnicianID int64 `json:"technician_id"`
}

func (h *IncidentsHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req assignRequest
	body, err := decodeJSON(w, r, &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := currentUser(r)
	inc, err := h.incidents.Assign(r.Context(), actor, id, req.TechnicianID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionAssign, idString(req.TechnicianID), body, map[string]any{"incident_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *IncidentsHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req statusRequest
	body, err := decodeJSON(w, r, &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := currentUser(r)
	change, err := h.incidents.ChangeStatus(r.Context(), actor, id, strings.TrimSpace(req.Status))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionChangeStatus, change.To, body,
		map[string]any{"incident_id": id, "from": change.From})
	writeJSON(w, http.StatusOK, map[string]any{"incident": change.Incident})
}

func (h *IncidentsHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var in incidents.CommentInput
	body, err := decodeJSON(w, r, &in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := currentUser(r)
	comments, err := h.incidents.AddComment(r.Context(), actor, id, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionAddComment, idString(id), body, nil)
	writeJSON(w, http.StatusCreated, map[string]any{"comments": comments})
}

func (h *IncidentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var in incidents.UpdateInput
	body, err := decodeJSON(w, r, &in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := currentUser(r)
	inc, err := h.incidents.Update(r.Context(), actor, id, in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, actor, audit.ActionModifyIncident, idString(id), body, nil)
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc})
}

// Delete drops the incident and everything it owns, then removes the evidence
// blobs. Blob removal failures are logged only.
func (h *IncidentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var blobs []store.Evidence
	if h.evidence != nil {
		if blobs, err = h.evidence.List(r.Context(), id); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	if err := h.incidents.Delete(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if h.evidence != nil {
		h.evidence.RemoveBlobs(r.Context(), blobs)
	}
	record(h.audits, r, currentUser(r), audit.ActionDeleteIncident, idString(id), nil, map[string]any{"evidence": len(blobs)})
	writeMessage(w, http.StatusOK, "incident deleted")
}
