package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"incident-desk/core/accounts"
	"incident-desk/core/apperr"
	"incident-desk/core/audit"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	maxExportRows   = 10000
)

type LogsHandler struct {
	audits      store.AuditStore
	recorder    *audit.Recorder
	accounts    *accounts.Service
	cleanupDays int
	logger      *utils.Logger
	now         func() time.Time
}

func NewLogsHandler(audits store.AuditStore, recorder *audit.Recorder, accts *accounts.Service, cleanupDays int, logger *utils.Logger) *LogsHandler {
	if cleanupDays <= 0 {
		cleanupDays = 90
	}
	return &LogsHandler{audits: audits, recorder: recorder, accounts: accts, cleanupDays: cleanupDays, logger: logger, now: utils.NowUTC}
}

func (h *LogsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r, maxLogLimit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items, err := h.audits.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	startOfDay := utils.StartOfDay(h.now())
	total, err := h.audits.Count(r.Context(), nil)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	today, err := h.audits.Count(r.Context(), &startOfDay)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	activeUsers, err := h.audits.DistinctActors(r.Context(), &startOfDay)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.recorder, r, currentUser(r), audit.ActionViewAudits, filterSubject(filter), nil, map[string]any{"count": len(items)})
	writeJSON(w, http.StatusOK, map[string]any{
		"logs": items,
		"stats": map[string]int{
			"total":        total,
			"today":        today,
			"active_users": activeUsers,
		},
	})
}

func (h *LogsHandler) Users(w http.ResponseWriter, r *http.Request) {
	users, err := h.accounts.Selectable(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *LogsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now()
	startOfDay := utils.StartOfDay(now)
	weekAgo := now.Add(-7 * 24 * time.Hour)
	total, err := h.audits.Count(ctx, nil)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	today, err := h.audits.Count(ctx, &startOfDay)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	week, err := h.audits.Count(ctx, &weekAgo)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	top, err := h.audits.TopActions(ctx, 5)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actors, err := h.audits.DistinctActors(ctx, nil)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       total,
		"today":       today,
		"week":        week,
		"top_actions": top,
		"users":       actors,
	})
}

func (h *LogsHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r, maxExportRows)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(r.URL.Query().Get("limit")) == "" {
		filter.Limit = maxExportRows
	}
	items, err := h.audits.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.recorder, r, currentUser(r), audit.ActionExportAudits, filterSubject(filter), nil, map[string]any{"count": len(items)})
	filename := "audit_log_" + h.now().Format("20060102_150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"time", "user", "role", "action", "module", "detail", "ip"})
	for i := range items {
		_ = writer.Write([]string{
			items[i].CreatedAt.UTC().Format(time.RFC3339),
			strings.TrimSpace(items[i].ActorName),
			items[i].ActorRole,
			items[i].Action,
			items[i].Module,
			strings.TrimSpace(items[i].Detail),
			items[i].IP,
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		h.logger.Warnf("audit export: %v", err)
	}
}

type cleanupRequest struct {
	Days int `json:"days"`
}

func (h *LogsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if _, err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Days < 0 {
		writeError(w, r, h.logger, apperr.Validation("days must be positive"))
		return
	}
	if req.Days == 0 {
		req.Days = h.cleanupDays
	}
	cutoff := h.now().AddDate(0, 0, -req.Days)
	deleted, err := h.audits.DeleteBefore(r.Context(), cutoff)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Printf("audit: cleanup removed %d records older than %s", deleted, cutoff.Format(time.RFC3339))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "cutoff": cutoff})
}

func parseLogFilter(r *http.Request, maxLimit int) (store.AuditFilter, error) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Action: strings.ToUpper(strings.TrimSpace(q.Get("action"))),
		IP:     strings.TrimSpace(q.Get("ip")),
		Limit:  queryInt(r, "limit", defaultLogLimit),
	}
	if filter.Action != "" && !audit.Action(filter.Action).Valid() {
		return filter, apperr.Validation("unknown action %q", filter.Action)
	}
	if rawUser := strings.TrimSpace(q.Get("user")); rawUser != "" {
		id, err := strconv.ParseInt(rawUser, 10, 64)
		if err != nil || id <= 0 {
			return filter, errInvalidParam("user")
		}
		filter.ActorID = id
	}
	var err error
	if filter.From, err = queryDate(r, "from", false); err != nil {
		return filter, err
	}
	if filter.To, err = queryDate(r, "to", true); err != nil {
		return filter, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultLogLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	return filter, nil
}

func filterSubject(f store.AuditFilter) string {
	if f.Action == "" {
		return ""
	}
	return " (action: " + f.Action + ")"
}
