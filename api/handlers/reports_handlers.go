package handlers

import (
	"net/http"
	"strings"

	"incident-desk/core/audit"
	"incident-desk/core/reports"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

type ReportsHandler struct {
	reports *reports.Service
	audits  *audit.Recorder
	logger  *utils.Logger
}

func NewReportsHandler(svc *reports.Service, audits *audit.Recorder, logger *utils.Logger) *ReportsHandler {
	return &ReportsHandler{reports: svc, audits: audits, logger: logger}
}

func (h *ReportsHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	var scope store.ReportScope
	var err error
	if scope.TechnicianID, err = optionalID(r.URL.Query().Get("technician"), "technician"); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if scope.From, err = queryDate(r, "from", false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if scope.To, err = queryDate(r, "to", true); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	stats, err := h.reports.Statistics(r.Context(), scope)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, currentUser(r), audit.ActionGenerateReport, "statistics", nil, nil)
	writeJSON(w, http.StatusOK, stats)
}

func (h *ReportsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reports.Summary(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *ReportsHandler) ByTypeMonth(w http.ResponseWriter, r *http.Request) {
	year := 0
	if strings.TrimSpace(r.URL.Query().Get("year")) != "" {
		year = queryInt(r, "year", -1)
	}
	months, err := h.reports.ByTypeMonth(r.Context(), year)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	record(h.audits, r, currentUser(r), audit.ActionGenerateReport, "incidents by type and month", nil, map[string]any{"year": year})
	writeJSON(w, http.StatusOK, map[string]any{"months": months})
}
