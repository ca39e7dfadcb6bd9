package api

import "incident-desk/api/handlers"

type routeHandlers struct {
	auth      *handlers.AuthHandler
	accounts  *handlers.AccountsHandler
	codes     *handlers.CodesHandler
	incidents *handlers.IncidentsHandler
	evidence  *handlers.EvidenceHandler
	logs      *handlers.LogsHandler
	reports   *handlers.ReportsHandler
}

func (s *Server) newRouteHandlers() routeHandlers {
	return routeHandlers{
		auth:      handlers.NewAuthHandler(s.sessionManager, s.accounts, s.recorder, s.logger),
		accounts:  handlers.NewAccountsHandler(s.accounts, s.recorder, s.logger),
		codes:     handlers.NewCodesHandler(s.codes, s.logger),
		incidents: handlers.NewIncidentsHandler(s.incidents, s.evidence, s.recorder, s.logger),
		evidence:  handlers.NewEvidenceHandler(s.evidence, s.recorder, s.logger),
		logs:      handlers.NewLogsHandler(s.audits, s.recorder, s.accounts, s.cfg.Audit.DefaultCleanupDays, s.logger),
		reports:   handlers.NewReportsHandler(s.reports, s.recorder, s.logger),
	}
}
