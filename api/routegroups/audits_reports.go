package routegroups

import (
	"incident-desk/api/handlers"
	"github.com/go-chi/chi/v5"
)

func RegisterAudits(apiRouter chi.Router, g Guards, logs *handlers.LogsHandler) {
	apiRouter.Route("/audits", func(auditsRouter chi.Router) {
		auditsRouter.MethodFunc("GET", "/", g.SessionPerm("audits.view", logs.List))
		auditsRouter.MethodFunc("GET", "/users", g.SessionPerm("audits.view", logs.Users))
		auditsRouter.MethodFunc("GET", "/stats", g.SessionPerm("audits.view", logs.Stats))
		auditsRouter.MethodFunc("GET", "/export", g.SessionPerm("audits.view", logs.Export))
		auditsRouter.MethodFunc("DELETE", "/cleanup", g.SessionPerm("audits.cleanup", logs.Cleanup))
	})
}

func RegisterReports(apiRouter chi.Router, g Guards, reports *handlers.ReportsHandler) {
	apiRouter.Route("/reports", func(reportsRouter chi.Router) {
		reportsRouter.MethodFunc("GET", "/statistics", g.SessionPerm("reports.view", reports.Statistics))
		reportsRouter.MethodFunc("GET", "/summary", g.SessionPerm("reports.view", reports.Summary))
		reportsRouter.MethodFunc("GET", "/by-type-month", g.SessionPerm("reports.view", reports.ByTypeMonth))
	})
}
