package routegroups

import (
	"incident-desk/api/handlers"
	"github.com/go-chi/chi/v5"
)

func RegisterIncidents(apiRouter chi.Router, g Guards, incidents *handlers.IncidentsHandler) {
	apiRouter.Route("/incidents", func(incidentsRouter chi.Router) {
		incidentsRouter.MethodFunc("POST", "/", g.SessionPerm("incidents.create", incidents.Create))
		incidentsRouter.MethodFunc("GET", "/", g.SessionPerm("incidents.view", incidents.List))
		incidentsRouter.MethodFunc("GET", "/search", g.SessionPerm("incidents.view", incidents.Search))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}", g.SessionPerm("incidents.view", incidents.Get))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}/history", g.SessionPerm("incidents.view", incidents.History))
		incidentsRouter.MethodFunc("PATCH", "/{id:[0-9]+}/assign", g.SessionPerm("incidents.assign", incidents.Assign))
		incidentsRouter.MethodFunc("PATCH", "/{id:[0-9]+}/status", g.SessionPerm("incidents.status", incidents.ChangeStatus))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/comments", g.SessionPerm("incidents.comment", incidents.AddComment))
		incidentsRouter.MethodFunc("PUT", "/{id:[0-9]+}", g.SessionPerm("incidents.edit", incidents.Update))
		incidentsRouter.MethodFunc("DELETE", "/{id:[0-9]+}", g.SessionPerm("incidents.delete", incidents.Delete))
	})
}

func RegisterEvidence(apiRouter chi.Router, g Guards, evidence *handlers.EvidenceHandler) {
	apiRouter.Route("/evidence", func(evidenceRouter chi.Router) {
		evidenceRouter.MethodFunc("POST", "/{incidentID:[0-9]+}", g.SessionPerm("evidence.upload", evidence.Upload))
		evidenceRouter.MethodFunc("GET", "/{incidentID:[0-9]+}", g.SessionPerm("evidence.view", evidence.List))
		evidenceRouter.MethodFunc("GET", "/file/{id:[0-9]+}", g.SessionPerm("evidence.view", evidence.File))
	})
}
