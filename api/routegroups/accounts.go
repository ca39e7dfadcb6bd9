package routegroups

import (
	"incident-desk/api/handlers"
	"github.com/go-chi/chi/v5"
)

func RegisterAuth(apiRouter chi.Router, g Guards, auth *handlers.AuthHandler) {
	apiRouter.Route("/auth", func(authRouter chi.Router) {
		authRouter.MethodFunc("POST", "/register-public", g.Public(auth.RegisterPublic))
		authRouter.MethodFunc("POST", "/register", g.SessionPerm("users.manage", auth.Register))
		authRouter.MethodFunc("POST", "/login", g.Public(auth.Login))
		authRouter.MethodFunc("POST", "/logout", g.Session(auth.Logout))
		authRouter.MethodFunc("GET", "/verify", g.Session(auth.Verify))
	})
}

func RegisterUsers(apiRouter chi.Router, g Guards, accounts *handlers.AccountsHandler) {
	apiRouter.Route("/users", func(usersRouter chi.Router) {
		usersRouter.MethodFunc("GET", "/", g.SessionPerm("users.view", accounts.List))
		usersRouter.MethodFunc("GET", "/technicians/available", g.SessionPerm("users.assignees", accounts.Assignees))
		usersRouter.MethodFunc("GET", "/{id:[0-9]+}", g.SessionPerm("users.view", accounts.Get))
		usersRouter.MethodFunc("PUT", "/{id:[0-9]+}", g.SessionPerm("users.manage", accounts.Update))
		usersRouter.MethodFunc("POST", "/{id:[0-9]+}/approve", g.SessionPerm("users.manage", accounts.Approve))
		usersRouter.MethodFunc("POST", "/{id:[0-9]+}/reject", g.SessionPerm("users.manage", accounts.Reject))
		usersRouter.MethodFunc("PATCH", "/{id:[0-9]+}/toggle-active", g.SessionPerm("users.manage", accounts.ToggleActive))
		usersRouter.MethodFunc("PATCH", "/{id:[0-9]+}/role", g.SessionPerm("users.manage", accounts.ChangeRole))
		usersRouter.MethodFunc("DELETE", "/{id:[0-9]+}", g.SessionPerm("users.manage", accounts.Delete))
	})

	apiRouter.Route("/admin", func(adminRouter chi.Router) {
		adminRouter.MethodFunc("GET", "/stats", g.SessionPerm("admin.console", accounts.AdminStats))
		adminRouter.MethodFunc("GET", "/users", g.SessionPerm("admin.console", accounts.AdminUsers))
		adminRouter.MethodFunc("GET", "/users/{id:[0-9]+}", g.SessionPerm("admin.console", accounts.Get))
	})
}

func RegisterCodes(apiRouter chi.Router, g Guards, codes *handlers.CodesHandler) {
	apiRouter.Route("/codes", func(codesRouter chi.Router) {
		codesRouter.MethodFunc("POST", "/request", g.Public(codes.Request))
		codesRouter.MethodFunc("POST", "/validate", g.Public(codes.Validate))
		codesRouter.MethodFunc("GET", "/", g.SessionPerm("codes.manage", codes.List))
		codesRouter.MethodFunc("DELETE", "/{id:[0-9]+}", g.SessionPerm("codes.manage", codes.Delete))
	})
}
