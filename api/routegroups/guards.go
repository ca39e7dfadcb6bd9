package routegroups

import "net/http"

// Guards wraps handlers with the server's session and permission checks.
// Throttled is the login limiter used on unauthenticated write endpoints.
type Guards struct {
	WithSession       func(http.HandlerFunc) http.HandlerFunc
	RequirePermission func(string) func(http.HandlerFunc) http.HandlerFunc
	Throttled         func(http.HandlerFunc) http.HandlerFunc
}

func (g Guards) SessionPerm(perm string, h http.HandlerFunc) http.HandlerFunc {
	return g.WithSession(g.RequirePermission(perm)(h))
}

// Session only requires a valid token.
func (g Guards) Session(h http.HandlerFunc) http.HandlerFunc {
	return g.WithSession(h)
}

func (g Guards) Public(h http.HandlerFunc) http.HandlerFunc {
	if g.Throttled == nil {
		return h
	}
	return g.Throttled(h)
}
