package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// paramMarkers maps a URL parameter to the path segment it follows. It is
// only consulted when the request carries no chi route context, as in direct
// handler calls.
var paramMarkers = map[string][]string{
	"id":         {"users", "incidents", "codes", "file"},
	"incidentID": {"evidence"},
}

func pathParam(r *http.Request, key string) string {
	if v := strings.TrimSpace(chi.URLParam(r, key)); v != "" {
		return v
	}
	if chi.RouteContext(r.Context()) != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for _, marker := range paramMarkers[key] {
		if v := segmentAfter(segments, marker); v != "" {
			return v
		}
	}
	return ""
}

func segmentAfter(segments []string, marker string) string {
	for i := len(segments) - 2; i >= 0; i-- {
		if segments[i] == marker {
			return strings.TrimSpace(segments[i+1])
		}
	}
	return ""
}
