package obs

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests chi could not route, keeping raw paths out of
// metric labels.
const unmatchedRoute = "unmatched"

// RouteOf returns the chi route pattern that served r. It is only complete
// after the router has dispatched the request.
func RouteOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}
