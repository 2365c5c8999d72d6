package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// unmatchedRoute labels requests no route matched. Raw paths would carry
// subscription tokens into label values.
const unmatchedRoute = "unmatched"

// HTTPMiddleware records request counts and latency by route pattern.
// Error kinds are counted by the handlers with IncAPIErrors.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)

		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the chi pattern the request was routed by. It is
// complete only after the router has served the request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}
