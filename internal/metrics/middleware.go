package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// errorKinds labels the API error counter; other 4xx count as client_error
var errorKinds = map[int]string{
	http.StatusBadRequest:      "bad_request",
	http.StatusUnauthorized:    "unauthorized",
	http.StatusForbidden:       "forbidden",
	http.StatusNotFound:        "not_found",
	http.StatusConflict:        "conflict",
	http.StatusTooManyRequests: "rate_limited",
}

// HTTPMiddleware records request count, latency and errors per route pattern
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		// chi fills the route pattern while routing, so it is read afterwards
		m.observeRequest(r, ww.Status(), time.Since(start))
	})
}

func (m *Metrics) observeRequest(r *http.Request, status int, elapsed time.Duration) {
	if status == 0 {
		status = http.StatusOK
	}
	route := routePattern(r)

	m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	if kind := errorKind(status); kind != "" {
		m.APIErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// routePattern returns the matched chi route, or the path with UUID segments
// collapsed to {id} when no route matched
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}

	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if len(part) == 36 && uuid.Validate(part) == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func errorKind(status int) string {
	if kind, ok := errorKinds[status]; ok {
		return kind
	}
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	}
	return ""
}
