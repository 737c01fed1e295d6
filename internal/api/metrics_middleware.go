package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// MetricsMiddleware records request counts, latency and in-flight requests
// against the matched route pattern
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			done := metrics.TrackInFlight()
			defer done()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			metrics.ObserveHTTP(r.Method, normalizePath(r), ww.Status(), time.Since(start).Seconds())
		})
	}
}

// idSegments are the collections whose next path segment is an identifier
var idSegments = map[string]string{
	"runs":      "{id}",
	"approvals": "{id}",
	"incidents": "{id}",
	"api-keys":  "{id}",
}

// normalizePath keeps label cardinality bounded. The chi route pattern is
// used when routing matched; otherwise identifiers are replaced by hand.
func normalizePath(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		if isID(segment) {
			segments[i] = "{id}"
			continue
		}
		if i > 0 {
			if placeholder, ok := idSegments[segments[i-1]]; ok {
				segments[i] = placeholder
			}
		}
	}
	return strings.Join(segments, "/")
}

func isID(s string) bool {
	if _, err := uuid.Parse(s); err == nil && len(s) == 36 {
		return true
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
