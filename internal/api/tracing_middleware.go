package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware starts a server span per request through otelhttp. The
// span is named after the chi route pattern, so run and approval IDs never
// end up in span names.
func TracingMiddleware(tracer *observability.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			AddTraceIDToResponse(w, r.Context())
			next.ServeHTTP(w, r)

			// otelhttp renames the span from r.Pattern once this returns.
			// Subrouter middleware that copies the request leaves r.Pattern
			// at the mount point, so take the full pattern from chi.
			route := getRoutePattern(r)
			r.Pattern = route
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(semconv.HTTPRoute(route))
			if strings.HasPrefix(route, "/api/v1/runs/{id}") {
				span.SetAttributes(observability.AttrDeploymentID.String(chi.URLParam(r, "id")))
			}
		})
		return otelhttp.NewHandler(routed, "http.request",
			otelhttp.WithTracerProvider(tracer.Provider()),
			otelhttp.WithSpanNameFormatter(spanName),
		)
	}
}

// spanName is the method alone until a route is known
func spanName(_ string, r *http.Request) string {
	if r.Pattern == "" {
		return r.Method
	}
	return r.Method + " " + r.Pattern
}

func getRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return normalizePath(r)
}

// GetTraceID returns the trace ID of the span in ctx, or "" when untraced
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// AddTraceIDToResponse exposes the trace ID so operators can find a run's trace
func AddTraceIDToResponse(w http.ResponseWriter, ctx context.Context) {
	if traceID := GetTraceID(ctx); traceID != "" {
		w.Header().Set("X-Trace-ID", traceID)
	}
}
