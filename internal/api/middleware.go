package api

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Request headers.
const (
	TenantIDHeader  = "X-Tenant-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

var (
	tracer = otel.Tracer("kestrel-api")

	// Tenant ids start with a letter or digit; leading underscores are
	// reserved for internal queues.
	tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

// requestInfo is what middleware learns about a request.
type requestInfo struct {
	tenantID  string
	requestID string
	traceID   string
}

type requestInfoKey struct{}

// info returns the request's info, attaching an empty one if absent.
func info(ctx context.Context) (*requestInfo, context.Context) {
	if ri, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return ri, ctx
	}
	ri := &requestInfo{}
	return ri, context.WithValue(ctx, requestInfoKey{}, ri)
}

// TenantID returns the tenant that made the request.
func TenantID(ctx context.Context) string {
	if ri, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return ri.tenantID
	}
	return ""
}

// TraceID returns the request's trace id, or its request id when no trace
// is recording.
func TraceID(ctx context.Context) string {
	if ri, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return ri.traceID
	}
	return ""
}

// RequireTenant rejects requests without a well-formed X-Tenant-ID.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		switch {
		case tenantID == "":
			writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
			return
		case !tenantPattern.MatchString(tenantID):
			writeError(w, http.StatusBadRequest, "X-Tenant-ID must be 1-64 letters, digits, '.', '_' or '-' and start with a letter or digit")
			return
		}
		ri, ctx := info(r.Context())
		ri.tenantID = tenantID
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Trace continues an incoming W3C trace, or starts one, and echoes the
// request and trace ids in response headers.
func Trace(next http.Handler) http.Handler {
	propagator := propagation.TraceContext{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		} else if remote := trace.SpanContextFromContext(ctx); remote.TraceID().IsValid() {
			traceID = remote.TraceID().String()
		}

		ri, ctx := info(ctx)
		ri.requestID = requestID
		ri.traceID = traceID

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Observe logs each request and records its count and latency under the
// matched route pattern.
func Observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ri, ctx := info(r.Context())
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := strconv.Itoa(status)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		slog.Info("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", elapsed.Milliseconds(),
			"tenant_id", ri.tenantID,
			"request_id", ri.requestID,
			"trace_id", ri.traceID,
		)
	})
}

// corsHandler lets browser clients from origins call the API and read the
// request and trace id headers.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "traceparent", TenantIDHeader, RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, TraceIDHeader, "Retry-After"},
		MaxAge:         86400,
	})
}

// Recover turns a handler panic into a 500 and logs the stack.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.Error("panic recovered",
				"error", rec,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
