package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/errmap/internal/domain"
)

// Request headers understood by the API.
const (
	TenantIDHeader  = "X-Tenant-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

// maxTenantIDLen bounds X-Tenant-ID; it ends up in cache keys, subjects
// and export paths.
const maxTenantIDLen = 128

var tracer = otel.Tracer("errmap-api")

// requestInfo is what the middleware chain learns about a request.
// Handlers read it through TenantID and TraceID.
type requestInfo struct {
	requestID string
	traceID   string
	tenantID  string
}

type infoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(infoKey{}).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

// TenantID returns the tenant the request was authorized for.
func TenantID(ctx context.Context) string { return infoFrom(ctx).tenantID }

// TraceID returns the trace (or request) ID of the request.
func TraceID(ctx context.Context) string { return infoFrom(ctx).traceID }

// requireTenant rejects requests without a usable X-Tenant-ID. The
// global tenant "*" is reserved for server-side data.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantIDHeader))
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
			return
		}
		if tenant == domain.GlobalTenantID || len(tenant) > maxTenantIDLen {
			writeError(w, http.StatusBadRequest, "invalid X-Tenant-ID header")
			return
		}
		info, ok := r.Context().Value(infoKey{}).(*requestInfo)
		if !ok {
			info = &requestInfo{}
			r = r.WithContext(context.WithValue(r.Context(), infoKey{}, info))
		}
		info.tenantID = tenant
		next.ServeHTTP(w, r)
	})
}

// observe opens a span per request, stamps request and trace IDs on the
// response and logs the outcome once the handler returns.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{requestID: r.Header.Get(RequestIDHeader)}
		if info.requestID == "" {
			info.requestID = uuid.NewString()
		}

		route := r.Method + " " + r.URL.Path
		ctx, span := tracer.Start(r.Context(), route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", info.requestID),
			),
		)
		defer span.End()

		info.traceID = info.requestID
		if sc := span.SpanContext(); sc.HasTraceID() {
			info.traceID = sc.TraceID().String()
		}
		w.Header().Set(RequestIDHeader, info.requestID)
		w.Header().Set(TraceIDHeader, info.traceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(ctx, infoKey{}, info)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.status_code", status))

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		slog.Log(ctx, level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", info.tenantID,
			"request_id", info.requestID,
			"trace_id", info.traceID,
		)
	})
}

// recoverJSON turns a handler panic into a JSON 500.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.ErrorContext(r.Context(), "panic in handler", "panic", rec, "path", r.URL.Path)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

var corsHeaders = [][2]string{
	{"Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS"},
	{"Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID, X-Request-ID, X-Trace-ID, Authorization"},
	{"Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, Content-Disposition"},
	{"Access-Control-Max-Age", "86400"},
}

// cors echoes the caller's origin and answers preflight requests.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		for _, kv := range corsHeaders {
			h.Set(kv[0], kv[1])
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
