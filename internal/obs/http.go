package obs

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// statusRecorder captures the status and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// requestScope is shared by every context derived from one request, so the
// access log sees the organization a handler resolved further down the chain.
type requestScope struct {
	orgID atomic.Int64
}

type scopeContextKey struct{}

// RequestContextMiddleware assigns the request ID (X-Request-Id, else the W3C
// trace ID, else a fresh one), echoes it back, and stores correlation fields
// in the request context.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
		traceID := extractTraceID(traceparent)

		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = traceID
		}
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-Id", requestID)

		ctx := WithCorrelation(r.Context(), Correlation{
			RequestID:   requestID,
			TraceID:     traceID,
			Traceparent: traceparent,
		})
		ctx = contextWithScope(ctx, &requestScope{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLogMiddleware emits one http_access event per request. Server errors
// log at warn so they survive the default level; everything else is debug.
func AccessLogMiddleware(pkg string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		lvl := slog.LevelDebug
		if rec.code() >= http.StatusInternalServerError {
			lvl = slog.LevelWarn
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code(),
			"dur_ms", float64(time.Since(start).Microseconds()) / 1000.0,
			"req_bytes", max(r.ContentLength, 0),
			"resp_bytes", rec.bytes,
		}
		logger := From(r.Context()).With("pkg", pkg)
		if s := scopeFrom(r.Context()); s != nil && CorrelationFromContext(r.Context()).OrganizationID == 0 {
			if id := s.orgID.Load(); id != 0 {
				logger = logger.With("organization_id", formatOrgID(id))
			}
		}
		logger.Log(r.Context(), lvl, "http_access", attrs...)
	})
}

// extractTraceID returns the lowercase trace ID of a version-00 style
// traceparent header, or "" if it is malformed or all zeros.
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(strings.TrimSpace(parts[1]))
	if len(traceID) != 32 || strings.Trim(traceID, "0") == "" {
		return ""
	}
	if strings.IndexFunc(traceID, func(c rune) bool {
		return (c < '0' || c > '9') && (c < 'a' || c > 'f')
	}) >= 0 {
		return ""
	}
	return traceID
}
