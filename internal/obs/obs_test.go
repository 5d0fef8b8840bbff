package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	return rec
}

func wantField(t *testing.T, rec map[string]any, key string, want any) {
	t.Helper()
	if got := rec[key]; got != want {
		t.Errorf("%s = %v, want %v", key, got, want)
	}
}

func TestFrom_IncludesCorrelation(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	ctx := WithCorrelation(context.Background(), Correlation{RequestID: "req-1"})
	ctx = WithOrganization(ctx, 42)
	From(ctx).Info("hello")

	rec := lastRecord(t, &buf)
	wantField(t, rec, "request_id", "req-1")
	wantField(t, rec, "organization_id", "42")
	wantField(t, rec, "msg", "hello")
}

func TestPkg_TagsPackage(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	Pkg("storage").Warn("careful")
	wantField(t, lastRecord(t, &buf), "pkg", "storage")
}

func TestSetLevel_FiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()
	defer SetLevel(slog.LevelInfo)

	SetLevel(slog.LevelInfo)
	Pkg("x").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %s", buf.String())
	}

	SetLevel(slog.LevelDebug)
	Pkg("x").Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug record missing at debug level: %s", buf.String())
	}
}

func TestRequestContextMiddleware(t *testing.T) {
	var seen Correlation
	h := RequestContextMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("TraceID = %q", seen.TraceID)
	}
	if seen.RequestID != seen.TraceID {
		t.Errorf("RequestID = %q, want trace id %q", seen.RequestID, seen.TraceID)
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen.RequestID {
		t.Errorf("X-Request-Id = %q, want %q", got, seen.RequestID)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-chosen")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen.RequestID != "caller-chosen" {
		t.Errorf("RequestID = %q, want caller-chosen", seen.RequestID)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.HasPrefix(seen.RequestID, "req-") {
		t.Errorf("generated RequestID = %q, want req- prefix", seen.RequestID)
	}
}

func TestAccessLogMiddleware_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	h := AccessLogMiddleware("http", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/billing/webhook", nil))

	rec := lastRecord(t, &buf)
	wantField(t, rec, "msg", "http_access")
	wantField(t, rec, "status", float64(http.StatusBadGateway))
	wantField(t, rec, "resp_bytes", float64(len("upstream")))
	wantField(t, rec, "level", "WARN")
}

func TestExtractTraceID_RejectsMalformed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		junk := rapid.StringMatching(`[a-z0-9-]{0,60}`).Draw(t, "traceparent")
		got := extractTraceID(junk)
		if got != "" && len(got) != 32 {
			t.Fatalf("extractTraceID(%q) = %q", junk, got)
		}
	})
}

func TestAccessLog_SeesOrganizationResolvedDownstream(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()
	defer SetLevel(slog.LevelInfo)
	SetLevel(slog.LevelDebug)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithOrganization(r.Context(), 7)
		From(ctx).Info("handled")
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequestContextMiddleware(AccessLogMiddleware("http", inner))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/organizations/7/quota", nil))

	rec := lastRecord(t, &buf)
	wantField(t, rec, "msg", "http_access")
	wantField(t, rec, "organization_id", "7")
	wantField(t, rec, "status", float64(http.StatusNoContent))
	if id, _ := rec["request_id"].(string); !strings.HasPrefix(id, "req-") {
		t.Errorf("request_id = %v, want req- prefix", rec["request_id"])
	}
}
