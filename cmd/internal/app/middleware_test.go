package app

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"parley/cmd/internal/realtime"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 101, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "1xx"},
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
		{status: 42, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "unknown"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		require.Equal(t, tc.wantLevel, level, "status %d", tc.status)
		require.Equal(t, tc.wantResult, result, "status %d", tc.status)
		require.Equal(t, tc.wantClass, statusClass(tc.status), "status %d", tc.status)
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	require.Equal(t, "no-referrer", rr.Header().Get("Referrer-Policy"))
}

func TestWithRequestLogging_RouteAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	reg := prometheus.NewRegistry()
	metrics := realtime.NewMetrics(reg)

	r := chi.NewRouter()
	r.Use(WithRequestLogging(log, metrics))
	r.Get("/api/messages/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusOK) // ignored: first status wins
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/messages/01ABC", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	out := buf.String()
	require.Contains(t, out, `"level":"WARN"`)
	require.Contains(t, out, `"route":"/api/messages/{id}"`)
	require.Contains(t, out, `"path":"/api/messages/01ABC"`)
	require.Contains(t, out, `"status":404`)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "parley_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] == "/api/messages/{id}" && labels["status"] == "404" {
				found = m.GetCounter().GetValue() == 1
			}
		}
	}
	require.True(t, found, "request counter by route pattern")
}

func TestLoggingResponseWriter_Hijack(t *testing.T) {
	lrw := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := lrw.Hijack()
	require.Error(t, err, "recorder cannot be hijacked")

	var _ http.Hijacker = lrw
	var _ http.Flusher = lrw
}
