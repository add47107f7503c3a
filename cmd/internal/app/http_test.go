package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"minichat/cmd/internal/chat"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()

	reg := prometheus.NewRegistry()
	svc := chat.NewService(discardLogger(), chat.Config{}, reg)

	mux := http.NewServeMux()
	registerHTTP(mux, reg, chat.NewWSGateway(discardLogger(), svc))
	return mux
}

func TestHealthEndpoints(t *testing.T) {
	mux := newTestMux(t)

	for path, body := range map[string]string{
		"/healthz": "ok\n",
		"/readyz":  "ready\n",
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rec.Code)
		}
		if rec.Body.String() != body {
			t.Fatalf("%s body=%q", path, rec.Body.String())
		}
	}
}

func TestMetricsEndpointExposesChatMetrics(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chat_rooms") {
		t.Fatal("expected chat_rooms metric in exposition")
	}
}

func TestWSEndpointRejectsPlainHTTP(t *testing.T) {
	t.Setenv("CHAT_WS_ORIGIN_REQUIRED", "false")
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	// No upgrade headers: the accept must fail with a client error.
	if rec.Code < 400 || rec.Code > 499 {
		t.Fatalf("status=%d want 4xx", rec.Code)
	}
}
