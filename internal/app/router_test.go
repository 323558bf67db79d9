package app_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/memory-broker/internal/adapter/httpserver"
	"github.com/fairyhunter13/memory-broker/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/memory-broker/internal/app"
	"github.com/fairyhunter13/memory-broker/internal/config"
	"github.com/fairyhunter13/memory-broker/internal/dispatch"
	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/eventbus"
	"github.com/fairyhunter13/memory-broker/internal/hub"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{RateLimitPerMin: 1000, CORSAllowOrigins: "*"}
	store := memstore.New()
	bus := eventbus.New(64)
	h := hub.New(hub.Options{}, bus)
	d := dispatch.New(store, h, bus, domain.NewRetryPolicy(nil, nil), dispatch.Options{})
	srv := httpserver.NewServer(cfg, d, store, h, bus, nil)
	return app.BuildRouter(cfg, srv)
}

func TestRouterRoutes(t *testing.T) {
	r := testRouter(t)

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/v1/tasks", "", http.StatusOK},
		{http.MethodGet, "/v1/stats", "", http.StatusOK},
		{http.MethodGet, "/v1/workers", "", http.StatusOK},
		{http.MethodGet, "/v1/tasks/missing", "", http.StatusNotFound},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestRouterSecurityHeaders(t *testing.T) {
	r := testRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example, https://b.example ,"))
}
