package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/dynamic-router/internal/engine"
	"github.com/fabian4/dynamic-router/internal/metrics"
	"github.com/fabian4/dynamic-router/internal/router"
)

func setup(t *testing.T) (http.Handler, *engine.Engine) {
	t.Helper()
	m := metrics.NewRegistry()
	e := engine.New(engine.Options{Logger: log.New(io.Discard), Metrics: m})
	return New(e, m, log.New(io.Discard)), e
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_RouteLifecycle(t *testing.T) {
	h, e := setup(t)

	rec := do(t, h, http.MethodPost, "/api/routes", `{"src":"example.com/api","target":"localhost:9001"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, e.Routes(), 1)

	rec = do(t, h, http.MethodGet, "/api/routes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var routes []router.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, "example.com", routes[0].Host)
	assert.Equal(t, "/api", routes[0].Path)
	assert.Equal(t, []string{"http://localhost:9001"}, routes[0].Targets)

	rec = do(t, h, http.MethodGet, "/api/resolve?host=example.com&path=/api/foo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res ResolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "/api", res.Route)
	assert.Equal(t, []string{"http://localhost:9001"}, res.Targets)

	rec = do(t, h, http.MethodDelete, "/api/routes?src=example.com/api&target=localhost:9001", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, e.Routes())

	rec = do(t, h, http.MethodGet, "/api/routes", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/resolve?host=example.com&path=/api/foo", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_InvalidRoute(t *testing.T) {
	h, e := setup(t)

	rec := do(t, h, http.MethodPost, "/api/routes", `{"src":"ftp://example.com","target":"localhost:9000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/routes", `{"src":"example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/routes", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/routes", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, e.Routes())
}

func TestAdmin_HealthMetricsResolversCache(t *testing.T) {
	h, _ := setup(t)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	do(t, h, http.MethodPost, "/api/routes", `{"src":"example.com","target":"a:1"}`)
	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router_routes_registered 1")

	rec = do(t, h, http.MethodGet, "/api/resolvers", "")
	assert.JSONEq(t, `[{"name":"table","priority":0}]`, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/api/cache", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
