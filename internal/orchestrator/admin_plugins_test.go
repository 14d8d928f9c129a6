package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/plugins"
)

func newTestEngine(t *testing.T, allowHTTPTypes []string) *plugins.Engine {
	t.Helper()
	allow := make([]plugins.Type, 0, len(allowHTTPTypes))
	for _, n := range allowHTTPTypes {
		allow = append(allow, plugins.Type(n))
	}
	registry := plugins.NewRegistry(nil, allow)
	return plugins.NewEngine(registry, &plugins.Hooks{}, nil)
}

func newTestRouter(engine *plugins.Engine) *mux.Router {
	r := mux.NewRouter()
	RegisterAdminRoutes(r, nil, engine)
	return r
}

func doRequest(r *mux.Router, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutes_RegisterPlugin_SucceedsForAllowedType(t *testing.T) {
	engine := newTestEngine(t, []string{"performance"})
	r := newTestRouter(engine)

	body := []byte(`{"pluginConfig":{"id":"p1","name":"P1","version":"1.0.0","type":"performance"}}`)
	rec := doRequest(r, http.MethodPost, "/plugins/register", body)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "p1", resp["pluginId"])
}

func TestAdminRoutes_RegisterPlugin_RejectsDisallowedType(t *testing.T) {
	engine := newTestEngine(t, []string{"performance"})
	r := newTestRouter(engine)

	body := []byte(`{"pluginConfig":{"id":"p1","name":"P1","version":"1.0.0","type":"security"}}`)
	rec := doRequest(r, http.MethodPost, "/plugins/register", body)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminRoutes_RegisterPlugin_RejectsMissingFields(t *testing.T) {
	engine := newTestEngine(t, []string{"performance"})
	r := newTestRouter(engine)

	rec := doRequest(r, http.MethodPost, "/plugins/register", []byte(`{"pluginConfig":{"id":"p1"}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes_RegisterPlugin_RejectsDuplicate(t *testing.T) {
	engine := newTestEngine(t, []string{"performance"})
	r := newTestRouter(engine)

	body := []byte(`{"pluginConfig":{"id":"p1","name":"P1","version":"1.0.0","type":"performance"}}`)
	require.Equal(t, http.StatusOK, doRequest(r, http.MethodPost, "/plugins/register", body).Code)

	rec := doRequest(r, http.MethodPost, "/plugins/register", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminRoutes_PluginStats_NotFoundForUnknownID(t *testing.T) {
	engine := newTestEngine(t, []string{"performance"})
	r := newTestRouter(engine)

	rec := doRequest(r, http.MethodGet, "/plugins/missing/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutes_UnregisterPlugin_RemovesRegisteredPlugin(t *testing.T) {
	engine := newTestEngine(t, []string{"performance"})
	r := newTestRouter(engine)

	body := []byte(`{"pluginConfig":{"id":"p1","name":"P1","version":"1.0.0","type":"performance"}}`)
	require.Equal(t, http.StatusOK, doRequest(r, http.MethodPost, "/plugins/register", body).Code)

	rec := doRequest(r, http.MethodDelete, "/plugins/p1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, doRequest(r, http.MethodGet, "/plugins/p1/stats", nil).Code)
}

func TestAdminRoutes_ClusterHealth_ReportsDisabledWithoutCluster(t *testing.T) {
	engine := newTestEngine(t, []string{"performance"})
	r := newTestRouter(engine)

	rec := doRequest(r, http.MethodGet, "/cluster/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	cluster := resp["cluster"].(map[string]any)
	assert.Equal(t, false, cluster["enabled"])
}

func TestAdminRoutes_HealthPlugins_ReportsRegistryStats(t *testing.T) {
	engine := newTestEngine(t, []string{"performance"})
	r := newTestRouter(engine)

	rec := doRequest(r, http.MethodGet, "/health/plugins", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
