package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/clusterkit/clusterkit/internal/cluster"
	"github.com/clusterkit/clusterkit/internal/plugins"
)

// RegisterAdminRoutes mounts the plugin-admin and cluster-health HTTP
// surface onto r: GET /health/plugins, GET /plugins/{id}/stats, POST
// /plugins/register, DELETE /plugins/{id}, GET /cluster/health. cm may be
// nil outside TopologyCluster — the cluster-health route then reports
// enabled:false rather than 404ing, since plugin administration is still
// meaningful without a cluster running. A host application embedding
// clusterkit can call this directly against its own *mux.Router instead
// of going through cmd/server's admin server.
func RegisterAdminRoutes(r *mux.Router, cm *cluster.Manager, engine *plugins.Engine) {
	h := &adminPluginRoutes{cluster: cm, engine: engine}
	r.HandleFunc("/health/plugins", h.handleHealthPlugins).Methods("GET")
	r.HandleFunc("/plugins/{id}/stats", h.handlePluginStats).Methods("GET")
	r.HandleFunc("/plugins/register", h.handleRegisterPlugin).Methods("POST")
	r.HandleFunc("/plugins/{id}", h.handleUnregisterPlugin).Methods("DELETE")
	r.HandleFunc("/cluster/health", h.handleClusterHealth).Methods("GET")
}

type adminPluginRoutes struct {
	cluster *cluster.Manager
	engine  *plugins.Engine
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// handleHealthPlugins answers a combined snapshot of the registry and
// engine's own reported status.
func (h *adminPluginRoutes) handleHealthPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now(),
		"plugins": map[string]any{
			"registry": h.engine.Registry().GetRegistryStats(),
			"engine":   "running",
			"status":   "ok",
		},
	})
}

// handlePluginStats answers one plugin's execution stats by id.
func (h *adminPluginRoutes) handlePluginStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, ok := h.engine.Registry().GetStats(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Plugin not found", "pluginId": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now(),
		"pluginId":  id,
		"stats":     stats,
	})
}

// registerPluginRequest is the body of POST /plugins/register.
type registerPluginRequest struct {
	PluginConfig struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Version string `json:"version"`
		Type    string `json:"type"`
	} `json:"pluginConfig"`
}

// handleRegisterPlugin registers a DynamicPlugin built from the request
// body's metadata, gated by the registry's HTTP type allow-list.
func (h *adminPluginRoutes) handleRegisterPlugin(w http.ResponseWriter, r *http.Request) {
	var req registerPluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	cfg := req.PluginConfig
	if cfg.ID == "" || cfg.Name == "" || cfg.Version == "" || cfg.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id, name, version, and type are required"})
		return
	}

	meta := plugins.Meta{ID: cfg.ID, Name: cfg.Name, Version: cfg.Version, Type: plugins.Type(cfg.Type)}
	err := h.engine.Registry().RegisterViaHTTP(plugins.NewDynamicPlugin(meta))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"pluginId":     cfg.ID,
			"type":         cfg.Type,
			"registeredAt": time.Now(),
		})
	case errors.Is(err, plugins.ErrTypeNotAllowed):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	case errors.Is(err, plugins.ErrAlreadyRegistered):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
}

// handleUnregisterPlugin removes a plugin by id.
func (h *adminPluginRoutes) handleUnregisterPlugin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.Registry().Unregister(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleClusterHealth answers the cluster's point-in-time health summary,
// or enabled:false when no cluster topology is active.
func (h *adminPluginRoutes) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	if h.cluster == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"cluster": map[string]any{"enabled": false},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	metrics := h.cluster.GetMetrics(ctx)

	healthy := 0
	for _, report := range metrics.Health {
		if report.Status == "healthy" {
			healthy++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"cluster": map[string]any{
			"enabled": true,
			"workers": len(metrics.Workers),
			"healthy": healthy,
			"metrics": metrics,
		},
	})
}
