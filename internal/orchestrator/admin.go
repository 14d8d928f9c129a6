package orchestrator

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAdminServer builds the single HTTP entrypoint: admin routes
// (health/readiness probes, cluster metrics export, live Prometheus
// scrape, live event stream) plus, on every other path, whatever serves
// actual application traffic for the active topology.
func (o *Orchestrator) newAdminServer() *http.Server {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/healthz", o.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", o.handleReadyz).Methods("GET")
	r.HandleFunc("/metrics/cluster", o.handleClusterMetrics).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/events/stream", o.handleEventsStream).Methods("GET")
	RegisterAdminRoutes(r, o.cluster, o.engine)
	r.PathPrefix("/").Handler(o.applicationHandler())

	port := o.cfg.Server.Port
	if port == "" {
		port = "8080"
	}
	return &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  o.cfg.Server.ReadTimeout(),
		WriteTimeout: o.cfg.Server.WriteTimeout(),
		IdleTimeout:  o.cfg.Server.IdleTimeout(),
	}
}

func (o *Orchestrator) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (o *Orchestrator) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if o.readyAt.IsZero() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleClusterMetrics exports the cluster's point-in-time metrics
// snapshot (json/prometheus/csv, ?format=) — distinct from /metrics,
// which is the live client_golang registry scrape endpoint.
func (o *Orchestrator) handleClusterMetrics(w http.ResponseWriter, r *http.Request) {
	if o.cluster == nil {
		http.Error(w, "cluster topology not active", http.StatusNotFound)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	out, err := o.cluster.ExportMetrics(r.Context(), format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
	case "prometheus":
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	}
	w.Write(out)
}
