package orchestrator

import (
	"io"
	"net/http"

	"github.com/clusterkit/clusterkit/internal/hybridcore"
)

// applicationHandler returns the handler that serves real application
// traffic for the active topology: the in-process handler for "single",
// a forward-to-sidecar proxy (with optional in-process fallback) for
// "hybrid". Cluster-topology traffic is served by the workers
// themselves, reached directly by a frontline load balancer configured
// with the ports internal/cluster assigns — this process only manages
// that cluster's lifecycle, it doesn't proxy its traffic.
func (o *Orchestrator) applicationHandler() http.Handler {
	switch o.topology() {
	case TopologyHybrid:
		return o.hybridHandler()
	default:
		if o.singleHandler != nil {
			return o.singleHandler
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
}

func (o *Orchestrator) hybridHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}

		resp, err := o.bridge.Forward(r.Context(), &hybridcore.Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header,
			Body:   body,
		})
		if err != nil {
			if o.bridge.Fallback() && o.singleHandler != nil {
				o.singleHandler.ServeHTTP(w, r)
				return
			}
			http.Error(w, err.Error(), hybridcore.StatusForError(err))
			return
		}

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	})
}
