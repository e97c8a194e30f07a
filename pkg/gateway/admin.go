package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/callmegate/gate/pkg/metrics"
	"github.com/callmegate/gate/pkg/types"
)

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := g.registry.GetAllRoutes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load routes", "")
		return
	}
	metrics.RoutesTotal.Set(float64(len(routes)))
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(routes),
		"routes": routes,
	})
}

func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := g.registry.GetAllNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load nodes", "")
		return
	}
	counts := map[string]int{}
	for _, node := range nodes {
		counts[string(node.Status)]++
	}
	for status, n := range counts {
		metrics.NodesTotal.WithLabelValues(status).Set(float64(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(nodes),
		"nodes": nodes,
	})
}

func (g *Gateway) handleGetNode(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	node, err := g.registry.GetNode(r.Context(), workerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load node", "")
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "node not found", "")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (g *Gateway) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if !types.ValidNodeStatus(body.Status) {
		writeError(w, http.StatusBadRequest, "unknown status "+body.Status, "")
		return
	}
	if !g.registry.UpdateNodeStatus(r.Context(), workerID, types.NodeStatus(body.Status)) {
		writeError(w, http.StatusNotFound, "node not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"worker_id": workerID,
		"status":    body.Status,
	})
}

func (g *Gateway) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if !g.registry.NodeHeartbeat(r.Context(), workerID) {
		writeError(w, http.StatusNotFound, "node not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker_id": workerID})
}

func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	job, err := g.repo.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job", requestID)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (g *Gateway) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	removed, err := g.repo.Delete(r.Context(), requestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete job", requestID)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "job not found", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID})
}
