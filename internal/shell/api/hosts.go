package api

import (
	"net/http"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/docker"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
	"github.com/go-chi/chi/v5"
)

// =============================================================================
// Host CRUD Handlers
// =============================================================================

func (h *Handler) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if !h.decode(w, r, &req) {
		return
	}

	node := &domain.HostNode{}
	req.toNode(node)
	if err := h.svc.Registry.CreateNode(r.Context(), node); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, node)
}

func (h *Handler) handleListHosts(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}.Normalize()

	nodes, err := h.svc.Registry.ListNodes(r.Context(), opts)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []domain.HostNode{}
	}
	h.writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) handleGetHost(w http.ResponseWriter, r *http.Request) {
	node, err := h.svc.Registry.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, node)
}

func (h *Handler) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	node, err := h.svc.Registry.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	var req HostRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.toNode(node)
	if err := h.svc.Registry.UpdateNode(r.Context(), node); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, node)
}

func (h *Handler) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Registry.DeleteNode(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Host Health Handlers
// =============================================================================

func (h *Handler) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	node, err := h.svc.Registry.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	ok := h.svc.Registry.TestConnection(r.Context(), node)
	resp := HostCheckResponse{Success: ok, Status: node.Status}
	if !ok {
		resp.Message = "runtime is not reachable"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	node, err := h.svc.Registry.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	ok := h.svc.Registry.PerformHealthCheck(r.Context(), node)
	h.writeJSON(w, http.StatusOK, HostCheckResponse{Success: ok, Status: node.Status, Message: node.LastError})
}

func (h *Handler) handleBatchHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Registry.BatchHealthCheck(r.Context()))
}

func (h *Handler) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	on := r.URL.Query().Get("enabled") != "false"
	node, err := h.svc.Registry.SetMaintenance(r.Context(), chi.URLParam(r, "id"), on)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, node)
}

// =============================================================================
// Load Handlers
// =============================================================================

func (h *Handler) handleHostLoad(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Registry.GetNodeLoadInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleRecommendHosts(w http.ResponseWriter, r *http.Request) {
	env := domain.Environment(r.URL.Query().Get("environment"))
	if env != "" && !env.IsValid() {
		h.writeErr(w, r, domain.ErrEnvironmentInvalid)
		return
	}
	nodes, err := h.svc.Registry.RecommendDeploymentNodes(r.Context(), env, queryInt(r, "count", 3))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) handleCapacityAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.svc.Registry.GetCapacityAlerts(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) handleClusterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Registry.GetClusterLoadStatistics(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// Container Handlers
// =============================================================================

func (h *Handler) handleHostContainers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	discover := h.svc.Scanner.DiscoverHost
	if queryBool(r, "refresh") {
		discover = h.svc.Scanner.RefreshHost
	}
	listing, err := discover(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listing)
}

func (h *Handler) handleHostImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.svc.Scanner.ListImages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, images)
}

func (h *Handler) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	client, ok := h.hostClient(w, r)
	if !ok {
		return
	}
	logs, err := client.ContainerLogs(r.Context(), chi.URLParam(r, "cid"), queryInt(r, "tail", 100))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (h *Handler) handleContainerStats(w http.ResponseWriter, r *http.Request) {
	client, ok := h.hostClient(w, r)
	if !ok {
		return
	}
	stats, err := client.ContainerStats(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// hostClient resolves the runtime client of the {id} host. It writes the
// error response and returns false on failure.
func (h *Handler) hostClient(w http.ResponseWriter, r *http.Request) (docker.RuntimeClient, bool) {
	node, err := h.svc.Registry.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return nil, false
	}
	client, err := h.svc.Clients.GetClient(r.Context(), node)
	if err != nil {
		h.writeErr(w, r, err)
		return nil, false
	}
	return client, true
}
