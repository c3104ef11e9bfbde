package api

import (
	"fmt"
	"net/http"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/reconcile"
	"github.com/go-chi/chi/v5"
)

// =============================================================================
// Sync Handlers
// =============================================================================

func (h *Handler) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var (
		result reconcile.SweepResult
		err    error
	)
	if h.svc.Sync != nil {
		result, err = h.svc.Sync.TriggerNow(r.Context())
	} else {
		result = h.svc.Engine.SyncNeedingReconciliation(r.Context())
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Engine.Statistics(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.svc.Sync == nil {
		h.writeError(w, http.StatusNotFound, "sync worker is not running")
		return
	}
	h.writeJSON(w, http.StatusOK, h.svc.Sync.Status())
}

func (h *Handler) handleResetFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Engine.ResetFailedStates(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CountResponse{
		Success: true,
		Count:   n,
		Message: fmt.Sprintf("reset %d failed states", n),
	})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Engine.CleanupOldStates(r.Context(), queryInt(r, "days", 0))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CountResponse{
		Success: true,
		Count:   n,
		Message: fmt.Sprintf("deleted %d synced states", n),
	})
}

func (h *Handler) handleSyncState(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Engine.SyncOne(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleResetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Engine.ResetState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// =============================================================================
// Asset Handlers
// =============================================================================

func (h *Handler) handleForceSyncAsset(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.Engine.ForceSyncAsset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleSelectPlacement(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Placement.SelectNodeForAsset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAssignPlacement(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Placement.AssignAsset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRematch(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.svc.Scanner.SuggestRematch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, suggestions)
}

// =============================================================================
// Discovery Handlers
// =============================================================================

func (h *Handler) handleDiscoverAll(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Scanner.DiscoverAllContainers(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Scanner.AttachDiscovered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.svc.Scanner.ImportContainers(r.Context(), chi.URLParam(r, "id"), req.Company, req.Project)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// Failover Handlers
// =============================================================================

func (h *Handler) handleBatchFailover(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Failover.BatchFailoverCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAssetFailover(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Failover.PerformFailoverIfNeeded(r.Context(),
		chi.URLParam(r, "id"), r.URL.Query().Get("failed_node"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// Project Handlers
// =============================================================================

func (h *Handler) handleDistribution(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.svc.Placement.AnalyzeDistribution(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, analysis)
}

func (h *Handler) handleRedistribute(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") != "false"
	result, err := h.svc.Placement.RedistributeProject(r.Context(), chi.URLParam(r, "project"), dryRun)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
