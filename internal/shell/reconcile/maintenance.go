package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
)

// =============================================================================
// Reset and Cleanup
// =============================================================================

// ResetFailedStates makes every FAILED state eligible again with a fresh
// attempt budget.
func (e *Engine) ResetFailedStates(ctx context.Context) (int64, error) {
	n, err := e.store.ResetFailedStates(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("failed states reset", "count", n)
	}
	return n, nil
}

// ResetState resets one state.
func (e *Engine) ResetState(ctx context.Context, stateID string) (*domain.ContainerState, error) {
	if stateID == "" {
		return nil, fmt.Errorf("%w: state ID is required", ErrInvalidInput)
	}
	state, err := e.store.GetContainerState(ctx, stateID)
	if err != nil {
		return nil, err
	}
	state.Reset(e.now())
	if err := e.store.UpdateContainerState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// CleanupOldStates deletes SYNCED states not updated in the last days
// days. A non-positive days uses the configured retention.
func (e *Engine) CleanupOldStates(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = e.config.RetentionDays
	}
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := e.store.DeleteSyncedStatesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	e.logger.Info("old synced states cleaned up", "count", n, "retention_days", days)
	return n, nil
}

// =============================================================================
// Statistics
// =============================================================================

// Statistics counts container states.
type Statistics struct {
	Total                 int                         `json:"total"`
	BySyncStatus          map[domain.SyncStatus]int   `json:"by_sync_status"`
	ByHealthStatus        map[domain.HealthStatus]int `json:"by_health_status"`
	NeedingReconciliation int                         `json:"needing_reconciliation"`
}

// Statistics returns state counts by sync and health status.
func (e *Engine) Statistics(ctx context.Context) (*Statistics, error) {
	bySync, err := e.store.CountBySyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	byHealth, err := e.store.CountByHealthStatus(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.ListStatesNeedingReconciliation(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		BySyncStatus:          bySync,
		ByHealthStatus:        byHealth,
		NeedingReconciliation: len(pending),
	}
	for _, n := range bySync {
		stats.Total += n
	}
	return stats, nil
}

// =============================================================================
// Upsert
// =============================================================================

// StateSpec describes a container state to create or update.
type StateSpec struct {
	AssetID       string
	HostNodeID    string
	ContainerID   string
	ContainerName string
	ImageName     string
	DesiredStatus domain.DesiredStatus
	CurrentStatus domain.CurrentStatus
	SyncStatus    domain.SyncStatus
	CreatedBy     string
}

// CreateOrUpdateState upserts the state keyed by asset and container ID.
// It reports whether a new state was created.
func (e *Engine) CreateOrUpdateState(ctx context.Context, spec StateSpec) (*domain.ContainerState, bool, error) {
	if spec.AssetID == "" {
		return nil, false, fmt.Errorf("%w: asset ID is required", ErrInvalidInput)
	}
	now := e.now()

	state, err := e.store.GetContainerStateByAssetAndContainer(ctx, spec.AssetID, spec.ContainerID)
	switch {
	case err == nil:
		state.UpdatedAt = now
		applySpec(state, spec)
		if err := e.store.UpdateContainerState(ctx, state); err != nil {
			return nil, false, err
		}
		return state, false, nil
	case !store.IsNotFound(err):
		return nil, false, err
	}

	state, err = domain.NewContainerState(spec.AssetID, spec.DesiredStatus)
	if err != nil {
		return nil, false, err
	}
	state.MaxSyncAttempts = e.config.DefaultMaxAttempts
	state.CreatedAt = now
	state.UpdatedAt = now
	applySpec(state, spec)
	if err := e.store.CreateContainerState(ctx, state); err != nil {
		return nil, false, err
	}
	e.logger.Info("container state created",
		"state_id", state.ID, "asset_id", state.AssetID, "host_id", state.HostNodeID)
	return state, true, nil
}

func applySpec(state *domain.ContainerState, spec StateSpec) {
	state.ContainerID = spec.ContainerID
	if spec.HostNodeID != "" {
		state.HostNodeID = spec.HostNodeID
	}
	if spec.ContainerName != "" {
		state.ContainerName = spec.ContainerName
	}
	if spec.ImageName != "" {
		state.ImageName = spec.ImageName
	}
	if spec.DesiredStatus != "" {
		state.DesiredStatus = spec.DesiredStatus
	}
	if spec.CurrentStatus != "" {
		state.CurrentStatus = spec.CurrentStatus
	}
	if spec.SyncStatus != "" {
		state.SyncStatus = spec.SyncStatus
		if spec.SyncStatus == domain.SyncSynced {
			now := state.UpdatedAt
			state.LastSyncAt = &now
			state.SyncAttempts = 0
			state.LastError = ""
		}
	}
	if spec.CreatedBy != "" {
		state.CreatedBy = spec.CreatedBy
	}
}
