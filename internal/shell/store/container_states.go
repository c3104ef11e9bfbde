package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Container State Operations
// =============================================================================

// containerStateRow represents a container_states row in the database.
type containerStateRow struct {
	ID              string  `db:"id"`
	AssetID         string  `db:"asset_id"`
	HostNodeID      *string `db:"host_node_id"`
	ContainerID     *string `db:"container_id"`
	ContainerName   string  `db:"container_name"`
	ImageName       string  `db:"image_name"`
	DesiredStatus   string  `db:"desired_status"`
	CurrentStatus   string  `db:"current_status"`
	HealthStatus    string  `db:"health_status"`
	SyncStatus      string  `db:"sync_status"`
	SyncAttempts    int     `db:"sync_attempts"`
	MaxSyncAttempts int     `db:"max_sync_attempts"`
	LastError       string  `db:"last_error"`
	LastSyncAt      *string `db:"last_sync_at"`
	CreatedBy       string  `db:"created_by"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

func stateToRow(s *domain.ContainerState) containerStateRow {
	maxAttempts := s.MaxSyncAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxSyncAttempts
	}
	return containerStateRow{
		ID:              s.ID,
		AssetID:         s.AssetID,
		HostNodeID:      nullString(s.HostNodeID),
		ContainerID:     nullString(s.ContainerID),
		ContainerName:   s.ContainerName,
		ImageName:       s.ImageName,
		DesiredStatus:   string(s.DesiredStatus),
		CurrentStatus:   string(s.CurrentStatus),
		HealthStatus:    string(s.HealthStatus),
		SyncStatus:      string(s.SyncStatus),
		SyncAttempts:    s.SyncAttempts,
		MaxSyncAttempts: maxAttempts,
		LastError:       s.LastError,
		LastSyncAt:      nullTime(s.LastSyncAt),
		CreatedBy:       s.CreatedBy,
		CreatedAt:       formatTime(s.CreatedAt),
		UpdatedAt:       formatTime(s.UpdatedAt),
	}
}

func rowToState(r *containerStateRow) domain.ContainerState {
	return domain.ContainerState{
		ID:              r.ID,
		AssetID:         r.AssetID,
		HostNodeID:      derefString(r.HostNodeID),
		ContainerID:     derefString(r.ContainerID),
		ContainerName:   r.ContainerName,
		ImageName:       r.ImageName,
		DesiredStatus:   domain.DesiredStatus(r.DesiredStatus),
		CurrentStatus:   domain.CurrentStatus(r.CurrentStatus),
		HealthStatus:    domain.HealthStatus(r.HealthStatus),
		SyncStatus:      domain.SyncStatus(r.SyncStatus),
		SyncAttempts:    r.SyncAttempts,
		MaxSyncAttempts: r.MaxSyncAttempts,
		LastError:       r.LastError,
		LastSyncAt:      parseNullTime(r.LastSyncAt),
		CreatedBy:       r.CreatedBy,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
}

func (q queries) CreateContainerState(ctx context.Context, state *domain.ContainerState) error {
	query := `
		INSERT INTO container_states (
			id, asset_id, host_node_id, container_id, container_name, image_name,
			desired_status, current_status, health_status, sync_status,
			sync_attempts, max_sync_attempts, last_error, last_sync_at,
			created_by, created_at, updated_at
		) VALUES (
			:id, :asset_id, :host_node_id, :container_id, :container_name, :image_name,
			:desired_status, :current_status, :health_status, :sync_status,
			:sync_attempts, :max_sync_attempts, :last_error, :last_sync_at,
			:created_by, :created_at, :updated_at
		)`

	if _, err := q.exec.NamedExecContext(ctx, query, stateToRow(state)); err != nil {
		return NewStoreError("CreateContainerState", "container_state", state.ID, err.Error(), constraintError(err))
	}
	return nil
}

func (q queries) GetContainerState(ctx context.Context, id string) (*domain.ContainerState, error) {
	var row containerStateRow
	if err := q.exec.GetContext(ctx, &row, `SELECT * FROM container_states WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetContainerState", "container_state", id, "container state not found", ErrNotFound)
		}
		return nil, NewStoreError("GetContainerState", "container_state", id, err.Error(), err)
	}
	state := rowToState(&row)
	return &state, nil
}

// GetContainerStateByAssetAndContainer looks a state up by its natural key.
// An empty containerID matches the asset's oldest state that has no
// container yet.
func (q queries) GetContainerStateByAssetAndContainer(ctx context.Context, assetID, containerID string) (*domain.ContainerState, error) {
	query := `SELECT * FROM container_states WHERE asset_id = ? AND COALESCE(container_id, '') = ?
		ORDER BY created_at, id LIMIT 1`

	var row containerStateRow
	if err := q.exec.GetContext(ctx, &row, query, assetID, containerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetContainerStateByAssetAndContainer", "container_state", assetID, "container state not found", ErrNotFound)
		}
		return nil, NewStoreError("GetContainerStateByAssetAndContainer", "container_state", assetID, err.Error(), err)
	}
	state := rowToState(&row)
	return &state, nil
}

func (q queries) UpdateContainerState(ctx context.Context, state *domain.ContainerState) error {
	query := `
		UPDATE container_states SET
			asset_id = :asset_id,
			host_node_id = :host_node_id,
			container_id = :container_id,
			container_name = :container_name,
			image_name = :image_name,
			desired_status = :desired_status,
			current_status = :current_status,
			health_status = :health_status,
			sync_status = :sync_status,
			sync_attempts = :sync_attempts,
			max_sync_attempts = :max_sync_attempts,
			last_error = :last_error,
			last_sync_at = :last_sync_at,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := q.exec.NamedExecContext(ctx, query, stateToRow(state))
	if err != nil {
		return NewStoreError("UpdateContainerState", "container_state", state.ID, err.Error(), constraintError(err))
	}
	if rowsAffected(res) == 0 {
		return NewStoreError("UpdateContainerState", "container_state", state.ID, "container state not found", ErrNotFound)
	}
	return nil
}

func (q queries) DeleteContainerState(ctx context.Context, id string) error {
	res, err := q.exec.ExecContext(ctx, `DELETE FROM container_states WHERE id = ?`, id)
	if err != nil {
		return NewStoreError("DeleteContainerState", "container_state", id, err.Error(), err)
	}
	if rowsAffected(res) == 0 {
		return NewStoreError("DeleteContainerState", "container_state", id, "container state not found", ErrNotFound)
	}
	return nil
}

func (q queries) ListContainerStatesByAsset(ctx context.Context, assetID string) ([]domain.ContainerState, error) {
	return q.listStates(ctx, "ListContainerStatesByAsset",
		`SELECT * FROM container_states WHERE asset_id = ? ORDER BY id`, assetID)
}

func (q queries) ListContainerStatesByHost(ctx context.Context, hostID string) ([]domain.ContainerState, error) {
	return q.listStates(ctx, "ListContainerStatesByHost",
		`SELECT * FROM container_states WHERE host_node_id = ? ORDER BY id`, hostID)
}

func (q queries) ListContainerStatesBySyncStatus(ctx context.Context, status domain.SyncStatus) ([]domain.ContainerState, error) {
	return q.listStates(ctx, "ListContainerStatesBySyncStatus",
		`SELECT * FROM container_states WHERE sync_status = ? ORDER BY id`, string(status))
}

func (q queries) ListContainerStatesByHostAndStatus(ctx context.Context, hostID string, status domain.SyncStatus) ([]domain.ContainerState, error) {
	return q.listStates(ctx, "ListContainerStatesByHostAndStatus",
		`SELECT * FROM container_states WHERE host_node_id = ? AND sync_status = ? ORDER BY id`, hostID, string(status))
}

// ListStatesNeedingReconciliation returns states that are neither SYNCED nor
// FAILED and still have attempts left.
func (q queries) ListStatesNeedingReconciliation(ctx context.Context) ([]domain.ContainerState, error) {
	query := `
		SELECT * FROM container_states
		WHERE sync_status NOT IN (?, ?)
		  AND sync_attempts < max_sync_attempts
		ORDER BY id`
	return q.listStates(ctx, "ListStatesNeedingReconciliation", query,
		string(domain.SyncSynced), string(domain.SyncFailed))
}

func (q queries) listStates(ctx context.Context, op, query string, args ...any) ([]domain.ContainerState, error) {
	var rows []containerStateRow
	if err := q.exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError(op, "container_state", "", err.Error(), err)
	}
	states := make([]domain.ContainerState, len(rows))
	for i := range rows {
		states[i] = rowToState(&rows[i])
	}
	return states, nil
}

const stateCountColumns = `
	COUNT(*) AS total,
	COALESCE(SUM(CASE WHEN current_status = 'running' THEN 1 ELSE 0 END), 0) AS running,
	COALESCE(SUM(CASE WHEN current_status = 'stopped' THEN 1 ELSE 0 END), 0) AS stopped,
	COALESCE(SUM(CASE WHEN sync_status = 'FAILED' THEN 1 ELSE 0 END), 0) AS failed`

func (q queries) CountContainerStatesByHost(ctx context.Context, hostID string) (StateCounts, error) {
	var counts StateCounts
	query := `SELECT ` + stateCountColumns + ` FROM container_states WHERE host_node_id = ?`
	if err := q.exec.GetContext(ctx, &counts, query, hostID); err != nil {
		return StateCounts{}, NewStoreError("CountContainerStatesByHost", "container_state", hostID, err.Error(), err)
	}
	return counts, nil
}

// CountContainerStatesPerHost returns counts for every host that has states.
func (q queries) CountContainerStatesPerHost(ctx context.Context) (map[string]StateCounts, error) {
	var rows []struct {
		HostNodeID string `db:"host_node_id"`
		StateCounts
	}
	query := `SELECT host_node_id, ` + stateCountColumns + `
		FROM container_states WHERE host_node_id IS NOT NULL GROUP BY host_node_id`
	if err := q.exec.SelectContext(ctx, &rows, query); err != nil {
		return nil, NewStoreError("CountContainerStatesPerHost", "container_state", "", err.Error(), err)
	}
	out := make(map[string]StateCounts, len(rows))
	for _, r := range rows {
		out[r.HostNodeID] = r.StateCounts
	}
	return out, nil
}

// DeleteSyncedStatesBefore deletes SYNCED states last updated before the cutoff.
func (q queries) DeleteSyncedStatesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.exec.ExecContext(ctx,
		`DELETE FROM container_states WHERE sync_status = ? AND updated_at < ?`,
		string(domain.SyncSynced), formatTime(before))
	if err != nil {
		return 0, NewStoreError("DeleteSyncedStatesBefore", "container_state", "", err.Error(), err)
	}
	return rowsAffected(res), nil
}

// ResetFailedStates makes every FAILED state eligible again.
func (q queries) ResetFailedStates(ctx context.Context) (int64, error) {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE container_states
		SET sync_status = ?, sync_attempts = 0, last_error = '', updated_at = ?
		WHERE sync_status = ?`,
		string(domain.SyncOutOfSync), formatTime(time.Now()), string(domain.SyncFailed))
	if err != nil {
		return 0, NewStoreError("ResetFailedStates", "container_state", "", err.Error(), err)
	}
	return rowsAffected(res), nil
}

type statusCount struct {
	Status string `db:"status"`
	Count  int    `db:"count"`
}

func (q queries) CountBySyncStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	var rows []statusCount
	query := `SELECT sync_status AS status, COUNT(*) AS count FROM container_states GROUP BY sync_status`
	if err := q.exec.SelectContext(ctx, &rows, query); err != nil {
		return nil, NewStoreError("CountBySyncStatus", "container_state", "", err.Error(), err)
	}
	out := make(map[domain.SyncStatus]int, len(rows))
	for _, r := range rows {
		out[domain.SyncStatus(r.Status)] = r.Count
	}
	return out, nil
}

func (q queries) CountByHealthStatus(ctx context.Context) (map[domain.HealthStatus]int, error) {
	var rows []statusCount
	query := `SELECT health_status AS status, COUNT(*) AS count FROM container_states GROUP BY health_status`
	if err := q.exec.SelectContext(ctx, &rows, query); err != nil {
		return nil, NewStoreError("CountByHealthStatus", "container_state", "", err.Error(), err)
	}
	out := make(map[domain.HealthStatus]int, len(rows))
	for _, r := range rows {
		out[domain.HealthStatus(r.Status)] = r.Count
	}
	return out, nil
}
