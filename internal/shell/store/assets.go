package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Asset Operations
// =============================================================================

// assetRow represents an assets row in the database.
type assetRow struct {
	ID                    string  `db:"id"`
	Name                  string  `db:"name"`
	AssetType             string  `db:"asset_type"`
	IP                    string  `db:"ip"`
	Environment           string  `db:"environment"`
	Company               string  `db:"company"`
	Project               string  `db:"project"`
	Owner                 string  `db:"owner"`
	DockerImage           string  `db:"docker_image"`
	ContainerPorts        string  `db:"container_ports"`
	ContainerEnv          string  `db:"container_env"`
	ContainerVolumes      string  `db:"container_volumes"`
	ResourceLimits        string  `db:"resource_limits"`
	DeploymentStrategy    string  `db:"deployment_strategy"`
	PreferredHostNodeID   *string `db:"preferred_host_node_id"`
	PreferredHostNodeName string  `db:"preferred_host_node_name"`
	FallbackHostNodeID    *string `db:"fallback_host_node_id"`
	FailoverEnabled       bool    `db:"failover_enabled"`
	AutoFailover          bool    `db:"auto_failover"`
	Visibility            string  `db:"visibility"`
	HealthCheckURL        string  `db:"health_check_url"`
	Notes                 string  `db:"notes"`
	Enabled               bool    `db:"enabled"`
	CreatedAt             string  `db:"created_at"`
	UpdatedAt             string  `db:"updated_at"`
}

func assetToRow(a *domain.Asset) assetRow {
	return assetRow{
		ID:                    a.ID,
		Name:                  a.Name,
		AssetType:             a.AssetType,
		IP:                    a.IP,
		Environment:           string(a.Environment),
		Company:               a.Company,
		Project:               a.Project,
		Owner:                 a.Owner,
		DockerImage:           a.DockerImage,
		ContainerPorts:        a.ContainerPorts,
		ContainerEnv:          a.ContainerEnv,
		ContainerVolumes:      a.ContainerVolumes,
		ResourceLimits:        a.ResourceLimits,
		DeploymentStrategy:    string(a.DeploymentStrategy),
		PreferredHostNodeID:   nullString(a.PreferredHostNodeID),
		PreferredHostNodeName: a.PreferredHostNodeName,
		FallbackHostNodeID:    nullString(a.FallbackHostNodeID),
		FailoverEnabled:       a.FailoverEnabled,
		AutoFailover:          a.AutoFailover,
		Visibility:            a.Visibility,
		HealthCheckURL:        a.HealthCheckURL,
		Notes:                 a.Notes,
		Enabled:               a.Enabled,
		CreatedAt:             formatTime(a.CreatedAt),
		UpdatedAt:             formatTime(a.UpdatedAt),
	}
}

func rowToAsset(r *assetRow) domain.Asset {
	return domain.Asset{
		ID:                    r.ID,
		Name:                  r.Name,
		AssetType:             r.AssetType,
		IP:                    r.IP,
		Environment:           domain.Environment(r.Environment),
		Company:               r.Company,
		Project:               r.Project,
		Owner:                 r.Owner,
		DockerImage:           r.DockerImage,
		ContainerPorts:        r.ContainerPorts,
		ContainerEnv:          r.ContainerEnv,
		ContainerVolumes:      r.ContainerVolumes,
		ResourceLimits:        r.ResourceLimits,
		DeploymentStrategy:    domain.DeploymentStrategy(r.DeploymentStrategy),
		PreferredHostNodeID:   derefString(r.PreferredHostNodeID),
		PreferredHostNodeName: r.PreferredHostNodeName,
		FallbackHostNodeID:    derefString(r.FallbackHostNodeID),
		FailoverEnabled:       r.FailoverEnabled,
		AutoFailover:          r.AutoFailover,
		Visibility:            r.Visibility,
		HealthCheckURL:        r.HealthCheckURL,
		Notes:                 r.Notes,
		Enabled:               r.Enabled,
		CreatedAt:             parseTime(r.CreatedAt),
		UpdatedAt:             parseTime(r.UpdatedAt),
	}
}

// CreateAsset normalizes the strategy binding and inserts the asset.
func (q queries) CreateAsset(ctx context.Context, asset *domain.Asset) error {
	asset.Normalize()
	query := `
		INSERT INTO assets (
			id, name, asset_type, ip, environment, company, project, owner,
			docker_image, container_ports, container_env, container_volumes, resource_limits,
			deployment_strategy, preferred_host_node_id, preferred_host_node_name,
			fallback_host_node_id, failover_enabled, auto_failover,
			visibility, health_check_url, notes, enabled, created_at, updated_at
		) VALUES (
			:id, :name, :asset_type, :ip, :environment, :company, :project, :owner,
			:docker_image, :container_ports, :container_env, :container_volumes, :resource_limits,
			:deployment_strategy, :preferred_host_node_id, :preferred_host_node_name,
			:fallback_host_node_id, :failover_enabled, :auto_failover,
			:visibility, :health_check_url, :notes, :enabled, :created_at, :updated_at
		)`

	if _, err := q.exec.NamedExecContext(ctx, query, assetToRow(asset)); err != nil {
		return NewStoreError("CreateAsset", "asset", asset.ID, err.Error(), constraintError(err))
	}
	return nil
}

func (q queries) GetAsset(ctx context.Context, id string) (*domain.Asset, error) {
	var row assetRow
	if err := q.exec.GetContext(ctx, &row, `SELECT * FROM assets WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetAsset", "asset", id, "asset not found", ErrNotFound)
		}
		return nil, NewStoreError("GetAsset", "asset", id, err.Error(), err)
	}
	asset := rowToAsset(&row)
	return &asset, nil
}

// UpdateAsset normalizes the strategy binding and writes the asset.
func (q queries) UpdateAsset(ctx context.Context, asset *domain.Asset) error {
	asset.Normalize()
	query := `
		UPDATE assets SET
			name = :name,
			asset_type = :asset_type,
			ip = :ip,
			environment = :environment,
			company = :company,
			project = :project,
			owner = :owner,
			docker_image = :docker_image,
			container_ports = :container_ports,
			container_env = :container_env,
			container_volumes = :container_volumes,
			resource_limits = :resource_limits,
			deployment_strategy = :deployment_strategy,
			preferred_host_node_id = :preferred_host_node_id,
			preferred_host_node_name = :preferred_host_node_name,
			fallback_host_node_id = :fallback_host_node_id,
			failover_enabled = :failover_enabled,
			auto_failover = :auto_failover,
			visibility = :visibility,
			health_check_url = :health_check_url,
			notes = :notes,
			enabled = :enabled,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := q.exec.NamedExecContext(ctx, query, assetToRow(asset))
	if err != nil {
		return NewStoreError("UpdateAsset", "asset", asset.ID, err.Error(), constraintError(err))
	}
	if rowsAffected(res) == 0 {
		return NewStoreError("UpdateAsset", "asset", asset.ID, "asset not found", ErrNotFound)
	}
	return nil
}

func (q queries) ListAssets(ctx context.Context, opts ListOptions) ([]domain.Asset, error) {
	opts = opts.Normalize()
	return q.listAssets(ctx, "ListAssets",
		`SELECT * FROM assets ORDER BY id LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
}

// ListAssetsByHost returns assets whose preferred host is hostID.
func (q queries) ListAssetsByHost(ctx context.Context, hostID string) ([]domain.Asset, error) {
	return q.listAssets(ctx, "ListAssetsByHost",
		`SELECT * FROM assets WHERE preferred_host_node_id = ? ORDER BY id`, hostID)
}

func (q queries) ListAssetsByProject(ctx context.Context, project string) ([]domain.Asset, error) {
	return q.listAssets(ctx, "ListAssetsByProject",
		`SELECT * FROM assets WHERE project = ? ORDER BY id`, project)
}

func (q queries) listAssets(ctx context.Context, op, query string, args ...any) ([]domain.Asset, error) {
	var rows []assetRow
	if err := q.exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError(op, "asset", "", err.Error(), err)
	}
	assets := make([]domain.Asset, len(rows))
	for i := range rows {
		assets[i] = rowToAsset(&rows[i])
	}
	return assets, nil
}
