package store

import (
	"context"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store is the desired-state store: registered hosts, the container states
// reconciliation drives toward, and the assets placement binds to hosts.
type Store interface {
	// Host operations
	CreateHost(ctx context.Context, host *domain.HostNode) error
	GetHost(ctx context.Context, id string) (*domain.HostNode, error)
	GetHostByName(ctx context.Context, name string) (*domain.HostNode, error)
	GetHostByIP(ctx context.Context, ip string) (*domain.HostNode, error)
	UpdateHost(ctx context.Context, host *domain.HostNode) error
	DeleteHost(ctx context.Context, id string) error
	ListHosts(ctx context.Context, opts ListOptions) ([]domain.HostNode, error)
	ListHostsByStatus(ctx context.Context, status domain.NodeStatus) ([]domain.HostNode, error)

	// Container state operations
	CreateContainerState(ctx context.Context, state *domain.ContainerState) error
	GetContainerState(ctx context.Context, id string) (*domain.ContainerState, error)
	GetContainerStateByAssetAndContainer(ctx context.Context, assetID, containerID string) (*domain.ContainerState, error)
	UpdateContainerState(ctx context.Context, state *domain.ContainerState) error
	DeleteContainerState(ctx context.Context, id string) error
	ListContainerStatesByAsset(ctx context.Context, assetID string) ([]domain.ContainerState, error)
	ListContainerStatesByHost(ctx context.Context, hostID string) ([]domain.ContainerState, error)
	ListContainerStatesBySyncStatus(ctx context.Context, status domain.SyncStatus) ([]domain.ContainerState, error)
	ListContainerStatesByHostAndStatus(ctx context.Context, hostID string, status domain.SyncStatus) ([]domain.ContainerState, error)
	ListStatesNeedingReconciliation(ctx context.Context) ([]domain.ContainerState, error)
	CountContainerStatesByHost(ctx context.Context, hostID string) (StateCounts, error)
	CountContainerStatesPerHost(ctx context.Context) (map[string]StateCounts, error)
	DeleteSyncedStatesBefore(ctx context.Context, before time.Time) (int64, error)
	ResetFailedStates(ctx context.Context) (int64, error)
	CountBySyncStatus(ctx context.Context) (map[domain.SyncStatus]int, error)
	CountByHealthStatus(ctx context.Context) (map[domain.HealthStatus]int, error)

	// Asset operations
	CreateAsset(ctx context.Context, asset *domain.Asset) error
	GetAsset(ctx context.Context, id string) (*domain.Asset, error)
	UpdateAsset(ctx context.Context, asset *domain.Asset) error
	ListAssets(ctx context.Context, opts ListOptions) ([]domain.Asset, error)
	ListAssetsByHost(ctx context.Context, hostID string) ([]domain.Asset, error)
	ListAssetsByProject(ctx context.Context, project string) ([]domain.Asset, error)

	// Referential cleanup before a host is deleted
	ClearHostReferences(ctx context.Context, hostID string) error

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// StateCounts aggregates the container states bound to one host.
type StateCounts struct {
	Total   int `db:"total"`
	Running int `db:"running"`
	Stopped int `db:"stopped"`
	Failed  int `db:"failed"`
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
