package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAssetNotFound         = errors.New("asset not found")
	ErrAssetNameRequired     = errors.New("asset name is required")
	ErrStrategyInvalid       = errors.New("deployment strategy must be one of fixed, any, load_balanced")
	ErrFixedWithoutPreferred = errors.New("fixed deployment strategy requires a preferred host node")
)

// =============================================================================
// Deployment Strategy
// =============================================================================

// DeploymentStrategy governs host selection when an asset is (re)deployed.
type DeploymentStrategy string

const (
	StrategyFixed        DeploymentStrategy = "fixed"
	StrategyAny          DeploymentStrategy = "any"
	StrategyLoadBalanced DeploymentStrategy = "load_balanced"
)

// IsValid checks if the strategy is valid.
func (s DeploymentStrategy) IsValid() bool {
	switch s {
	case StrategyFixed, StrategyAny, StrategyLoadBalanced:
		return true
	default:
		return false
	}
}

// Asset types the fleet treats specially during placement.
const (
	AssetTypeContainer = "container"
	AssetTypeServer    = "server"
)

// =============================================================================
// Asset
// =============================================================================

// Asset is the subset of an exercise asset that placement and failover read
// and write. Asset definitions are owned by the asset-management side; the
// fleet only writes back the host binding and strategy.
type Asset struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	AssetType   string      `json:"asset_type"`
	IP          string      `json:"ip,omitempty"`
	Environment Environment `json:"environment,omitempty"`
	Company     string      `json:"company,omitempty"`
	Project     string      `json:"project,omitempty"`
	Owner       string      `json:"owner,omitempty"`

	DockerImage      string `json:"docker_image,omitempty"`
	ContainerPorts   string `json:"container_ports,omitempty"`
	ContainerEnv     string `json:"container_env,omitempty"`
	ContainerVolumes string `json:"container_volumes,omitempty"`
	ResourceLimits   string `json:"resource_limits,omitempty"`

	DeploymentStrategy    DeploymentStrategy `json:"deployment_strategy"`
	PreferredHostNodeID   string             `json:"preferred_host_node_id,omitempty"`
	PreferredHostNodeName string             `json:"preferred_host_node_name,omitempty"`
	FallbackHostNodeID    string             `json:"fallback_host_node_id,omitempty"`
	FailoverEnabled       bool               `json:"failover_enabled"`
	AutoFailover          bool               `json:"auto_failover"`

	Visibility     string `json:"visibility,omitempty"`
	HealthCheckURL string `json:"health_check_url,omitempty"`
	Notes          string `json:"notes,omitempty"`
	Enabled        bool   `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenerateAssetID generates a new asset ID with "asset_" prefix.
func GenerateAssetID() string {
	return "asset_" + uuid.New().String()[:8]
}

// Normalize resolves inconsistent strategy/binding combinations. It runs on
// every write: an "any" asset never carries a preferred host, and an empty
// strategy is derived from whether a preferred host is set.
func (a *Asset) Normalize() {
	if a.DeploymentStrategy == "" {
		if a.PreferredHostNodeID != "" {
			a.DeploymentStrategy = StrategyFixed
		} else {
			a.DeploymentStrategy = StrategyAny
		}
	}
	if a.DeploymentStrategy == StrategyAny && a.PreferredHostNodeID != "" {
		a.PreferredHostNodeID = ""
		a.PreferredHostNodeName = ""
	}
}

// Validate checks the asset after normalization.
func (a *Asset) Validate() error {
	if a.Name == "" {
		return ErrAssetNameRequired
	}
	if !a.DeploymentStrategy.IsValid() {
		return ErrStrategyInvalid
	}
	if a.DeploymentStrategy == StrategyFixed && a.PreferredHostNodeID == "" {
		return ErrFixedWithoutPreferred
	}
	return nil
}

// IsContainerAsset reports whether the asset is realized as a container.
func (a *Asset) IsContainerAsset() bool {
	return strings.TrimSpace(a.DockerImage) != "" || a.AssetType == AssetTypeContainer
}

// BoundHostID returns the host the asset is currently bound to.
func (a *Asset) BoundHostID() string {
	return a.PreferredHostNodeID
}

// BindTo records a new host binding. An "any" asset is pinned as fixed so
// the binding survives normalization; load_balanced keeps its strategy.
func (a *Asset) BindTo(node *HostNode, now time.Time) {
	a.PreferredHostNodeID = node.ID
	a.PreferredHostNodeName = node.Label()
	if a.DeploymentStrategy == StrategyAny || a.DeploymentStrategy == "" {
		a.DeploymentStrategy = StrategyFixed
	}
	a.UpdatedAt = now
}
