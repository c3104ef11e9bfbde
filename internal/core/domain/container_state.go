package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Container State Errors
// =============================================================================

var (
	ErrAssetIDRequired      = errors.New("asset ID is required")
	ErrDesiredStatusInvalid = errors.New("desired status must be one of running, stopped, restarted")
	ErrMaxAttemptsInvalid   = errors.New("max sync attempts must be positive")
)

// DefaultMaxSyncAttempts bounds automatic retries before a state becomes FAILED.
const DefaultMaxSyncAttempts = 3

// =============================================================================
// Status Enums
// =============================================================================

// DesiredStatus is the status an asset's container should be in.
type DesiredStatus string

const (
	DesiredRunning   DesiredStatus = "running"
	DesiredStopped   DesiredStatus = "stopped"
	DesiredRestarted DesiredStatus = "restarted"
)

// IsValid checks if the desired status is valid.
func (s DesiredStatus) IsValid() bool {
	switch s {
	case DesiredRunning, DesiredStopped, DesiredRestarted:
		return true
	default:
		return false
	}
}

// CurrentStatus is the status observed on the runtime host.
type CurrentStatus string

const (
	CurrentRunning    CurrentStatus = "running"
	CurrentStopped    CurrentStatus = "stopped"
	CurrentPaused     CurrentStatus = "paused"
	CurrentRestarting CurrentStatus = "restarting"
	CurrentNotExists  CurrentStatus = "not_exists"
	CurrentUnknown    CurrentStatus = "unknown"
)

// Satisfies reports whether the observed status fulfils the desired one.
// A restart request is satisfied once the container is running again.
func (c CurrentStatus) Satisfies(d DesiredStatus) bool {
	switch d {
	case DesiredRunning, DesiredRestarted:
		return c == CurrentRunning
	case DesiredStopped:
		return c == CurrentStopped
	default:
		return false
	}
}

// HealthStatus is the coarse container health derived from runtime output.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// SyncStatus is the lifecycle of a reconciliation item.
type SyncStatus string

const (
	SyncPending   SyncStatus = "PENDING"
	SyncOutOfSync SyncStatus = "OUT_OF_SYNC"
	SyncSynced    SyncStatus = "SYNCED"
	SyncFailed    SyncStatus = "FAILED"
)

// IsValid checks if the sync status is valid.
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncPending, SyncOutOfSync, SyncSynced, SyncFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states excluded from automatic sweeps.
func (s SyncStatus) IsTerminal() bool {
	return s == SyncFailed
}

// =============================================================================
// Status Mapping
// =============================================================================

// MapRuntimeStatus maps a raw runtime status string ("Up 3 hours",
// "Exited (0) 2 minutes ago", "running") to a CurrentStatus.
func MapRuntimeStatus(raw string) CurrentStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return CurrentUnknown
	case strings.Contains(s, "paused"):
		return CurrentPaused
	case strings.Contains(s, "restarting"):
		return CurrentRestarting
	case strings.Contains(s, "running"), strings.HasPrefix(s, "up"):
		return CurrentRunning
	case strings.Contains(s, "exited"), strings.Contains(s, "stopped"), strings.Contains(s, "created"):
		return CurrentStopped
	default:
		return CurrentUnknown
	}
}

// HealthFromRuntimeStatus derives a health status from a raw runtime status.
func HealthFromRuntimeStatus(raw string) HealthStatus {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "unhealthy"), strings.Contains(s, "exited"), strings.Contains(s, "dead"):
		return HealthUnhealthy
	case strings.Contains(s, "running"), strings.HasPrefix(s, "up"):
		return HealthHealthy
	default:
		return HealthUnknown
	}
}

// =============================================================================
// Container State
// =============================================================================

// ContainerState binds an asset to its intended container configuration
// and the status last observed on the runtime host.
type ContainerState struct {
	ID              string        `json:"id"`
	AssetID         string        `json:"asset_id"`
	HostNodeID      string        `json:"host_node_id,omitempty"`
	ContainerID     string        `json:"container_id,omitempty"`
	ContainerName   string        `json:"container_name,omitempty"`
	ImageName       string        `json:"image_name,omitempty"`
	DesiredStatus   DesiredStatus `json:"desired_status"`
	CurrentStatus   CurrentStatus `json:"current_status"`
	HealthStatus    HealthStatus  `json:"health_status"`
	SyncStatus      SyncStatus    `json:"sync_status"`
	SyncAttempts    int           `json:"sync_attempts"`
	MaxSyncAttempts int           `json:"max_sync_attempts"`
	LastError       string        `json:"last_error,omitempty"`
	LastSyncAt      *time.Time    `json:"last_sync_at,omitempty"`
	CreatedBy       string        `json:"created_by,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// GenerateContainerStateID generates a new state ID with "cs_" prefix.
func GenerateContainerStateID() string {
	return "cs_" + uuid.New().String()[:12]
}

// NewContainerState creates a PENDING state for an asset.
func NewContainerState(assetID string, desired DesiredStatus) (*ContainerState, error) {
	if assetID == "" {
		return nil, ErrAssetIDRequired
	}
	if desired == "" {
		desired = DesiredRunning
	}
	if !desired.IsValid() {
		return nil, ErrDesiredStatusInvalid
	}
	now := time.Now()
	return &ContainerState{
		ID:              GenerateContainerStateID(),
		AssetID:         assetID,
		DesiredStatus:   desired,
		CurrentStatus:   CurrentNotExists,
		HealthStatus:    HealthUnknown,
		SyncStatus:      SyncPending,
		MaxSyncAttempts: DefaultMaxSyncAttempts,
		CreatedBy:       "system",
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// IsExhausted reports whether automatic retries are used up.
func (s *ContainerState) IsExhausted() bool {
	limit := s.MaxSyncAttempts
	if limit <= 0 {
		limit = DefaultMaxSyncAttempts
	}
	return s.SyncAttempts >= limit
}

// NeedsReconciliation reports whether a sweep should pick the state up.
func (s *ContainerState) NeedsReconciliation() bool {
	return s.SyncStatus != SyncSynced && !s.SyncStatus.IsTerminal() && !s.IsExhausted()
}

// MarkSynced records a successful comparison or corrective action.
func (s *ContainerState) MarkSynced(current CurrentStatus, now time.Time) {
	s.CurrentStatus = current
	s.SyncStatus = SyncSynced
	s.LastError = ""
	s.LastSyncAt = &now
	s.UpdatedAt = now
}

// MarkFailed moves the state to terminal FAILED.
func (s *ContainerState) MarkFailed(reason string, now time.Time) {
	s.SyncStatus = SyncFailed
	s.LastError = reason
	s.LastSyncAt = &now
	s.UpdatedAt = now
}

// RecordAttemptFailure counts a failed corrective action. The sync status is
// kept, except that PENDING advances to OUT_OF_SYNC. Once the attempts reach
// the maximum the state becomes FAILED. Returns true when that happened.
func (s *ContainerState) RecordAttemptFailure(reason string, now time.Time) bool {
	s.SyncAttempts++
	s.LastError = reason
	s.LastSyncAt = &now
	s.UpdatedAt = now
	if s.SyncStatus == SyncPending {
		s.SyncStatus = SyncOutOfSync
	}
	if s.IsExhausted() {
		s.SyncStatus = SyncFailed
		return true
	}
	return false
}

// Reset clears the attempt counter and makes the state eligible again.
func (s *ContainerState) Reset(now time.Time) {
	s.SyncAttempts = 0
	s.SyncStatus = SyncOutOfSync
	s.LastError = ""
	s.UpdatedAt = now
}

// Rebind moves the state to another host. The container must be recreated there.
func (s *ContainerState) Rebind(hostID string, now time.Time) {
	s.HostNodeID = hostID
	s.ContainerID = ""
	s.CurrentStatus = CurrentNotExists
	s.HealthStatus = HealthUnknown
	s.SyncStatus = SyncOutOfSync
	s.SyncAttempts = 0
	s.LastError = ""
	s.UpdatedAt = now
}
