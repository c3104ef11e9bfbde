// Package discovery lists the containers running on registered hosts and
// ties them back to assets.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	coredisc "github.com/Hfirstxlovef/cyberlab-sub002/internal/core/discovery"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/docker"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/reconcile"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
)

// ErrHostNotActive is returned when a single-host operation targets a host
// that is not active.
var ErrHostNotActive = errors.New("host is not active")

// ClientProvider returns the runtime client of a host.
type ClientProvider interface {
	GetClient(ctx context.Context, node *domain.HostNode) (docker.RuntimeClient, error)
}

// StateUpserter records container states. reconcile.Engine implements it.
type StateUpserter interface {
	CreateOrUpdateState(ctx context.Context, spec reconcile.StateSpec) (*domain.ContainerState, bool, error)
}

// =============================================================================
// Results
// =============================================================================

// HostDiscovery is the listing of one host.
type HostDiscovery struct {
	HostNodeID string                 `json:"host_node_id"`
	HostName   string                 `json:"host_name"`
	Containers []domain.ContainerInfo `json:"containers"`
	Cached     bool                   `json:"cached,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Summary totals a discovery run.
type Summary struct {
	TotalHosts      int `json:"total_hosts"`
	FailedHosts     int `json:"failed_hosts"`
	TotalContainers int `json:"total_containers"`
}

// DiscoveryResult is the listing of every active host.
type DiscoveryResult struct {
	Hosts   map[string]HostDiscovery `json:"hosts"`
	Summary Summary                  `json:"summary"`
}

// AttachedState is a container state recreated from a discovered container.
type AttachedState struct {
	AssetID     string `json:"asset_id"`
	StateID     string `json:"state_id"`
	ContainerID string `json:"container_id"`
}

// AttachResult reports what AttachDiscovered did on one host.
type AttachResult struct {
	HostNodeID string          `json:"host_node_id"`
	Attached   []AttachedState `json:"attached"`
	Unmatched  []string        `json:"unmatched"`
	Skipped    int             `json:"skipped"`
}

// ImportResult reports assets created from discovered containers.
type ImportResult struct {
	HostNodeID string         `json:"host_node_id"`
	Created    []domain.Asset `json:"created"`
	Existing   []string       `json:"existing"`
}

// =============================================================================
// Scanner
// =============================================================================

// Scanner discovers containers on hosts.
type Scanner struct {
	store         store.Store
	clients       ClientProvider
	states        StateUpserter
	cache         ListingCache
	maxConcurrent int
	now           func() time.Time
	logger        *slog.Logger
}

// NewScanner creates a scanner. A nil cache disables caching.
func NewScanner(s store.Store, clients ClientProvider, states StateUpserter, cache ListingCache, logger *slog.Logger) *Scanner {
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:         s,
		clients:       clients,
		states:        states,
		cache:         cache,
		maxConcurrent: 5,
		now:           time.Now,
		logger:        logger.With("component", "discovery_scanner"),
	}
}

// DiscoverAllContainers lists containers on every active host. A failing
// host is reported in its entry and does not affect the others.
func (s *Scanner) DiscoverAllContainers(ctx context.Context) (*DiscoveryResult, error) {
	hosts, err := s.store.ListHostsByStatus(ctx, domain.NodeStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active hosts: %w", err)
	}

	result := &DiscoveryResult{Hosts: make(map[string]HostDiscovery, len(hosts))}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.maxConcurrent)

	for i := range hosts {
		host := &hosts[i]

		wg.Add(1)
		go func(h *domain.HostNode) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			d := s.listHost(ctx, h, true)

			mu.Lock()
			defer mu.Unlock()
			result.Hosts[h.ID] = d
		}(host)
	}
	wg.Wait()

	for _, d := range result.Hosts {
		result.Summary.TotalHosts++
		if d.Error != "" {
			result.Summary.FailedHosts++
		}
		result.Summary.TotalContainers += len(d.Containers)
	}
	s.logger.Info("container discovery completed",
		"hosts", result.Summary.TotalHosts,
		"failed_hosts", result.Summary.FailedHosts,
		"containers", result.Summary.TotalContainers,
	)
	return result, nil
}

// DiscoverHost lists one host, from cache when possible.
func (s *Scanner) DiscoverHost(ctx context.Context, hostID string) (HostDiscovery, error) {
	host, err := s.activeHost(ctx, hostID)
	if err != nil {
		return HostDiscovery{}, err
	}
	return s.listHost(ctx, host, true), nil
}

// RefreshHost lists one host, bypassing the cache.
func (s *Scanner) RefreshHost(ctx context.Context, hostID string) (HostDiscovery, error) {
	host, err := s.activeHost(ctx, hostID)
	if err != nil {
		return HostDiscovery{}, err
	}
	return s.listHost(ctx, host, false), nil
}

// ListImages lists the images present on a host.
func (s *Scanner) ListImages(ctx context.Context, hostID string) ([]domain.ImageInfo, error) {
	host, err := s.activeHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	client, err := s.clients.GetClient(ctx, host)
	if err != nil {
		return nil, err
	}
	return client.ListImages(ctx)
}

// Invalidate drops the cached listing of a host.
func (s *Scanner) Invalidate(ctx context.Context, hostID string) {
	if err := s.cache.Delete(ctx, hostID); err != nil {
		s.logger.Warn("listing cache delete failed", "host_id", hostID, "error", err)
	}
}

func (s *Scanner) activeHost(ctx context.Context, hostID string) (*domain.HostNode, error) {
	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNodeNotFound, hostID)
		}
		return nil, err
	}
	if !host.IsAvailable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrHostNotActive, hostID, host.Status)
	}
	return host, nil
}

func (s *Scanner) listHost(ctx context.Context, host *domain.HostNode, useCache bool) HostDiscovery {
	d := HostDiscovery{HostNodeID: host.ID, HostName: host.Label(), Containers: []domain.ContainerInfo{}}
	logger := s.logger.With("host_id", host.ID)

	if useCache {
		cached, ok, err := s.cache.Get(ctx, host.ID)
		if err != nil {
			logger.Warn("listing cache read failed", "error", err)
		}
		if ok {
			d.Containers = cached
			d.Cached = true
			return d
		}
	}

	client, err := s.clients.GetClient(ctx, host)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	containers, err := client.ListContainers(ctx, true)
	if err != nil {
		logger.Warn("container listing failed", "error", err)
		d.Error = err.Error()
		return d
	}
	d.Containers = coredisc.FilterSuitable(containers)
	for i := range d.Containers {
		d.Containers[i].HostNodeID = host.ID
	}

	if err := s.cache.Set(ctx, host.ID, d.Containers); err != nil {
		logger.Warn("listing cache write failed", "error", err)
	}
	return d
}

// =============================================================================
// Asset Linking
// =============================================================================

// AttachDiscovered recreates container states for assets bound to the host
// that have none, using the first container that matches each asset.
func (s *Scanner) AttachDiscovered(ctx context.Context, hostID string) (*AttachResult, error) {
	listing, err := s.RefreshHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if listing.Error != "" {
		return nil, fmt.Errorf("list containers on %s: %s", hostID, listing.Error)
	}
	assets, err := s.store.ListAssetsByHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	result := &AttachResult{HostNodeID: hostID, Attached: []AttachedState{}, Unmatched: []string{}}
	for _, asset := range assets {
		if !asset.IsContainerAsset() {
			result.Skipped++
			continue
		}
		existing, err := s.store.ListContainerStatesByAsset(ctx, asset.ID)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			result.Skipped++
			continue
		}

		c, ok := coredisc.FindMatchingContainer(asset, listing.Containers)
		if !ok {
			result.Unmatched = append(result.Unmatched, asset.ID)
			continue
		}
		state, _, err := s.states.CreateOrUpdateState(ctx, reconcile.StateSpec{
			AssetID:       asset.ID,
			HostNodeID:    hostID,
			ContainerID:   c.ContainerID,
			ContainerName: c.CleanName(),
			ImageName:     c.Image,
			DesiredStatus: domain.DesiredRunning,
			CurrentStatus: domain.MapRuntimeStatus(c.Status),
			SyncStatus:    domain.SyncSynced,
			CreatedBy:     coredisc.DiscoveredBy,
		})
		if err != nil {
			return nil, fmt.Errorf("attach %s to asset %s: %w", c.ContainerID, asset.ID, err)
		}
		result.Attached = append(result.Attached, AttachedState{AssetID: asset.ID, StateID: state.ID, ContainerID: c.ContainerID})
	}

	s.logger.Info("discovered containers attached",
		"host_id", hostID, "attached", len(result.Attached), "unmatched", len(result.Unmatched))
	return result, nil
}

// ImportContainers creates an asset, with a SYNCED state, for every
// container on the host that no asset bound to it tracks yet.
func (s *Scanner) ImportContainers(ctx context.Context, hostID, company, project string) (*ImportResult, error) {
	host, err := s.activeHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	listing := s.listHost(ctx, host, false)
	if listing.Error != "" {
		return nil, fmt.Errorf("list containers on %s: %s", hostID, listing.Error)
	}
	assets, err := s.store.ListAssetsByHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(assets))
	for _, a := range assets {
		known[a.Name] = true
	}

	result := &ImportResult{HostNodeID: hostID, Created: []domain.Asset{}, Existing: []string{}}
	for _, c := range listing.Containers {
		asset := coredisc.ConvertContainerToAsset(c, host, company, project)
		if known[asset.Name] {
			result.Existing = append(result.Existing, asset.Name)
			continue
		}
		now := s.now()
		asset.ID = domain.GenerateAssetID()
		asset.CreatedAt = now
		asset.UpdatedAt = now
		if err := s.store.CreateAsset(ctx, &asset); err != nil {
			return nil, fmt.Errorf("create asset for %s: %w", c.ContainerID, err)
		}
		if _, _, err := s.states.CreateOrUpdateState(ctx, reconcile.StateSpec{
			AssetID:       asset.ID,
			HostNodeID:    hostID,
			ContainerID:   c.ContainerID,
			ContainerName: c.CleanName(),
			ImageName:     c.Image,
			DesiredStatus: desiredFor(c),
			CurrentStatus: domain.MapRuntimeStatus(c.Status),
			SyncStatus:    domain.SyncSynced,
			CreatedBy:     coredisc.DiscoveredBy,
		}); err != nil {
			return nil, err
		}
		known[asset.Name] = true
		result.Created = append(result.Created, asset)
	}
	return result, nil
}

// desiredFor keeps a discovered container in the state it was found in.
func desiredFor(c domain.ContainerInfo) domain.DesiredStatus {
	if c.IsRunning() {
		return domain.DesiredRunning
	}
	return domain.DesiredStopped
}

// SuggestRematch ranks the containers on an asset's host that may be its
// lost container.
func (s *Scanner) SuggestRematch(ctx context.Context, assetID string) ([]coredisc.RematchSuggestion, error) {
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	hostID := asset.BoundHostID()
	if hostID == "" {
		return nil, fmt.Errorf("asset %s is not bound to a host", assetID)
	}
	listing, err := s.DiscoverHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	suggestions := coredisc.SuggestContainerRematch(*asset, listing.Containers)
	if suggestions == nil {
		suggestions = []coredisc.RematchSuggestion{}
	}
	return suggestions, nil
}
