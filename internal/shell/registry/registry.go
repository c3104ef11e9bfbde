// Package registry manages the fleet of host nodes: registration, health
// checking and load reporting.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/backoff"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/scheduler"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/audit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/docker"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
)

var (
	// ErrDuplicateName is returned when another host already has the name.
	ErrDuplicateName = store.ErrDuplicateName

	// ErrDuplicateAddress is returned when another host already has the address.
	ErrDuplicateAddress = store.ErrDuplicateAddress

	// ErrNodeNotFound is returned when no host has the given ID.
	ErrNodeNotFound = domain.ErrNodeNotFound
)

// Config configures the registry.
type Config struct {
	// MaxConcurrent bounds how many hosts a batch health check probes at once.
	MaxConcurrent int

	// Retry is applied per host during a batch health check.
	Retry backoff.Policy
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		Retry:         backoff.Default(),
	}
}

// Registry is the host registry.
type Registry struct {
	store  store.Store
	pool   *docker.HostPool
	prober Prober
	audit  audit.Sink
	config Config
	sleep  backoff.SleepFunc
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithAuditSink sets the sink receiving host deletions.
func WithAuditSink(s audit.Sink) Option {
	return func(r *Registry) { r.audit = s }
}

// WithSleep replaces the wait between health-check retries.
func WithSleep(fn backoff.SleepFunc) Option {
	return func(r *Registry) { r.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry. pool may be nil when no runtime clients are
// cached; prober must not be.
func New(s store.Store, pool *docker.HostPool, prober Prober, config Config, logger *slog.Logger, opts ...Option) *Registry {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	config.Retry = config.Retry.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  s,
		pool:   pool,
		prober: prober,
		audit:  audit.Nop{},
		config: config,
		sleep:  backoff.Sleep,
		now:    time.Now,
		logger: logger.With("component", "host_registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// CRUD
// =============================================================================

// CreateNode validates and registers a host. Names and addresses are unique.
func (r *Registry) CreateNode(ctx context.Context, node *domain.HostNode) error {
	if node.ID == "" {
		node.ID = domain.GenerateNodeID()
	}
	node.ApplyDefaults()
	if err := node.Validate(); err != nil {
		return err
	}
	if err := r.checkUnique(ctx, node); err != nil {
		return err
	}

	now := r.now()
	node.CreatedAt = now
	node.UpdatedAt = now
	if err := r.store.CreateHost(ctx, node); err != nil {
		return err
	}
	r.logger.Info("host registered", "host_id", node.ID, "host_name", node.Name, "host_ip", node.HostIP)
	return nil
}

// UpdateNode validates and saves a host. A cached runtime client is dropped
// so connection changes take effect.
func (r *Registry) UpdateNode(ctx context.Context, node *domain.HostNode) error {
	existing, err := r.GetNode(ctx, node.ID)
	if err != nil {
		return err
	}
	node.ApplyDefaults()
	if err := node.Validate(); err != nil {
		return err
	}
	if err := r.checkUnique(ctx, node); err != nil {
		return err
	}

	node.CreatedAt = existing.CreatedAt
	node.UpdatedAt = r.now()
	if err := r.store.UpdateHost(ctx, node); err != nil {
		return err
	}
	r.dropClient(node.ID)
	return nil
}

// DeleteNode detaches states and assets from the host and deletes it in
// one transaction.
func (r *Registry) DeleteNode(ctx context.Context, id string) error {
	if _, err := r.GetNode(ctx, id); err != nil {
		return err
	}
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.ClearHostReferences(ctx, id); err != nil {
			return err
		}
		return tx.DeleteHost(ctx, id)
	})
	r.audit.Record(ctx, audit.NewEvent(audit.OpHostDelete, id, true, errString(err)))
	if err != nil {
		return fmt.Errorf("delete host %s: %w", id, err)
	}
	r.dropClient(id)
	r.logger.Info("host deleted", "host_id", id)
	return nil
}

// GetNode returns a host by ID.
func (r *Registry) GetNode(ctx context.Context, id string) (*domain.HostNode, error) {
	node, err := r.store.GetHost(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		return nil, err
	}
	return node, nil
}

// ListNodes returns a page of hosts, highest priority first.
func (r *Registry) ListNodes(ctx context.Context, opts store.ListOptions) ([]domain.HostNode, error) {
	return r.store.ListHosts(ctx, opts)
}

// ListActiveNodes returns hosts that accept placements.
func (r *Registry) ListActiveNodes(ctx context.Context) ([]domain.HostNode, error) {
	return r.store.ListHostsByStatus(ctx, domain.NodeStatusActive)
}

// SetMaintenance puts a host into or out of maintenance. A host leaving
// maintenance is marked error until its next health check.
func (r *Registry) SetMaintenance(ctx context.Context, id string, on bool) (*domain.HostNode, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case on:
		node.Status = domain.NodeStatusMaintenance
	case node.Status == domain.NodeStatusMaintenance:
		node.Status = domain.NodeStatusError
	}
	node.UpdatedAt = r.now()
	if err := r.store.UpdateHost(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (r *Registry) checkUnique(ctx context.Context, node *domain.HostNode) error {
	if other, err := r.store.GetHostByName(ctx, node.Name); err == nil && other.ID != node.ID {
		return fmt.Errorf("%w: %s", ErrDuplicateName, node.Name)
	} else if err != nil && !store.IsNotFound(err) {
		return err
	}
	if other, err := r.store.GetHostByIP(ctx, node.HostIP); err == nil && other.ID != node.ID {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, node.HostIP)
	} else if err != nil && !store.IsNotFound(err) {
		return err
	}
	return nil
}

func (r *Registry) dropClient(id string) {
	if r.pool == nil {
		return
	}
	if err := r.pool.RemoveClient(id); err != nil {
		r.logger.Warn("failed to close runtime client", "host_id", id, "error", err)
	}
}

// allHosts pages through every registered host.
func (r *Registry) allHosts(ctx context.Context) ([]domain.HostNode, error) {
	const page = 1000
	var all []domain.HostNode
	for offset := 0; ; offset += page {
		hosts, err := r.store.ListHosts(ctx, store.ListOptions{Limit: page, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, hosts...)
		if len(hosts) < page {
			return all, nil
		}
	}
}

// =============================================================================
// Load and Recommendations
// =============================================================================

// Candidates returns every host with its bound container count.
func (r *Registry) Candidates(ctx context.Context) ([]scheduler.Candidate, error) {
	hosts, err := r.allHosts(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.CountContainerStatesPerHost(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]scheduler.Candidate, len(hosts))
	for i, h := range hosts {
		candidates[i] = scheduler.Candidate{Node: h, TotalContainers: counts[h.ID].Total}
	}
	return candidates, nil
}

// GetNodeLoadInfo returns load information for one host.
func (r *Registry) GetNodeLoadInfo(ctx context.Context, id string) (*scheduler.LoadInfo, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.CountContainerStatesByHost(ctx, id)
	if err != nil {
		return nil, err
	}
	info := scheduler.ComputeLoadInfo(*node, scheduler.ContainerCounts{
		Total:   counts.Total,
		Running: counts.Running,
		Stopped: counts.Stopped,
		Failed:  counts.Failed,
	}, r.now())
	return &info, nil
}

// RecommendDeploymentNodes returns the best count hosts for env.
func (r *Registry) RecommendDeploymentNodes(ctx context.Context, env domain.Environment, count int) ([]scheduler.ScoredNode, error) {
	candidates, err := r.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	return scheduler.RecommendDeploymentNodes(candidates, env, count, r.now()), nil
}

// GetLoadBalancedNode returns the least-loaded of the best hosts for env.
func (r *Registry) GetLoadBalancedNode(ctx context.Context, env domain.Environment) (*scheduler.ScoredNode, error) {
	candidates, err := r.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	node, ok := scheduler.LoadBalancedNode(candidates, env, r.now())
	if !ok {
		return nil, scheduler.ErrNoNodesAvailable
	}
	return node, nil
}

// GetCapacityAlerts returns alerts for hosts at or above 70% load.
func (r *Registry) GetCapacityAlerts(ctx context.Context) ([]scheduler.CapacityAlert, error) {
	candidates, err := r.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	return scheduler.CapacityAlerts(candidates), nil
}

// GetClusterLoadStatistics aggregates load across the fleet.
func (r *Registry) GetClusterLoadStatistics(ctx context.Context) (scheduler.ClusterStats, error) {
	candidates, err := r.Candidates(ctx)
	if err != nil {
		return scheduler.ClusterStats{}, err
	}
	return scheduler.ComputeClusterStats(candidates), nil
}

// =============================================================================
// Inventory Import
// =============================================================================

// ImportResult reports what an inventory import did.
type ImportResult struct {
	Created []string          `json:"created"`
	Updated []string          `json:"updated"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ImportInventory creates or updates hosts by name. Runtime status fields in
// the inventory are ignored; existing hosts keep theirs.
func (r *Registry) ImportInventory(ctx context.Context, nodes []domain.HostNode) ImportResult {
	result := ImportResult{Created: []string{}, Updated: []string{}, Errors: make(map[string]string)}
	for i := range nodes {
		node := nodes[i]
		existing, err := r.store.GetHostByName(ctx, node.Name)
		switch {
		case err == nil:
			node.ID = existing.ID
			node.Status = existing.Status
			node.LastHealthCheck = existing.LastHealthCheck
			node.LastError = existing.LastError
			err = r.UpdateNode(ctx, &node)
			if err == nil {
				result.Updated = append(result.Updated, node.Name)
			}
		case store.IsNotFound(err):
			node.ID = ""
			node.Status = domain.NodeStatusError
			err = r.CreateNode(ctx, &node)
			if err == nil {
				result.Created = append(result.Created, node.Name)
			}
		}
		if err != nil {
			result.Errors[node.Name] = err.Error()
			r.logger.Warn("inventory entry rejected", "host_name", node.Name, "error", err)
		}
	}
	return result
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsValidationError reports whether err is a host validation failure.
func IsValidationError(err error) bool {
	for _, target := range []error{
		domain.ErrNodeNameRequired, domain.ErrNodeNameTooShort, domain.ErrNodeNameTooLong,
		domain.ErrHostIPRequired, domain.ErrHostIPInvalid, domain.ErrDockerPortInvalid,
		domain.ErrSSHPortInvalid, domain.ErrNodeTypeInvalid, domain.ErrEnvironmentInvalid,
		domain.ErrTransportInvalid, domain.ErrCapacityInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
