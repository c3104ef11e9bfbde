// Package failover moves assets off a failed host, first to their
// configured fallback host and otherwise to the best-scoring active host.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	corescheduler "github.com/Hfirstxlovef/cyberlab-sub002/internal/core/scheduler"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/audit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/metrics"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
)

// ErrInvalidInput is returned for an empty asset or host ID.
var ErrInvalidInput = errors.New("invalid input")

// Type is the kind of failover that was performed.
type Type string

const (
	TypeNone          Type = "none"
	TypeFallbackNode  Type = "fallback_node"
	TypeAutoSelection Type = "auto_selection"
)

// =============================================================================
// Collaborators
// =============================================================================

// CandidateSource lists hosts with their bound container counts.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]corescheduler.Candidate, error)
}

// Binder rebinds an asset and its container states to a host.
// scheduler.Service implements it.
type Binder interface {
	Bind(ctx context.Context, asset *domain.Asset, node *domain.HostNode) (int, error)
}

// SelectFunc picks a host for an asset.
type SelectFunc func(req corescheduler.PlacementRequest) (*corescheduler.PlacementResult, error)

// =============================================================================
// Results
// =============================================================================

// Result is the outcome of one asset's failover.
type Result struct {
	AssetID       string `json:"asset_id"`
	AssetName     string `json:"asset_name,omitempty"`
	Success       bool   `json:"success"`
	Type          Type   `json:"type"`
	NewNodeID     string `json:"new_node_id,omitempty"`
	NewNodeName   string `json:"new_node_name,omitempty"`
	ReboundStates int    `json:"rebound_states"`
	Message       string `json:"message"`
}

// BatchResult is the outcome of failing over every asset on a host.
type BatchResult struct {
	FailedNodeID        string   `json:"failed_node_id"`
	TotalAffectedAssets int      `json:"total_affected_assets"`
	SuccessfulFailovers int      `json:"successful_failovers"`
	FailedFailovers     int      `json:"failed_failovers"`
	Results             []Result `json:"results"`
}

// =============================================================================
// Controller
// =============================================================================

// Controller performs failovers.
type Controller struct {
	store      store.Store
	candidates CandidateSource
	binder     Binder
	selectNode SelectFunc
	mapping    corescheduler.NetworkMapping
	audit      audit.Sink
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSelector replaces the scorer used for automatic selection.
func WithSelector(fn SelectFunc) Option {
	return func(c *Controller) { c.selectNode = fn }
}

// WithAuditSink sets the sink receiving failover events.
func WithAuditSink(s audit.Sink) Option {
	return func(c *Controller) { c.audit = s }
}

// WithMapping sets the subnet mapping used by automatic selection.
func WithMapping(m corescheduler.NetworkMapping) Option {
	return func(c *Controller) { c.mapping = m }
}

// New creates a failover controller.
func New(s store.Store, candidates CandidateSource, binder Binder, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:      s,
		candidates: candidates,
		binder:     binder,
		selectNode: corescheduler.SelectNode,
		audit:      audit.Nop{},
		now:        time.Now,
		logger:     logger.With("component", "failover"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mapping == nil {
		c.mapping = corescheduler.DefaultNetworkMapping()
	}
	return c
}

// PerformFailoverIfNeeded moves the asset off failedNodeID. An empty
// failedNodeID means the asset's current host.
//
// The fallback host wins when it is set, active and not the failed node.
// Otherwise AutoFailover runs the scorer over the remaining active hosts.
// A disabled failover is reported as an unsuccessful result, not an error.
func (c *Controller) PerformFailoverIfNeeded(ctx context.Context, assetID, failedNodeID string) (Result, error) {
	if assetID == "" {
		return Result{}, fmt.Errorf("%w: asset ID is required", ErrInvalidInput)
	}
	asset, err := c.store.GetAsset(ctx, assetID)
	if err != nil {
		if store.IsNotFound(err) {
			return Result{}, fmt.Errorf("%w: %s", domain.ErrAssetNotFound, assetID)
		}
		return Result{}, err
	}
	if failedNodeID == "" {
		failedNodeID = asset.BoundHostID()
	}

	result := c.failover(ctx, asset, failedNodeID)
	c.record(ctx, failedNodeID, result)
	return result, nil
}

func (c *Controller) failover(ctx context.Context, asset *domain.Asset, failedNodeID string) Result {
	result := Result{AssetID: asset.ID, AssetName: asset.Name, Type: TypeNone}
	if !asset.FailoverEnabled {
		result.Message = "failover is not enabled for this asset"
		return result
	}

	candidates, err := c.candidates.Candidates(ctx)
	if err != nil {
		result.Message = fmt.Sprintf("failed to list hosts: %v", err)
		return result
	}
	active := activeExcept(candidates, failedNodeID)

	if id := asset.FallbackHostNodeID; id != "" && id != failedNodeID {
		if fallback, ok := corescheduler.Find(active, id); ok {
			return c.rebind(ctx, asset, &fallback.Node, TypeFallbackNode, result)
		}
		c.logger.Warn("fallback host unavailable", "asset_id", asset.ID, "fallback_node", id)
	}

	if !asset.AutoFailover {
		result.Message = "no available node: fallback unavailable and auto failover disabled"
		return result
	}

	probe := *asset
	probe.DeploymentStrategy = domain.StrategyAny
	probe.PreferredHostNodeID = ""
	placement, err := c.selectNode(corescheduler.PlacementRequest{
		Asset:      probe,
		Candidates: active,
		Mapping:    c.mapping,
		Now:        c.now(),
	})
	if err != nil {
		result.Message = fmt.Sprintf("no available node: %v", err)
		return result
	}
	return c.rebind(ctx, asset, &placement.Node, TypeAutoSelection, result)
}

func (c *Controller) rebind(ctx context.Context, asset *domain.Asset, node *domain.HostNode, typ Type, result Result) Result {
	result.Type = typ
	rebound, err := c.binder.Bind(ctx, asset, node)
	if err != nil {
		result.Message = fmt.Sprintf("rebind to %s failed: %v", node.Label(), err)
		return result
	}
	result.Success = true
	result.NewNodeID = node.ID
	result.NewNodeName = node.Label()
	result.ReboundStates = rebound
	result.Message = fmt.Sprintf("moved to %s", node.Label())
	return result
}

func (c *Controller) record(ctx context.Context, failedNodeID string, r Result) {
	outcome := "success"
	if !r.Success {
		outcome = "failure"
	}
	metrics.FailoversTotal.WithLabelValues(string(r.Type), outcome).Inc()
	c.audit.Record(ctx, audit.NewEvent(audit.OpFailover, r.AssetID, r.Success, r.Message))

	if r.Success {
		c.logger.Info("asset failed over",
			"asset_id", r.AssetID,
			"failed_node", failedNodeID,
			"new_node", r.NewNodeID,
			"type", r.Type,
			"rebound_states", r.ReboundStates,
		)
		return
	}
	c.logger.Warn("asset failover not performed",
		"asset_id", r.AssetID, "failed_node", failedNodeID, "type", r.Type, "reason", r.Message)
}

// BatchFailoverCheck fails over every failover-enabled asset bound to
// failedNodeID or with a live container state on it. Other assets on the
// host are left alone.
func (c *Controller) BatchFailoverCheck(ctx context.Context, failedNodeID string) (BatchResult, error) {
	if failedNodeID == "" {
		return BatchResult{}, fmt.Errorf("%w: host ID is required", ErrInvalidInput)
	}
	assets, err := c.assetsOn(ctx, failedNodeID)
	if err != nil {
		return BatchResult{}, err
	}

	batch := BatchResult{FailedNodeID: failedNodeID, Results: []Result{}}
	for i := range assets {
		asset := &assets[i]
		if !asset.FailoverEnabled {
			continue
		}
		batch.TotalAffectedAssets++

		r := c.failover(ctx, asset, failedNodeID)
		c.record(ctx, failedNodeID, r)
		if r.Success {
			batch.SuccessfulFailovers++
		} else {
			batch.FailedFailovers++
		}
		batch.Results = append(batch.Results, r)
	}

	if batch.TotalAffectedAssets > 0 {
		c.logger.Info("batch failover finished",
			"failed_node", failedNodeID,
			"affected", batch.TotalAffectedAssets,
			"succeeded", batch.SuccessfulFailovers,
			"failed", batch.FailedFailovers,
		)
	}
	return batch, nil
}

// assetsOn lists the assets bound to hostID, then those only reachable
// through a non-terminal container state on it. Each asset appears once.
func (c *Controller) assetsOn(ctx context.Context, hostID string) ([]domain.Asset, error) {
	assets, err := c.store.ListAssetsByHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(assets))
	for _, a := range assets {
		seen[a.ID] = true
	}

	states, err := c.store.ListContainerStatesByHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if seen[st.AssetID] || st.SyncStatus.IsTerminal() {
			continue
		}
		seen[st.AssetID] = true
		asset, err := c.store.GetAsset(ctx, st.AssetID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		assets = append(assets, *asset)
	}
	return assets, nil
}

func activeExcept(candidates []corescheduler.Candidate, nodeID string) []corescheduler.Candidate {
	out := make([]corescheduler.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Node.ID != nodeID && c.Node.Status == domain.NodeStatusActive {
			out = append(out, c)
		}
	}
	return out
}
