// Package scheduler provides the placement service for assets with I/O.
// This is part of the Imperative Shell - it loads hosts and assets from the
// store and calls the pure scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	corescheduler "github.com/Hfirstxlovef/cyberlab-sub002/internal/core/scheduler"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
)

// =============================================================================
// Service Errors
// =============================================================================

var (
	// ErrNoSuitableNode is returned when the scheduler cannot place an asset.
	ErrNoSuitableNode = errors.New("no suitable node found")

	// ErrInvalidInput is returned for an empty asset ID or project.
	ErrInvalidInput = errors.New("invalid input")
)

// CandidateSource lists every host with its bound container count.
// registry.Registry implements it.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]corescheduler.Candidate, error)
}

// =============================================================================
// Placement Service
// =============================================================================

// Config configures the service.
type Config struct {
	Mapping corescheduler.NetworkMapping

	// LoadBalancedTopN is the pool size of the load_balanced strategy.
	LoadBalancedTopN int
}

// Service places assets on hosts.
type Service struct {
	store      store.Store
	candidates CandidateSource
	config     Config
	now        func() time.Time
	logger     *slog.Logger
}

// NewService creates a placement service.
func NewService(s store.Store, candidates CandidateSource, config Config, logger *slog.Logger) *Service {
	if config.Mapping == nil {
		config.Mapping = corescheduler.DefaultNetworkMapping()
	}
	if config.LoadBalancedTopN <= 0 {
		config.LoadBalancedTopN = corescheduler.DefaultLoadBalancedTopN
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		candidates: candidates,
		config:     config,
		now:        time.Now,
		logger:     logger.With("component", "placement_service"),
	}
}

// =============================================================================
// Select and Assign
// =============================================================================

// AssignResult is the outcome of assigning an asset to a host.
type AssignResult struct {
	Placement     *corescheduler.PlacementResult `json:"placement"`
	Asset         *domain.Asset                  `json:"asset"`
	Changed       bool                           `json:"changed"`
	ReboundStates int                            `json:"rebound_states"`
}

// SelectNodeForAsset picks a host for the asset according to its
// deployment strategy. Nothing is written.
func (s *Service) SelectNodeForAsset(ctx context.Context, assetID string) (*corescheduler.PlacementResult, error) {
	asset, err := s.loadAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return s.place(ctx, asset)
}

func (s *Service) place(ctx context.Context, asset *domain.Asset) (*corescheduler.PlacementResult, error) {
	candidates, err := s.candidates.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	s.logger.Debug("placing asset",
		"asset_id", asset.ID,
		"strategy", asset.DeploymentStrategy,
		"preferred_node", asset.PreferredHostNodeID,
		"candidates", len(candidates),
	)

	result, err := corescheduler.SelectNode(corescheduler.PlacementRequest{
		Asset:      *asset,
		Candidates: candidates,
		Mapping:    s.config.Mapping,
		TopN:       s.config.LoadBalancedTopN,
		Now:        s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w (considered=%d, filtered=%v)",
			ErrNoSuitableNode, err, result.ConsideredCount, result.FilteredOutReasons)
	}

	s.logger.Info("asset placed",
		"asset_id", asset.ID,
		"node_id", result.NodeID,
		"node_name", result.Node.Name,
		"score", result.Score,
		"reason", result.Reason,
	)
	return result, nil
}

// AssignAsset places the asset and records the binding. Container states
// bound elsewhere are moved to the new host and must be recreated there.
func (s *Service) AssignAsset(ctx context.Context, assetID string) (*AssignResult, error) {
	asset, err := s.loadAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	placement, err := s.place(ctx, asset)
	if err != nil {
		return nil, err
	}

	result := &AssignResult{Placement: placement, Asset: asset}
	if asset.BoundHostID() == placement.NodeID && asset.DeploymentStrategy != domain.StrategyAny {
		return result, nil
	}

	rebound, err := s.Bind(ctx, asset, &placement.Node)
	if err != nil {
		return nil, err
	}
	result.Changed = true
	result.ReboundStates = rebound
	return result, nil
}

// Bind writes the asset's new host and moves its non-terminal states
// there, in one transaction.
func (s *Service) Bind(ctx context.Context, asset *domain.Asset, node *domain.HostNode) (int, error) {
	now := s.now()
	asset.BindTo(node, now)

	rebound := 0
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateAsset(ctx, asset); err != nil {
			return err
		}
		states, err := tx.ListContainerStatesByAsset(ctx, asset.ID)
		if err != nil {
			return err
		}
		for i := range states {
			st := &states[i]
			if st.HostNodeID == node.ID || st.SyncStatus.IsTerminal() {
				continue
			}
			st.Rebind(node.ID, now)
			if err := tx.UpdateContainerState(ctx, st); err != nil {
				return err
			}
			rebound++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bind asset %s to %s: %w", asset.ID, node.ID, err)
	}
	return rebound, nil
}

func (s *Service) loadAsset(ctx context.Context, assetID string) (*domain.Asset, error) {
	if assetID == "" {
		return nil, fmt.Errorf("%w: asset ID is required", ErrInvalidInput)
	}
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAssetNotFound, assetID)
		}
		return nil, err
	}
	return asset, nil
}

// =============================================================================
// Project Distribution
// =============================================================================

// RedistributionResult reports a project rebalance.
type RedistributionResult struct {
	Project string                              `json:"project"`
	DryRun  bool                                `json:"dry_run"`
	Before  corescheduler.DistributionAnalysis  `json:"before"`
	After   *corescheduler.DistributionAnalysis `json:"after,omitempty"`
	Moves   []corescheduler.Move                `json:"moves"`
	Applied int                                 `json:"applied"`
}

// AnalyzeDistribution reports how a project's assets spread over hosts.
func (s *Service) AnalyzeDistribution(ctx context.Context, project string) (*corescheduler.DistributionAnalysis, error) {
	if project == "" {
		return nil, fmt.Errorf("%w: project is required", ErrInvalidInput)
	}
	assets, err := s.store.ListAssetsByProject(ctx, project)
	if err != nil {
		return nil, err
	}
	analysis := corescheduler.AnalyzeDistribution(project, assets)
	return &analysis, nil
}

// RedistributeProject reassigns the project's movable assets to their best
// hosts. With dryRun the plan is returned without writing anything.
func (s *Service) RedistributeProject(ctx context.Context, project string, dryRun bool) (*RedistributionResult, error) {
	before, err := s.AnalyzeDistribution(ctx, project)
	if err != nil {
		return nil, err
	}
	assets, err := s.store.ListAssetsByProject(ctx, project)
	if err != nil {
		return nil, err
	}
	candidates, err := s.candidates.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	moves, err := corescheduler.PlanRedistribution(assets, candidates, "", s.config.Mapping, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSuitableNode, err)
	}
	result := &RedistributionResult{Project: project, DryRun: dryRun, Before: *before, Moves: moves}
	if result.Moves == nil {
		result.Moves = []corescheduler.Move{}
	}
	if dryRun {
		return result, nil
	}

	byID := make(map[string]*domain.Asset, len(assets))
	for i := range assets {
		byID[assets[i].ID] = &assets[i]
	}
	for _, m := range moves {
		if m.NewNodeID == m.PreviousNode {
			continue
		}
		c, ok := corescheduler.Find(candidates, m.NewNodeID)
		if !ok {
			continue
		}
		if _, err := s.Bind(ctx, byID[m.AssetID], &c.Node); err != nil {
			return result, err
		}
		result.Applied++
	}

	after, err := s.AnalyzeDistribution(ctx, project)
	if err != nil {
		return result, err
	}
	result.After = after
	s.logger.Info("project redistributed",
		"project", project, "moves", len(moves), "applied", result.Applied,
		"balance_before", before.BalanceScore, "balance_after", after.BalanceScore)
	return result, nil
}
