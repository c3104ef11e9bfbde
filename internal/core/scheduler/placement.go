package scheduler

import (
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// Placement reasons reported with every result.
const (
	ReasonPreferred    = "fixed strategy: preferred node"
	ReasonFallbackUsed = "fallback used"
	ReasonLoadBalanced = "load balanced: fewest containers among top nodes"
)

// =============================================================================
// Placement Request / Result
// =============================================================================

// PlacementRequest contains all information needed to place an asset.
type PlacementRequest struct {
	Asset domain.Asset

	// Candidates is every known host with its bound container count.
	Candidates []Candidate

	// Environment restricts load_balanced and any placement. Defaults to
	// the asset's environment.
	Environment domain.Environment

	Mapping NetworkMapping

	// TopN is the load_balanced pool size.
	TopN int

	Now time.Time
}

// PlacementResult is the chosen host.
type PlacementResult struct {
	NodeID   string                    `json:"node_id"`
	Node     domain.HostNode           `json:"node"`
	Score    float64                   `json:"score"`
	Strategy domain.DeploymentStrategy `json:"strategy"`
	Reason   string                    `json:"reason"`

	// ConsideredCount is the number of hosts the strategy looked at.
	ConsideredCount int `json:"considered_count"`

	// FilteredOutReasons counts why hosts were not eligible.
	FilteredOutReasons map[string]int `json:"filtered_out_reasons,omitempty"`
}

// =============================================================================
// Strategy State Machine
// =============================================================================

// SelectNode picks a host for an asset according to its deployment strategy.
//
// fixed uses the preferred host, then the fallback host when failover is
// enabled, and otherwise fails with ErrPreferredNodeUnavailable.
// load_balanced uses LoadBalancedNode. any (and an unset strategy) picks
// the best AssetNodeMatchScore in the environment, widening to every
// available host when none serves it.
func SelectNode(req PlacementRequest) (*PlacementResult, error) {
	asset := req.Asset
	asset.Normalize()

	env := req.Environment
	if env == "" {
		env = asset.Environment
	}
	if req.Mapping == nil {
		req.Mapping = DefaultNetworkMapping()
	}

	result := &PlacementResult{
		Strategy:           asset.DeploymentStrategy,
		ConsideredCount:    len(req.Candidates),
		FilteredOutReasons: make(map[string]int),
	}

	available := FilterAvailable(req.Candidates)
	if n := len(req.Candidates) - len(available); n > 0 {
		result.FilteredOutReasons["not_available"] = n
	}

	switch asset.DeploymentStrategy {
	case domain.StrategyFixed:
		return selectFixed(asset, available, result)
	case domain.StrategyLoadBalanced:
		return selectLoadBalanced(available, env, req.TopN, req.Now, result)
	default:
		return selectBestMatch(asset, available, env, req.Mapping, result)
	}
}

func selectFixed(asset domain.Asset, available []Candidate, result *PlacementResult) (*PlacementResult, error) {
	if c, ok := Find(available, asset.PreferredHostNodeID); ok {
		result.setNode(c, 0, ReasonPreferred)
		return result, nil
	}
	if asset.FailoverEnabled && asset.FallbackHostNodeID != "" {
		if c, ok := Find(available, asset.FallbackHostNodeID); ok {
			result.setNode(c, 0, ReasonFallbackUsed)
			return result, nil
		}
	}
	result.FilteredOutReasons["preferred_unavailable"]++
	return result, ErrPreferredNodeUnavailable
}

func selectLoadBalanced(available []Candidate, env domain.Environment, topN int, now time.Time, result *PlacementResult) (*PlacementResult, error) {
	best, ok := LoadBalancedNodeN(available, env, topN, now)
	if !ok {
		result.FilteredOutReasons["environment_mismatch"] += len(available)
		return result, ErrNoNodesAvailable
	}
	result.setNode(best.Candidate, best.Score, ReasonLoadBalanced)
	return result, nil
}

func selectBestMatch(asset domain.Asset, available []Candidate, env domain.Environment, m NetworkMapping, result *PlacementResult) (*PlacementResult, error) {
	if len(available) == 0 {
		return result, ErrNoNodesAvailable
	}

	pool := FilterByEnvironment(available, env)
	if len(pool) == 0 {
		pool = available
	}

	best := pool[0]
	bestMatch := AssetNodeMatchScore(asset, best.Node, best.LoadRatio(), m)
	for _, c := range pool[1:] {
		if match := AssetNodeMatchScore(asset, c.Node, c.LoadRatio(), m); match.Score > bestMatch.Score {
			best, bestMatch = c, match
		}
	}

	result.setNode(best, bestMatch.Score, JoinReasons(bestMatch.Reasons))
	return result, nil
}

func (r *PlacementResult) setNode(c Candidate, score float64, reason string) {
	r.NodeID = c.Node.ID
	r.Node = c.Node
	r.Score = score
	r.Reason = reason
}
