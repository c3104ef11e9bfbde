package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Distribution Balance
// =============================================================================

// BalanceLevel grades how evenly a project is spread over hosts.
type BalanceLevel string

const (
	BalanceExcellent BalanceLevel = "excellent"
	BalanceGood      BalanceLevel = "good"
	BalanceFair      BalanceLevel = "fair"
	BalancePoor      BalanceLevel = "poor"
	BalanceCritical  BalanceLevel = "critical"
)

// LevelForScore maps a balance score to its level.
func LevelForScore(score float64) BalanceLevel {
	switch {
	case score >= 90:
		return BalanceExcellent
	case score >= 75:
		return BalanceGood
	case score >= 60:
		return BalanceFair
	case score >= 40:
		return BalancePoor
	default:
		return BalanceCritical
	}
}

// DistributionAnalysis describes how a project's assets are spread.
type DistributionAnalysis struct {
	Project         string         `json:"project"`
	TotalAssets     int            `json:"total_assets"`
	AssetsWithNodes int            `json:"assets_with_nodes"`
	NodeCount       int            `json:"node_count"`
	Distribution    map[string]int `json:"distribution"`
	BalanceScore    float64        `json:"balance_score"`
	BalanceLevel    BalanceLevel   `json:"balance_level"`
	Recommendations []string       `json:"recommendations"`
}

// BalanceScore is 100 minus the coefficient of variation of the per-host
// counts (as a percentage), floored at 0. Zero or one host is balanced.
func BalanceScore(counts map[string]int) float64 {
	if len(counts) <= 1 {
		return 100
	}

	var sum float64
	for _, n := range counts {
		sum += float64(n)
	}
	mean := sum / float64(len(counts))
	if mean == 0 {
		return 100
	}

	var variance float64
	for _, n := range counts {
		d := float64(n) - mean
		variance += d * d
	}
	variance /= float64(len(counts))

	cv := math.Sqrt(variance) / mean
	return math.Max(0, 100-cv*100)
}

// AnalyzeDistribution analyzes the assets of one project by bound host.
func AnalyzeDistribution(project string, assets []domain.Asset) DistributionAnalysis {
	counts := make(map[string]int)
	withNodes := 0
	for _, a := range assets {
		if id := a.BoundHostID(); id != "" {
			counts[id]++
			withNodes++
		}
	}

	score := BalanceScore(counts)
	return DistributionAnalysis{
		Project:         project,
		TotalAssets:     len(assets),
		AssetsWithNodes: withNodes,
		NodeCount:       len(counts),
		Distribution:    counts,
		BalanceScore:    round2(score),
		BalanceLevel:    LevelForScore(score),
		Recommendations: recommendations(counts, score),
	}
}

func recommendations(counts map[string]int, score float64) []string {
	if score >= 90 && len(counts) > 0 {
		return []string{"distribution is well balanced, no change needed"}
	}
	if len(counts) == 0 {
		return []string{"no assets are bound to a node, configure a deployment strategy"}
	}

	minCount, maxCount := math.MaxInt, 0
	for _, n := range counts {
		minCount = min(minCount, n)
		maxCount = max(maxCount, n)
	}

	var recs []string
	if maxCount-minCount > 2 {
		recs = append(recs, "asset counts differ widely between nodes, redistribute load")
	}
	if len(counts) == 1 {
		recs = append(recs, "all assets are on a single node, enable multi-node deployment")
	} else if maxCount > 10 {
		recs = append(recs, "some nodes carry too many assets, spread them out")
	}
	if score < 60 {
		recs = append(recs, "run load-balanced redistribution")
	}
	return recs
}

// =============================================================================
// Redistribution Plan
// =============================================================================

// Move is one planned reassignment.
type Move struct {
	AssetID      string  `json:"asset_id"`
	AssetName    string  `json:"asset_name"`
	PreviousNode string  `json:"previous_node_id,omitempty"`
	NewNodeID    string  `json:"new_node_id"`
	NewNodeName  string  `json:"new_node_name"`
	Score        float64 `json:"score"`
	Reason       string  `json:"reason"`
}

// PlanRedistribution assigns every movable asset (any or load_balanced) to
// its best-scoring host. Each assignment raises the chosen host's count so
// later assets see the updated load.
func PlanRedistribution(assets []domain.Asset, candidates []Candidate, env domain.Environment, m NetworkMapping, now time.Time) ([]Move, error) {
	pool := FilterByEnvironment(FilterAvailable(candidates), env)
	if len(pool) == 0 {
		return nil, ErrNoNodesAvailable
	}
	if m == nil {
		m = DefaultNetworkMapping()
	}

	working := make([]Candidate, len(pool))
	copy(working, pool)

	sorted := make([]domain.Asset, len(assets))
	copy(sorted, assets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var moves []Move
	for _, a := range sorted {
		if a.DeploymentStrategy != domain.StrategyAny && a.DeploymentStrategy != domain.StrategyLoadBalanced {
			continue
		}

		bestIdx := 0
		best := AssetNodeMatchScore(a, working[0].Node, working[0].LoadRatio(), m)
		for i := 1; i < len(working); i++ {
			if r := AssetNodeMatchScore(a, working[i].Node, working[i].LoadRatio(), m); r.Score > best.Score {
				bestIdx, best = i, r
			}
		}

		target := &working[bestIdx]
		moves = append(moves, Move{
			AssetID:      a.ID,
			AssetName:    a.Name,
			PreviousNode: a.PreferredHostNodeID,
			NewNodeID:    target.Node.ID,
			NewNodeName:  target.Node.Label(),
			Score:        round2(best.Score),
			Reason:       JoinReasons(best.Reasons),
		})
		target.TotalContainers++
	}
	return moves, nil
}
