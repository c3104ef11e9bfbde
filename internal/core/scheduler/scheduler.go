// Package scheduler provides the pure scoring and placement algorithms for
// host selection. This is part of the Functional Core - all functions are
// pure with no I/O; the current time is passed in.
package scheduler

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Scheduler Errors
// =============================================================================

var (
	// ErrNoNodesAvailable is returned when no host can take the asset.
	ErrNoNodesAvailable = errors.New("no nodes available for this deployment")

	// ErrPreferredNodeUnavailable is returned for a fixed asset whose
	// preferred host and fallback host are both unavailable.
	ErrPreferredNodeUnavailable = errors.New("preferred node is unavailable and no fallback applies")
)

// DefaultLoadBalancedTopN is how many top-scored hosts load_balanced
// placement picks among.
const DefaultLoadBalancedTopN = 5

// =============================================================================
// Candidates
// =============================================================================

// Candidate is a host together with the number of container states bound to
// it. The bound count is the load signal for every scorer.
type Candidate struct {
	Node            domain.HostNode
	TotalContainers int
}

// MaxContainers returns the node's capacity, defaulting when unset.
func (c Candidate) MaxContainers() int {
	if c.Node.MaxContainers > 0 {
		return c.Node.MaxContainers
	}
	return domain.DefaultMaxContainers
}

// LoadRatio is bound containers over capacity. It may exceed 1.
func (c Candidate) LoadRatio() float64 {
	return float64(c.TotalContainers) / float64(c.MaxContainers())
}

// ScoredNode is a candidate with its generic score.
type ScoredNode struct {
	Candidate
	Score float64 `json:"score"`
}

// =============================================================================
// Generic Node Score
// =============================================================================

// ScoreNode computes the generic 0-100 suitability of a host.
//
//   - priority: min(priority*10, 50)
//   - load: (1 - min(loadRatio, 1)) * 30
//   - node type: local 10, dedicated 8, shared 5
//   - environment: production 10, staging 8, development 6
//   - health: active/healthy 20, warning 10
//   - recency of last health check: <=5m 5, <=30m 3, <=60m 1
func ScoreNode(node domain.HostNode, loadRatio float64, now time.Time) float64 {
	score := math.Min(float64(node.Priority)*10, 50)
	score += (1 - clampRatio(loadRatio)) * 30

	switch node.NodeType {
	case domain.NodeTypeLocal:
		score += 10
	case domain.NodeTypeDedicated:
		score += 8
	case domain.NodeTypeShared:
		score += 5
	}

	switch node.Environment {
	case domain.EnvironmentProduction:
		score += 10
	case domain.EnvironmentStaging:
		score += 8
	case domain.EnvironmentDevelopment:
		score += 6
	}

	switch node.Status {
	case domain.NodeStatusActive, domain.NodeStatusHealthy:
		score += 20
	case domain.NodeStatusWarning:
		score += 10
	}

	if node.LastHealthCheck != nil {
		// Whole minutes: 5m59s still counts as within five minutes.
		minutes := int(now.Sub(*node.LastHealthCheck).Minutes())
		switch {
		case minutes <= 5:
			score += 5
		case minutes <= 30:
			score += 3
		case minutes <= 60:
			score += 1
		}
	}

	return math.Min(score, 100)
}

// clampRatio bounds a load ratio to [0, 1].
func clampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	return math.Min(r, 1)
}

// =============================================================================
// Recommendation
// =============================================================================

// RecommendDeploymentNodes scores available hosts in env (all environments
// when env is empty) and returns the top count, best first. Ties keep input
// order.
func RecommendDeploymentNodes(candidates []Candidate, env domain.Environment, count int, now time.Time) []ScoredNode {
	filtered := FilterByEnvironment(FilterAvailable(candidates), env)

	scored := make([]ScoredNode, 0, len(filtered))
	for _, c := range filtered {
		scored = append(scored, ScoredNode{Candidate: c, Score: ScoreNode(c.Node, c.LoadRatio(), now)})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if count > 0 && len(scored) > count {
		scored = scored[:count]
	}
	return scored
}

// LoadBalancedNode takes the top DefaultLoadBalancedTopN recommendations
// and returns the one with the fewest bound containers. The first
// encountered wins ties.
func LoadBalancedNode(candidates []Candidate, env domain.Environment, now time.Time) (*ScoredNode, bool) {
	return LoadBalancedNodeN(candidates, env, DefaultLoadBalancedTopN, now)
}

// LoadBalancedNodeN is LoadBalancedNode with a configurable pool size.
func LoadBalancedNodeN(candidates []Candidate, env domain.Environment, topN int, now time.Time) (*ScoredNode, bool) {
	if topN <= 0 {
		topN = DefaultLoadBalancedTopN
	}
	top := RecommendDeploymentNodes(candidates, env, topN, now)
	if len(top) == 0 {
		return nil, false
	}

	best := top[0]
	for _, c := range top[1:] {
		if c.TotalContainers < best.TotalContainers {
			best = c
		}
	}
	return &best, true
}

// =============================================================================
// Helper Functions
// =============================================================================

// FilterAvailable returns only candidates whose host can accept placements.
func FilterAvailable(candidates []Candidate) []Candidate {
	result := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Node.IsAvailable() {
			result = append(result, c)
		}
	}
	return result
}

// FilterByEnvironment returns candidates serving env. An empty env matches
// every candidate.
func FilterByEnvironment(candidates []Candidate, env domain.Environment) []Candidate {
	if env == "" {
		return candidates
	}
	result := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Node.Environment == env {
			result = append(result, c)
		}
	}
	return result
}

// Exclude drops the candidate with the given host ID.
func Exclude(candidates []Candidate, nodeID string) []Candidate {
	result := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Node.ID != nodeID {
			result = append(result, c)
		}
	}
	return result
}

// Find returns the candidate with the given host ID.
func Find(candidates []Candidate, nodeID string) (Candidate, bool) {
	for _, c := range candidates {
		if c.Node.ID == nodeID {
			return c, true
		}
	}
	return Candidate{}, false
}
