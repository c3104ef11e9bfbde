package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func makeNode(id string, priority int, env domain.Environment, nodeType domain.NodeType, status domain.NodeStatus) domain.HostNode {
	return domain.HostNode{
		ID:            id,
		Name:          id,
		HostIP:        "10.0.0.1",
		NodeType:      nodeType,
		Environment:   env,
		Status:        status,
		Priority:      priority,
		MaxContainers: 10,
	}
}

func candidate(node domain.HostNode, total int) Candidate {
	return Candidate{Node: node, TotalContainers: total}
}

func ago(d time.Duration) *time.Time {
	t := testNow.Add(-d)
	return &t
}

// =============================================================================
// ScoreNode Tests
// =============================================================================

func TestScoreNode_Components(t *testing.T) {
	node := makeNode("n", 2, domain.EnvironmentStaging, domain.NodeTypeShared, domain.NodeStatusWarning)
	node.LastHealthCheck = ago(20 * time.Minute)

	// 20 priority + 15 load + 5 type + 8 env + 10 health + 3 recency
	assert.InDelta(t, 61.0, ScoreNode(node, 0.5, testNow), 1e-9)
}

func TestScoreNode_Recency(t *testing.T) {
	base := makeNode("n", 0, "", domain.NodeTypeVM, domain.NodeStatusError)

	tests := []struct {
		name string
		last *time.Time
		want float64
	}{
		{"never checked", nil, 30},
		{"two minutes", ago(2 * time.Minute), 35},
		{"twenty minutes", ago(20 * time.Minute), 33},
		{"forty five minutes", ago(45 * time.Minute), 31},
		{"two hours", ago(2 * time.Hour), 30},
		{"five minutes fifty nine seconds", ago(5*time.Minute + 59*time.Second), 35},
		{"six minutes", ago(6 * time.Minute), 33},
		{"thirty minutes fifty nine seconds", ago(30*time.Minute + 59*time.Second), 33},
		{"sixty minutes fifty nine seconds", ago(60*time.Minute + 59*time.Second), 31},
		{"sixty one minutes", ago(61 * time.Minute), 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := base
			node.LastHealthCheck = tt.last
			assert.InDelta(t, tt.want, ScoreNode(node, 0, testNow), 1e-9)
		})
	}
}

func TestScoreNode_Capped(t *testing.T) {
	node := makeNode("n", 9, domain.EnvironmentProduction, domain.NodeTypeLocal, domain.NodeStatusActive)
	node.LastHealthCheck = ago(time.Minute)
	assert.Equal(t, 100.0, ScoreNode(node, 0, testNow))
}

func TestScoreNode_DeterministicAndMonotonic(t *testing.T) {
	node := makeNode("n", 1, domain.EnvironmentDevelopment, domain.NodeTypeShared, domain.NodeStatusActive)

	prev := ScoreNode(node, 0, testNow)
	for i := 1; i <= 15; i++ {
		ratio := float64(i) / 10
		s := ScoreNode(node, ratio, testNow)
		assert.Equal(t, s, ScoreNode(node, ratio, testNow), "same input must give same score")
		assert.LessOrEqual(t, s, prev, "score must not increase with load (ratio %.1f)", ratio)
		prev = s
	}
	assert.Equal(t, ScoreNode(node, 1, testNow), ScoreNode(node, 2.5, testNow), "load above capacity clamps")
}

// =============================================================================
// Recommendation Tests
// =============================================================================

func TestRecommendDeploymentNodes(t *testing.T) {
	candidates := []Candidate{
		candidate(makeNode("low", 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive), 0),
		candidate(makeNode("high", 5, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive), 0),
		candidate(makeNode("down", 9, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusError), 0),
		candidate(makeNode("dev", 9, domain.EnvironmentDevelopment, domain.NodeTypeVM, domain.NodeStatusActive), 0),
	}

	got := RecommendDeploymentNodes(candidates, domain.EnvironmentProduction, 5, testNow)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].Node.ID)
	assert.Equal(t, "low", got[1].Node.ID)

	// high and dev both cap at 100; ties keep input order.
	all := RecommendDeploymentNodes(candidates, "", 1, testNow)
	require.Len(t, all, 1)
	assert.Equal(t, "high", all[0].Node.ID)
}

func TestLoadBalancedNode_FewestContainersFirstWinsTies(t *testing.T) {
	candidates := []Candidate{
		candidate(makeNode("x", 5, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive), 8),
		candidate(makeNode("y", 5, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive), 2),
		candidate(makeNode("z", 5, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive), 2),
	}

	best, ok := LoadBalancedNode(candidates, domain.EnvironmentProduction, testNow)
	require.True(t, ok)
	assert.Equal(t, "y", best.Node.ID)

	_, ok = LoadBalancedNode(candidates, domain.EnvironmentStaging, testNow)
	assert.False(t, ok)
}

// =============================================================================
// Affinity Tests
// =============================================================================

func TestNetworkAffinity_Tiers(t *testing.T) {
	m := DefaultNetworkMapping()

	tests := []struct {
		name    string
		assetIP string
		nodeIP  string
		want    float64
	}{
		{"same subnet", "192.168.1.10", "192.168.1.20", AffinitySameSubnet},
		{"mapped subnet", "192.168.1.10", "172.16.190.5", AffinityCompatible},
		{"second mapping", "192.168.2.10", "172.16.191.5", AffinityCompatible},
		{"mapping is directional", "172.16.190.5", "192.168.1.10", AffinityPrivate},
		{"both private", "10.0.0.1", "192.168.5.1", AffinityPrivate},
		{"public to private", "8.8.8.8", "192.168.1.1", 0},
		{"missing asset ip", "", "192.168.1.1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NetworkAffinity(tt.assetIP, tt.nodeIP, m))
		})
	}
}

func TestParseNetworkMapping(t *testing.T) {
	m, err := ParseNetworkMapping([]string{"10.1.1=10.2.2", " 10.1.1 = 10.3.3 "})
	require.NoError(t, err)
	assert.True(t, m.Compatible("10.1.1", "10.2.2"))
	assert.True(t, m.Compatible("10.1.1", "10.3.3"))
	assert.False(t, m.Compatible("10.2.2", "10.1.1"))

	_, err = ParseNetworkMapping([]string{"nonsense"})
	assert.Error(t, err)
}

func TestAssetNodeMatchScore(t *testing.T) {
	asset := domain.Asset{Name: "web", AssetType: domain.AssetTypeContainer, IP: "192.168.1.50"}
	node := makeNode("n", 5, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)
	node.HostIP = "172.16.190.7"

	got := AssetNodeMatchScore(asset, node, 0.5, DefaultNetworkMapping())

	// 20 load + 20 priority + 15 env + 15 type + 15 network
	assert.InDelta(t, 85.0, got.Score, 1e-9)
	assert.Equal(t, []string{"moderate load", "high priority node", "compatible network mapping"}, got.Reasons)

	server := domain.Asset{Name: "db", AssetType: domain.AssetTypeServer}
	assert.InDelta(t, 20+20+15+8.0, AssetNodeMatchScore(server, node, 0.5, nil).Score, 1e-9)
}

// =============================================================================
// Placement Tests
// =============================================================================

func TestSelectNode_AnyPrefersLightlyLoadedHighPriority(t *testing.T) {
	a := makeNode("host-a", 5, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)
	b := makeNode("host-b", 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)

	result, err := SelectNode(PlacementRequest{
		Asset:      domain.Asset{ID: "asset-1", Name: "web", DeploymentStrategy: domain.StrategyAny},
		Candidates: []Candidate{candidate(b, 9), candidate(a, 2)},
		Now:        testNow,
	})

	require.NoError(t, err)
	assert.Equal(t, "host-a", result.NodeID)
	assert.Equal(t, domain.StrategyAny, result.Strategy)
	assert.Greater(t, ScoreNode(a, 0.2, testNow), ScoreNode(b, 0.9, testNow))
}

func TestSelectNode_Fixed(t *testing.T) {
	preferred := makeNode("pref", 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)
	fallback := makeNode("fb", 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)
	asset := domain.Asset{
		Name:                "web",
		DeploymentStrategy:  domain.StrategyFixed,
		PreferredHostNodeID: "pref",
		FallbackHostNodeID:  "fb",
		FailoverEnabled:     true,
	}

	t.Run("preferred available", func(t *testing.T) {
		result, err := SelectNode(PlacementRequest{Asset: asset, Candidates: []Candidate{candidate(fallback, 0), candidate(preferred, 0)}})
		require.NoError(t, err)
		assert.Equal(t, "pref", result.NodeID)
		assert.Equal(t, ReasonPreferred, result.Reason)
	})

	down := preferred
	down.Status = domain.NodeStatusError

	t.Run("fallback used", func(t *testing.T) {
		result, err := SelectNode(PlacementRequest{Asset: asset, Candidates: []Candidate{candidate(down, 0), candidate(fallback, 0)}})
		require.NoError(t, err)
		assert.Equal(t, "fb", result.NodeID)
		assert.Equal(t, ReasonFallbackUsed, result.Reason)
		assert.Equal(t, 1, result.FilteredOutReasons["not_available"])
	})

	t.Run("failover disabled", func(t *testing.T) {
		noFailover := asset
		noFailover.FailoverEnabled = false
		_, err := SelectNode(PlacementRequest{Asset: noFailover, Candidates: []Candidate{candidate(down, 0), candidate(fallback, 0)}})
		assert.ErrorIs(t, err, ErrPreferredNodeUnavailable)
	})
}

func TestSelectNode_LoadBalancedNoNodes(t *testing.T) {
	dev := makeNode("dev", 1, domain.EnvironmentDevelopment, domain.NodeTypeVM, domain.NodeStatusActive)
	_, err := SelectNode(PlacementRequest{
		Asset:       domain.Asset{Name: "web", DeploymentStrategy: domain.StrategyLoadBalanced},
		Candidates:  []Candidate{candidate(dev, 0)},
		Environment: domain.EnvironmentProduction,
		Now:         testNow,
	})
	assert.ErrorIs(t, err, ErrNoNodesAvailable)
}

func TestSelectNode_AnyWidensWhenEnvironmentEmpty(t *testing.T) {
	dev := makeNode("dev", 1, domain.EnvironmentDevelopment, domain.NodeTypeVM, domain.NodeStatusActive)
	result, err := SelectNode(PlacementRequest{
		Asset:       domain.Asset{Name: "web", DeploymentStrategy: domain.StrategyAny, PreferredHostNodeID: "gone"},
		Candidates:  []Candidate{candidate(dev, 0)},
		Environment: domain.EnvironmentProduction,
	})
	require.NoError(t, err)
	assert.Equal(t, "dev", result.NodeID)

	_, err = SelectNode(PlacementRequest{Asset: domain.Asset{Name: "web"}})
	assert.ErrorIs(t, err, ErrNoNodesAvailable)
}

// =============================================================================
// Load, Alerts and Stats Tests
// =============================================================================

func TestComputeLoadInfo(t *testing.T) {
	node := makeNode("n", 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)
	node.MaxContainers = 50

	info := ComputeLoadInfo(node, ContainerCounts{Total: 10, Running: 7, Stopped: 2, Failed: 1}, testNow)

	assert.Equal(t, 0.2, info.LoadRatio)
	assert.Equal(t, 20, info.LoadPercentage)
	assert.Equal(t, 40, info.AvailableSlots)
	assert.Equal(t, 7, info.RunningContainers)
	assert.Equal(t, 50, info.MaxContainers)
	assert.Greater(t, info.NodeScore, 0.0)
}

func TestCapacityAlerts(t *testing.T) {
	mk := func(id string, total int) Candidate {
		n := makeNode(id, 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)
		n.MaxContainers = 20
		return candidate(n, total)
	}

	alerts := CapacityAlerts([]Candidate{mk("info", 15), mk("ok", 10), mk("crit", 19), mk("warn", 17)})

	require.Len(t, alerts, 3)
	assert.Equal(t, AlertCritical, alerts[0].Level)
	assert.Equal(t, "crit", alerts[0].NodeID)
	assert.Equal(t, AlertWarning, alerts[1].Level)
	assert.Equal(t, AlertInfo, alerts[2].Level)
}

func TestComputeClusterStats(t *testing.T) {
	stats := ComputeClusterStats([]Candidate{
		candidate(makeNode("a", 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive), 9),
		candidate(makeNode("b", 1, domain.EnvironmentStaging, domain.NodeTypeVM, domain.NodeStatusError), 0),
	})

	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.ActiveNodes)
	assert.Equal(t, 9, stats.TotalContainers)
	assert.Equal(t, 20, stats.TotalCapacity)
	assert.Equal(t, 1, stats.OverloadedNodes)
	assert.Equal(t, 1, stats.IdleNodes)
	assert.Equal(t, 0.45, stats.AverageLoadRatio)
	assert.Equal(t, 1, stats.ByStatus["error"])
	assert.Equal(t, 1, stats.ByEnvironment["production"])
}

// =============================================================================
// Distribution Tests
// =============================================================================

func TestBalanceScore(t *testing.T) {
	assert.Equal(t, 100.0, BalanceScore(nil))
	assert.Equal(t, 100.0, BalanceScore(map[string]int{"a": 3}))
	assert.Equal(t, 100.0, BalanceScore(map[string]int{"a": 5, "b": 5}))
	assert.InDelta(t, 20.0, BalanceScore(map[string]int{"a": 9, "b": 1}), 1e-9)
}

func TestAnalyzeDistribution(t *testing.T) {
	assets := []domain.Asset{
		{ID: "1", PreferredHostNodeID: "a"},
		{ID: "2", PreferredHostNodeID: "a"},
		{ID: "3", PreferredHostNodeID: "a"},
		{ID: "4", PreferredHostNodeID: "a"},
		{ID: "5", PreferredHostNodeID: "a"},
		{ID: "6", PreferredHostNodeID: "b"},
		{ID: "7"},
	}

	got := AnalyzeDistribution("red", assets)

	assert.Equal(t, 7, got.TotalAssets)
	assert.Equal(t, 6, got.AssetsWithNodes)
	assert.Equal(t, 2, got.NodeCount)
	assert.Equal(t, BalanceCritical, got.BalanceLevel)
	assert.Contains(t, got.Recommendations, "asset counts differ widely between nodes, redistribute load")
	assert.Contains(t, got.Recommendations, "run load-balanced redistribution")

	empty := AnalyzeDistribution("blue", nil)
	assert.Equal(t, BalanceExcellent, empty.BalanceLevel)
	assert.Equal(t, []string{"no assets are bound to a node, configure a deployment strategy"}, empty.Recommendations)
}

func TestLevelForScore(t *testing.T) {
	assert.Equal(t, BalanceExcellent, LevelForScore(90))
	assert.Equal(t, BalanceGood, LevelForScore(75))
	assert.Equal(t, BalanceFair, LevelForScore(60))
	assert.Equal(t, BalancePoor, LevelForScore(40))
	assert.Equal(t, BalanceCritical, LevelForScore(39.9))
}

func TestPlanRedistribution_SpreadsLoad(t *testing.T) {
	n1 := makeNode("n1", 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)
	n2 := makeNode("n2", 1, domain.EnvironmentProduction, domain.NodeTypeVM, domain.NodeStatusActive)
	assets := []domain.Asset{
		{ID: "a2", Name: "two", DeploymentStrategy: domain.StrategyAny},
		{ID: "a1", Name: "one", DeploymentStrategy: domain.StrategyLoadBalanced},
		{ID: "a3", Name: "pinned", DeploymentStrategy: domain.StrategyFixed, PreferredHostNodeID: "n1"},
	}

	moves, err := PlanRedistribution(assets, []Candidate{candidate(n1, 0), candidate(n2, 0)}, "", nil, testNow)

	require.NoError(t, err)
	require.Len(t, moves, 2)
	assert.Equal(t, "a1", moves[0].AssetID)
	assert.Equal(t, "n1", moves[0].NewNodeID)
	assert.Equal(t, "a2", moves[1].AssetID)
	assert.Equal(t, "n2", moves[1].NewNodeID)

	_, err = PlanRedistribution(assets, nil, "", nil, testNow)
	assert.ErrorIs(t, err, ErrNoNodesAvailable)
}
