package scheduler

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// Network affinity tiers.
const (
	AffinitySameSubnet = 25.0
	AffinityCompatible = 15.0
	AffinityPrivate    = 5.0
)

// =============================================================================
// Network Mapping
// =============================================================================

// NetworkMapping lists node subnets that can reach assets in another
// subnet. Keys and values are /24 prefixes written as three octets.
type NetworkMapping map[string][]string

// DefaultNetworkMapping is the lab's built-in cross-subnet pairing.
func DefaultNetworkMapping() NetworkMapping {
	return NetworkMapping{
		"192.168.1": {"172.16.190"},
		"192.168.2": {"172.16.191"},
	}
}

// ParseNetworkMapping parses "asset_subnet=node_subnet" entries.
func ParseNetworkMapping(entries []string) (NetworkMapping, error) {
	m := make(NetworkMapping)
	for _, e := range entries {
		asset, node, ok := strings.Cut(strings.TrimSpace(e), "=")
		asset, node = strings.TrimSpace(asset), strings.TrimSpace(node)
		if !ok || asset == "" || node == "" {
			return nil, fmt.Errorf("invalid subnet mapping %q: want asset_subnet=node_subnet", e)
		}
		m[asset] = append(m[asset], node)
	}
	return m, nil
}

// Compatible reports whether the mapping pairs the two subnets.
func (m NetworkMapping) Compatible(assetSubnet, nodeSubnet string) bool {
	for _, s := range m[assetSubnet] {
		if s == nodeSubnet {
			return true
		}
	}
	return false
}

// Subnet returns the first three octets of an IPv4 address, or the input
// unchanged if it has fewer parts.
func Subnet(ip string) string {
	parts := strings.Split(strings.TrimSpace(ip), ".")
	if len(parts) >= 3 {
		return strings.Join(parts[:3], ".")
	}
	return ip
}

// IsPrivate reports whether ip is an RFC1918 address.
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	return addr.Is4() && addr.IsPrivate()
}

// NetworkAffinity scores how close an asset's address is to a node's.
func NetworkAffinity(assetIP, nodeIP string, m NetworkMapping) float64 {
	if assetIP == "" || nodeIP == "" {
		return 0
	}
	as, ns := Subnet(assetIP), Subnet(nodeIP)
	switch {
	case as == ns:
		return AffinitySameSubnet
	case m.Compatible(as, ns):
		return AffinityCompatible
	case IsPrivate(assetIP) && IsPrivate(nodeIP):
		return AffinityPrivate
	default:
		return 0
	}
}

// =============================================================================
// Asset-aware Score
// =============================================================================

// MatchResult is the asset-aware score of one host.
type MatchResult struct {
	NodeID  string   `json:"node_id"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// AssetNodeMatchScore scores a host for a specific asset, capped at 100.
//
//   - load: (1 - min(loadRatio, 1)) * 40
//   - priority: min(priority*4, 20)
//   - environment: production 15, testing/development 10
//   - type affinity: container assets 15 on vm else 10; server assets 15
//     on dedicated/physical else 8; other assets 10
//   - network affinity: same /24 25, mapped subnet 15, both private 5
func AssetNodeMatchScore(asset domain.Asset, node domain.HostNode, loadRatio float64, m NetworkMapping) MatchResult {
	score := (1 - clampRatio(loadRatio)) * 40
	score += math.Min(float64(node.Priority)*4, 20)

	switch node.Environment {
	case domain.EnvironmentProduction:
		score += 15
	case domain.EnvironmentTesting, domain.EnvironmentDevelopment:
		score += 10
	}

	score += typeAffinity(asset, node)
	score += NetworkAffinity(asset.IP, node.HostIP, m)

	return MatchResult{
		NodeID:  node.ID,
		Score:   math.Min(score, 100),
		Reasons: SelectionReasons(asset, node, loadRatio, m),
	}
}

func typeAffinity(asset domain.Asset, node domain.HostNode) float64 {
	switch {
	case asset.AssetType == domain.AssetTypeServer:
		if node.NodeType == domain.NodeTypeDedicated || node.NodeType == domain.NodeTypePhysical {
			return 15
		}
		return 8
	case asset.IsContainerAsset():
		if node.NodeType == domain.NodeTypeVM {
			return 15
		}
		return 10
	default:
		return 10
	}
}

// SelectionReasons explains why a host scored well for an asset.
func SelectionReasons(asset domain.Asset, node domain.HostNode, loadRatio float64, m NetworkMapping) []string {
	var reasons []string
	switch {
	case loadRatio < 0.3:
		reasons = append(reasons, "low load")
	case loadRatio < 0.7:
		reasons = append(reasons, "moderate load")
	}
	if node.Priority > 3 {
		reasons = append(reasons, "high priority node")
	}
	switch NetworkAffinity(asset.IP, node.HostIP, m) {
	case AffinitySameSubnet:
		reasons = append(reasons, "same network segment")
	case AffinityCompatible:
		reasons = append(reasons, "compatible network mapping")
	}
	return reasons
}

// JoinReasons renders reasons for logs and API responses.
func JoinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "best match score"
	}
	return strings.Join(reasons, " + ")
}
