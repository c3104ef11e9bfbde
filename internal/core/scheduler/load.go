package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Load Info
// =============================================================================

// LoadInfo summarizes how full a host is.
type LoadInfo struct {
	NodeID            string             `json:"node_id"`
	NodeName          string             `json:"node_name"`
	Status            domain.NodeStatus  `json:"status"`
	Environment       domain.Environment `json:"environment"`
	TotalContainers   int                `json:"total_containers"`
	RunningContainers int                `json:"running_containers"`
	StoppedContainers int                `json:"stopped_containers"`
	FailedContainers  int                `json:"failed_containers"`
	MaxContainers     int                `json:"max_containers"`
	LoadRatio         float64            `json:"load_ratio"`
	LoadPercentage    int                `json:"load_percentage"`
	AvailableSlots    int                `json:"available_slots"`
	NodeScore         float64            `json:"node_score"`
	Priority          int                `json:"priority"`
}

// ContainerCounts are the per-host state counts load info is built from.
type ContainerCounts struct {
	Total   int
	Running int
	Stopped int
	Failed  int
}

// ComputeLoadInfo derives load info for a host from its state counts.
func ComputeLoadInfo(node domain.HostNode, counts ContainerCounts, now time.Time) LoadInfo {
	c := Candidate{Node: node, TotalContainers: counts.Total}
	ratio := c.LoadRatio()
	capacity := c.MaxContainers()

	return LoadInfo{
		NodeID:            node.ID,
		NodeName:          node.Label(),
		Status:            node.Status,
		Environment:       node.Environment,
		TotalContainers:   counts.Total,
		RunningContainers: counts.Running,
		StoppedContainers: counts.Stopped,
		FailedContainers:  counts.Failed,
		MaxContainers:     capacity,
		LoadRatio:         round2(ratio),
		LoadPercentage:    int(math.Round(ratio * 100)),
		AvailableSlots:    max(0, capacity-counts.Total),
		NodeScore:         round2(ScoreNode(node, ratio, now)),
		Priority:          node.Priority,
	}
}

// =============================================================================
// Capacity Alerts
// =============================================================================

// AlertLevel grades a capacity alert.
type AlertLevel string

const (
	AlertCritical AlertLevel = "critical"
	AlertWarning  AlertLevel = "warning"
	AlertInfo     AlertLevel = "info"
)

// CapacityAlert flags a host that is filling up.
type CapacityAlert struct {
	NodeID          string     `json:"node_id"`
	NodeName        string     `json:"node_name"`
	Level           AlertLevel `json:"level"`
	LoadRatio       float64    `json:"load_ratio"`
	TotalContainers int        `json:"total_containers"`
	MaxContainers   int        `json:"max_containers"`
	Message         string     `json:"message"`
}

// alertFor grades a load ratio; ok is false below the info threshold.
func alertFor(ratio float64) (AlertLevel, string, bool) {
	switch {
	case ratio >= 0.9:
		return AlertCritical, "node capacity is critical, migrate containers or add capacity", true
	case ratio >= 0.8:
		return AlertWarning, "node capacity is high, plan for expansion", true
	case ratio >= 0.7:
		return AlertInfo, "node load is elevated", true
	}
	return "", "", false
}

// CapacityAlerts returns alerts for every host at or above 70% load, most
// loaded first.
func CapacityAlerts(candidates []Candidate) []CapacityAlert {
	var alerts []CapacityAlert
	for _, c := range candidates {
		ratio := c.LoadRatio()
		level, msg, ok := alertFor(ratio)
		if !ok {
			continue
		}
		alerts = append(alerts, CapacityAlert{
			NodeID:          c.Node.ID,
			NodeName:        c.Node.Label(),
			Level:           level,
			LoadRatio:       round2(ratio),
			TotalContainers: c.TotalContainers,
			MaxContainers:   c.MaxContainers(),
			Message:         msg,
		})
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].LoadRatio > alerts[j].LoadRatio
	})
	return alerts
}

// =============================================================================
// Cluster Statistics
// =============================================================================

// ClusterStats aggregates load across the fleet.
type ClusterStats struct {
	TotalNodes       int            `json:"total_nodes"`
	ActiveNodes      int            `json:"active_nodes"`
	TotalContainers  int            `json:"total_containers"`
	TotalCapacity    int            `json:"total_capacity"`
	AverageLoadRatio float64        `json:"average_load_ratio"`
	ClusterLoadRatio float64        `json:"cluster_load_ratio"`
	OverloadedNodes  int            `json:"overloaded_nodes"`
	IdleNodes        int            `json:"idle_nodes"`
	ByEnvironment    map[string]int `json:"by_environment"`
	ByStatus         map[string]int `json:"by_status"`
}

// OverloadThreshold is the load ratio at which a host counts as overloaded.
const OverloadThreshold = 0.8

// ComputeClusterStats aggregates candidates. Idle hosts have no bound
// containers.
func ComputeClusterStats(candidates []Candidate) ClusterStats {
	stats := ClusterStats{
		TotalNodes:    len(candidates),
		ByEnvironment: make(map[string]int),
		ByStatus:      make(map[string]int),
	}

	var ratioSum float64
	for _, c := range candidates {
		ratio := c.LoadRatio()
		ratioSum += ratio
		stats.TotalContainers += c.TotalContainers
		stats.TotalCapacity += c.MaxContainers()

		if c.Node.IsAvailable() {
			stats.ActiveNodes++
		}
		if ratio >= OverloadThreshold {
			stats.OverloadedNodes++
		}
		if c.TotalContainers == 0 {
			stats.IdleNodes++
		}
		stats.ByEnvironment[string(c.Node.Environment)]++
		stats.ByStatus[string(c.Node.Status)]++
	}

	if len(candidates) > 0 {
		stats.AverageLoadRatio = round2(ratioSum / float64(len(candidates)))
	}
	if stats.TotalCapacity > 0 {
		stats.ClusterLoadRatio = round2(float64(stats.TotalContainers) / float64(stats.TotalCapacity))
	}
	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
