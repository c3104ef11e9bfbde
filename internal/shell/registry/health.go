package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/backoff"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/metrics"
)

// errNotActive makes a health-check attempt count as failed for retries.
var errNotActive = errors.New("host not active")

// Transition records a host that was active before a batch check and is
// not afterwards.
type Transition struct {
	NodeID   string            `json:"node_id"`
	NodeName string            `json:"node_name"`
	From     domain.NodeStatus `json:"from"`
	To       domain.NodeStatus `json:"to"`
}

// BatchHealthResult summarizes one batch health check.
type BatchHealthResult struct {
	Total       int          `json:"total"`
	Activated   []string     `json:"activated"`
	Failed      []string     `json:"failed"`
	Message     string       `json:"message"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// =============================================================================
// Single Host
// =============================================================================

// TestConnection reports whether the node's runtime answers. Only the API
// tier is probed and nothing is persisted.
func (r *Registry) TestConnection(ctx context.Context, node *domain.HostNode) bool {
	if err := r.prober.Runtime(ctx, node); err != nil {
		r.logger.Info("connection test failed", "host_id", node.ID, "error", err)
		return false
	}
	return true
}

// PerformHealthCheck probes the node, persists the resulting status and
// reports whether it is active. Maintenance nodes are left untouched.
// It never fails: probe errors become the node's status and last error.
func (r *Registry) PerformHealthCheck(ctx context.Context, node *domain.HostNode) bool {
	if node.Status == domain.NodeStatusMaintenance {
		return false
	}

	status, lastErr := r.classify(ctx, node)
	now := r.now()
	previous := node.Status
	node.Status = status
	node.LastError = lastErr
	node.LastHealthCheck = &now
	node.UpdatedAt = now

	metrics.HostHealthChecksTotal.WithLabelValues(string(status)).Inc()

	logger := r.logger.With("host_id", node.ID, "host_name", node.Name)
	if previous != status {
		logger.Info("host status changed", "from", previous, "to", status, "last_error", lastErr)
	}
	if err := r.store.UpdateHost(ctx, node); err != nil {
		logger.Error("failed to persist health check", "error", err)
	}
	return status == domain.NodeStatusActive
}

// classify runs the tiers and applies the transition table. A panic in a
// prober yields the error status.
func (r *Registry) classify(ctx context.Context, node *domain.HostNode) (status domain.NodeStatus, lastErr string) {
	defer func() {
		if rec := recover(); rec != nil {
			status = domain.NodeStatusError
			lastErr = fmt.Sprintf("health check panicked: %v", rec)
		}
	}()

	runtimeErr := r.prober.Runtime(ctx, node)
	if runtimeErr == nil {
		return domain.NodeStatusActive, ""
	}
	if err := r.prober.Dial(ctx, node.DockerAddress()); err == nil {
		return domain.NodeStatusDockerUnavailable, runtimeErr.Error()
	}
	if err := r.prober.Ping(ctx, node.HostIP); err == nil {
		return domain.NodeStatusPingOKDockerFail, runtimeErr.Error()
	}
	return domain.NodeStatusError, runtimeErr.Error()
}

// =============================================================================
// Batch
// =============================================================================

// BatchHealthCheck checks every non-maintenance host, a bounded number at a
// time. Each host gets the configured retry policy before it counts as failed.
func (r *Registry) BatchHealthCheck(ctx context.Context) BatchHealthResult {
	hosts, err := r.allHosts(ctx)
	if err != nil {
		r.logger.Error("failed to list hosts", "error", err)
		return BatchHealthResult{Message: "failed to list hosts: " + err.Error()}
	}

	var checkable []domain.HostNode
	for _, h := range hosts {
		if h.Status.IsCheckable() {
			checkable = append(checkable, h)
		}
	}

	result := BatchHealthResult{
		Total:     len(checkable),
		Activated: []string{},
		Failed:    []string{},
	}
	if len(checkable) == 0 {
		result.Message = "no hosts to check"
		return result
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.config.MaxConcurrent)

	for i := range checkable {
		node := &checkable[i]

		wg.Add(1)
		go func(n *domain.HostNode) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			previous := n.Status
			active := r.checkWithRetry(ctx, n)

			mu.Lock()
			defer mu.Unlock()
			if active {
				result.Activated = append(result.Activated, n.ID)
			} else {
				result.Failed = append(result.Failed, n.ID)
			}
			if previous.IsAvailable() && !n.Status.IsAvailable() {
				result.Transitions = append(result.Transitions, Transition{
					NodeID:   n.ID,
					NodeName: n.Name,
					From:     previous,
					To:       n.Status,
				})
			}
		}(node)
	}
	wg.Wait()

	r.refreshStatusGauge(ctx)
	result.Message = fmt.Sprintf("checked %d hosts: %d active, %d failed",
		result.Total, len(result.Activated), len(result.Failed))
	r.logger.Info("batch health check completed",
		"total", result.Total,
		"active", len(result.Activated),
		"failed", len(result.Failed),
		"transitions", len(result.Transitions),
	)
	return result
}

func (r *Registry) checkWithRetry(ctx context.Context, node *domain.HostNode) bool {
	err := backoff.Retry(ctx, r.config.Retry, r.sleep, func(attempt int) error {
		if r.PerformHealthCheck(ctx, node) {
			return nil
		}
		r.logger.Debug("health check attempt failed", "host_id", node.ID, "attempt", attempt, "status", node.Status)
		return errNotActive
	})
	return err == nil
}

func (r *Registry) refreshStatusGauge(ctx context.Context) {
	hosts, err := r.allHosts(ctx)
	if err != nil {
		return
	}
	metrics.HostsTotal.Reset()
	for _, h := range hosts {
		metrics.HostsTotal.WithLabelValues(string(h.Status)).Inc()
	}
}
