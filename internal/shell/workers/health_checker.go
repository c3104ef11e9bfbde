// Package workers contains the background workers of the fleet controller.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/failover"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/registry"
)

// HostChecker runs one health check over every registered host.
// registry.Registry implements it.
type HostChecker interface {
	BatchHealthCheck(ctx context.Context) registry.BatchHealthResult
}

// FailoverRunner moves assets off a failed host.
// failover.Controller implements it.
type FailoverRunner interface {
	BatchFailoverCheck(ctx context.Context, failedNodeID string) (failover.BatchResult, error)
}

// HealthCheckerConfig configures the health checker worker.
type HealthCheckerConfig struct {
	// Interval is the time between health check cycles.
	// Default: 60 seconds.
	Interval time.Duration

	// FailoverOnDown runs a batch failover for every host that stopped
	// accepting placements during a cycle, and again on later cycles while
	// the host stays down.
	FailoverOnDown bool

	// FailoverTimeout bounds the failover pass that follows the probes.
	// It does not share the probes' deadline.
	// Default: 2 minutes.
	FailoverTimeout time.Duration
}

// DefaultHealthCheckerConfig returns the default configuration.
func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		Interval:        60 * time.Second,
		FailoverOnDown:  true,
		FailoverTimeout: 2 * time.Minute,
	}
}

// HealthChecker periodically checks the health of registered hosts and
// fails assets over from hosts that went down.
type HealthChecker struct {
	hosts    HostChecker
	failover FailoverRunner
	config   HealthCheckerConfig
	logger   *slog.Logger

	mu         sync.Mutex
	lastResult *registry.BatchHealthResult
	lastRun    time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker creates a new health checker worker. failover may be
// nil, which disables failover regardless of the config.
func NewHealthChecker(hosts HostChecker, fo FailoverRunner, config HealthCheckerConfig, logger *slog.Logger) *HealthChecker {
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.FailoverTimeout <= 0 {
		config.FailoverTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthChecker{
		hosts:    hosts,
		failover: fo,
		config:   config,
		logger:   logger.With("component", "health_checker"),
	}
}

// Start begins the health checker background goroutine.
func (h *HealthChecker) Start() {
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go h.run()

	h.logger.Info("health checker started",
		"interval", h.config.Interval,
		"failover_on_down", h.config.FailoverOnDown,
	)
}

// Stop gracefully stops the health checker.
// It waits for any in-progress health checks to complete.
func (h *HealthChecker) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info("health checker stopped")
}

// run is the main loop that runs health checks periodically.
func (h *HealthChecker) run() {
	defer h.wg.Done()

	// Run immediately on start
	h.runCycle(h.ctx)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.runCycle(h.ctx)
		}
	}
}

// runCycle executes a single health check cycle.
func (h *HealthChecker) runCycle(parent context.Context) registry.BatchHealthResult {
	probeCtx, cancel := context.WithTimeout(parent, h.config.Interval)
	result := h.hosts.BatchHealthCheck(probeCtx)
	cancel()

	h.mu.Lock()
	h.lastResult = &result
	h.lastRun = time.Now()
	h.mu.Unlock()

	h.logger.Debug("completed health check cycle",
		"total", result.Total,
		"active", len(result.Activated),
		"failed", len(result.Failed),
		"transitions", len(result.Transitions),
	)

	down := h.downHosts(result)
	if len(down) == 0 || !h.config.FailoverOnDown || h.failover == nil {
		return result
	}

	// The probes may have used the whole interval.
	foCtx, foCancel := context.WithTimeout(parent, h.config.FailoverTimeout)
	defer foCancel()
	for _, id := range down {
		h.failoverHost(foCtx, id)
	}
	return result
}

// downHosts returns the hosts that went down this cycle, then those that
// were already down and failed again. Failover on the latter picks up
// assets that could not be moved earlier.
func (h *HealthChecker) downHosts(result registry.BatchHealthResult) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tr := range result.Transitions {
		if !tr.From.IsAvailable() || tr.To.IsAvailable() {
			continue
		}
		h.logger.Warn("host went down", "host_id", tr.NodeID, "host_name", tr.NodeName, "from", tr.From, "to", tr.To)
		seen[tr.NodeID] = true
		out = append(out, tr.NodeID)
	}
	for _, id := range result.Failed {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (h *HealthChecker) failoverHost(ctx context.Context, hostID string) {
	batch, err := h.failover.BatchFailoverCheck(ctx, hostID)
	if err != nil {
		h.logger.Error("batch failover failed", "host_id", hostID, "error", err)
		return
	}
	if batch.TotalAffectedAssets > 0 {
		h.logger.Info("assets failed over",
			"host_id", hostID,
			"affected", batch.TotalAffectedAssets,
			"succeeded", batch.SuccessfulFailovers,
			"failed", batch.FailedFailovers,
		)
	}
}

// CheckAllNow runs an immediate health check cycle on all hosts.
// This is useful after configuration changes or for manual triggering.
func (h *HealthChecker) CheckAllNow(ctx context.Context) registry.BatchHealthResult {
	return h.runCycle(ctx)
}

// LastResult returns the most recent cycle's result and when it ran.
func (h *HealthChecker) LastResult() (*registry.BatchHealthResult, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastResult, h.lastRun
}
