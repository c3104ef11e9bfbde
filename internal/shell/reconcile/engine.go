// Package reconcile drives container states toward their desired status.
// It compares what the store wants with what each host's runtime reports
// and issues start, stop or restart to close the gap.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/backoff"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/docker"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/metrics"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/ratelimit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
)

// Corrective actions reported in ItemResult.Action.
const (
	ActionNone    = "none"
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionDeploy  = "deploy"
)

// Reasons a host or item is skipped.
const (
	SkipRateLimited   = "rate_limited"
	SkipHostNotActive = "host_not_active"
	SkipHostNotFound  = "host_not_found"
	SkipInProgress    = "in_progress"
	SkipStateChanged  = "state_changed"
	SkipStateRemoved  = "state_removed"
)

const msgContainerNotFound = "container not found"

// ClientProvider returns the runtime client of a host. docker.HostPool
// implements it.
type ClientProvider interface {
	GetClient(ctx context.Context, node *domain.HostNode) (docker.RuntimeClient, error)
}

// Config configures the engine.
type Config struct {
	// ItemDelay is the pause between two items on the same host.
	ItemDelay time.Duration

	// MaxConcurrentHosts bounds how many hosts a sweep works on at once.
	MaxConcurrentHosts int

	// DefaultMaxAttempts is applied to states created by the engine.
	DefaultMaxAttempts int

	// RetentionDays is the default age for CleanupOldStates.
	RetentionDays int

	// Retry governs the runtime probe before a container is deployed.
	Retry backoff.Policy
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ItemDelay:          500 * time.Millisecond,
		MaxConcurrentHosts: 1,
		DefaultMaxAttempts: domain.DefaultMaxSyncAttempts,
		RetentionDays:      7,
		Retry:              backoff.Default(),
	}
}

// =============================================================================
// Results
// =============================================================================

// ItemResult is the outcome of reconciling one container state.
type ItemResult struct {
	StateID       string               `json:"state_id"`
	AssetID       string               `json:"asset_id"`
	HostNodeID    string               `json:"host_node_id,omitempty"`
	ContainerID   string               `json:"container_id,omitempty"`
	Action        string               `json:"action"`
	Success       bool                 `json:"success"`
	Skipped       bool                 `json:"skipped,omitempty"`
	SyncStatus    domain.SyncStatus    `json:"sync_status,omitempty"`
	CurrentStatus domain.CurrentStatus `json:"current_status,omitempty"`
	SyncAttempts  int                  `json:"sync_attempts"`
	Message       string               `json:"message,omitempty"`
}

// SkippedHost is a host a sweep did not touch.
type SkippedHost struct {
	HostNodeID string `json:"host_node_id"`
	Reason     string `json:"reason"`
	Items      int    `json:"items"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	TotalProcessed int           `json:"total_processed"`
	TotalSynced    int           `json:"total_synced"`
	TotalFailed    int           `json:"total_failed"`
	SkippedHosts   []SkippedHost `json:"skipped_hosts"`
	Results        []ItemResult  `json:"results"`
	Error          string        `json:"error,omitempty"`
}

func (r *SweepResult) add(item ItemResult) {
	r.Results = append(r.Results, item)
	switch {
	case item.Skipped:
	case item.Success:
		r.TotalProcessed++
		r.TotalSynced++
	default:
		r.TotalProcessed++
		r.TotalFailed++
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine reconciles container states.
type Engine struct {
	store   store.Store
	clients ClientProvider
	limiter *ratelimit.HostLimiter
	config  Config
	locks   *keyLocks
	sleep   backoff.SleepFunc
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces the pause between items.
func WithSleep(fn backoff.SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. A nil limiter admits every host once per
// ratelimit.DefaultMinInterval.
func New(s store.Store, clients ClientProvider, limiter *ratelimit.HostLimiter, config Config, logger *slog.Logger, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if config.ItemDelay < 0 {
		config.ItemDelay = 0
	}
	if config.MaxConcurrentHosts <= 0 {
		config.MaxConcurrentHosts = defaults.MaxConcurrentHosts
	}
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = defaults.DefaultMaxAttempts
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = defaults.RetentionDays
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = defaults.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:   s,
		clients: clients,
		limiter: limiter,
		config:  config,
		locks:   newKeyLocks(),
		sleep:   backoff.Sleep,
		now:     time.Now,
		logger:  logger.With("component", "reconcile_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.limiter == nil {
		e.limiter = ratelimit.NewHostLimiter(
			ratelimit.NewExpiringCache(ratelimit.DefaultMaxSize, ratelimit.DefaultTTL),
			ratelimit.DefaultMinInterval, e.now)
	}
	return e
}

// =============================================================================
// Single Item
// =============================================================================

// SyncOne reconciles one state. A state that is being reconciled elsewhere
// is skipped. An exhausted state returns ReconciliationExhaustedError
// without touching the runtime.
func (e *Engine) SyncOne(ctx context.Context, stateID string) (ItemResult, error) {
	if stateID == "" {
		return ItemResult{}, fmt.Errorf("%w: state ID is required", ErrInvalidInput)
	}
	state, err := e.store.GetContainerState(ctx, stateID)
	if err != nil {
		return ItemResult{}, err
	}
	host, err := e.hostOf(ctx, state)
	if err != nil {
		return ItemResult{}, err
	}
	return e.syncLocked(ctx, state, host, false)
}

// syncLocked takes the state's lock, re-reads the state and reconciles it.
// The snapshot only names the state; everything acted on is read under the
// lock. A sweep skips a state that stopped needing work or moved hosts
// since it was listed.
func (e *Engine) syncLocked(ctx context.Context, snapshot *domain.ContainerState, host *domain.HostNode, fromSweep bool) (ItemResult, error) {
	if !e.locks.TryLock(snapshot.ID) {
		return skipped(snapshot, SkipInProgress), nil
	}
	defer e.locks.Unlock(snapshot.ID)

	state, err := e.store.GetContainerState(ctx, snapshot.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return skipped(snapshot, SkipStateRemoved), nil
		}
		return resultFor(snapshot, ActionNone), err
	}

	if state.HostNodeID != snapshot.HostNodeID {
		if fromSweep {
			return skipped(state, SkipStateChanged), nil
		}
		if host, err = e.hostOf(ctx, state); err != nil {
			return resultFor(state, ActionNone), err
		}
	}
	if fromSweep && !state.NeedsReconciliation() {
		return skipped(state, SkipStateChanged), nil
	}

	if state.IsExhausted() {
		return resultFor(state, ActionNone), &ReconciliationExhaustedError{
			StateID:     state.ID,
			Attempts:    state.SyncAttempts,
			MaxAttempts: state.MaxSyncAttempts,
			LastError:   state.LastError,
		}
	}
	return e.reconcile(ctx, state, host), nil
}

func skipped(state *domain.ContainerState, reason string) ItemResult {
	metrics.ReconcileItemsTotal.WithLabelValues("skipped").Inc()
	return ItemResult{
		StateID:       state.ID,
		AssetID:       state.AssetID,
		HostNodeID:    state.HostNodeID,
		ContainerID:   state.ContainerID,
		Action:        ActionNone,
		Skipped:       true,
		SyncStatus:    state.SyncStatus,
		CurrentStatus: state.CurrentStatus,
		SyncAttempts:  state.SyncAttempts,
		Message:       reason,
	}
}

// reconcile compares observed and desired status and acts on the gap. A
// state bound to a host without a container yet gets one deployed from its
// asset. It never returns an error: failures are recorded on the state.
func (e *Engine) reconcile(ctx context.Context, state *domain.ContainerState, host *domain.HostNode) ItemResult {
	if host == nil {
		state.MarkFailed(msgContainerNotFound, e.now())
		return e.finish(ctx, state, ActionNone)
	}

	var asset *domain.Asset
	if state.ContainerID == "" {
		var err error
		asset, err = e.deployableAsset(ctx, state)
		if err != nil {
			return e.attemptFailed(ctx, state, ActionNone, fmt.Sprintf("load asset: %v", err))
		}
		if asset == nil {
			state.MarkFailed(msgContainerNotFound, e.now())
			return e.finish(ctx, state, ActionNone)
		}
	}

	client, err := e.clients.GetClient(ctx, host)
	if err != nil {
		return e.attemptFailed(ctx, state, ActionNone, fmt.Sprintf("runtime client: %v", err))
	}
	if asset != nil {
		return e.deploy(ctx, client, state, asset)
	}

	info, err := client.InspectContainer(ctx, state.ContainerID)
	if err != nil {
		if docker.IsNotFound(err) {
			state.MarkFailed(msgContainerNotFound, e.now())
			return e.finish(ctx, state, ActionNone)
		}
		return e.attemptFailed(ctx, state, ActionNone, fmt.Sprintf("inspect: %v", err))
	}
	e.observe(state, info)

	if !needsAction(state) {
		state.MarkSynced(state.CurrentStatus, e.now())
		return e.finish(ctx, state, ActionNone)
	}
	return e.act(ctx, client, state, actionFor(state.DesiredStatus))
}

// act issues a corrective action and verifies its effect.
func (e *Engine) act(ctx context.Context, client docker.RuntimeClient, state *domain.ContainerState, action string) ItemResult {
	if err := apply(ctx, client, action, state.ContainerID); err != nil {
		return e.attemptFailed(ctx, state, action, fmt.Sprintf("%s: %v", action, err))
	}

	if after, err := client.InspectContainer(ctx, state.ContainerID); err == nil {
		e.observe(state, after)
	} else {
		e.logger.Warn("failed to verify container after action",
			"state_id", state.ID, "action", action, "error", err)
		state.CurrentStatus = expectedStatus(state.DesiredStatus)
	}
	if !state.CurrentStatus.Satisfies(state.DesiredStatus) {
		return e.attemptFailed(ctx, state, action,
			fmt.Sprintf("container is %s after %s", state.CurrentStatus, action))
	}

	state.MarkSynced(state.CurrentStatus, e.now())
	return e.finish(ctx, state, action)
}

// deployableAsset returns the state's asset when it can be realized as a
// container. A missing asset or one without an image yields nil.
func (e *Engine) deployableAsset(ctx context.Context, state *domain.ContainerState) (*domain.Asset, error) {
	asset, err := e.store.GetAsset(ctx, state.AssetID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(asset.DockerImage) == "" {
		return nil, nil
	}
	return asset, nil
}

// deploy creates the state's container on its host and records it. A
// container that came up but is not running is removed so the next
// attempt can reuse the name.
func (e *Engine) deploy(ctx context.Context, client docker.RuntimeClient, state *domain.ContainerState, asset *domain.Asset) ItemResult {
	name := state.ContainerName
	if name == "" {
		suffix := strings.TrimPrefix(state.ID, "cs_")
		if len(suffix) > 6 {
			suffix = suffix[:6]
		}
		name = dockercli.AssetContainerName(asset) + "-" + suffix
	}
	spec := dockercli.RunSpecForAsset(asset, name)

	info, err := docker.RunWithRetry(ctx, client, spec, e.config.Retry, e.sleep)
	if err != nil {
		if errors.Is(err, docker.ErrExecutionFailed) {
			if rmErr := client.RemoveContainer(ctx, spec.Name, true); rmErr != nil {
				e.logger.Debug("failed to remove container after failed deploy",
					"state_id", state.ID, "container", spec.Name, "error", rmErr)
			}
		}
		return e.attemptFailed(ctx, state, ActionDeploy, fmt.Sprintf("%s: %v", ActionDeploy, err))
	}

	state.ContainerID = info.ContainerID
	state.ContainerName = spec.Name
	state.ImageName = spec.Image
	e.observe(state, info)
	e.logger.Info("container deployed",
		"state_id", state.ID,
		"asset_id", asset.ID,
		"host_id", state.HostNodeID,
		"container", spec.Name,
		"container_id", info.ContainerID,
	)

	if state.CurrentStatus.Satisfies(state.DesiredStatus) {
		state.MarkSynced(state.CurrentStatus, e.now())
		return e.finish(ctx, state, ActionDeploy)
	}
	return e.act(ctx, client, state, actionFor(state.DesiredStatus))
}

func (e *Engine) observe(state *domain.ContainerState, info *domain.ContainerInfo) {
	state.CurrentStatus = domain.MapRuntimeStatus(info.Status)
	state.HealthStatus = domain.HealthFromRuntimeStatus(info.Status)
	if state.ContainerName == "" {
		state.ContainerName = info.CleanName()
	}
	if state.ImageName == "" {
		state.ImageName = info.Image
	}
}

func (e *Engine) attemptFailed(ctx context.Context, state *domain.ContainerState, action, reason string) ItemResult {
	if state.RecordAttemptFailure(reason, e.now()) {
		e.logger.Warn("container state exhausted its sync attempts",
			"state_id", state.ID, "asset_id", state.AssetID, "attempts", state.SyncAttempts, "error", reason)
	}
	return e.finish(ctx, state, action)
}

// finish persists the state and reports the outcome.
func (e *Engine) finish(ctx context.Context, state *domain.ContainerState, action string) ItemResult {
	result := resultFor(state, action)
	if err := e.store.UpdateContainerState(ctx, state); err != nil {
		result.Success = false
		result.Message = fmt.Sprintf("persist state: %v", err)
		e.logger.Error("failed to persist container state", "state_id", state.ID, "error", err)
	}

	label := "synced"
	if !result.Success {
		label = "failed"
		if state.SyncStatus == domain.SyncOutOfSync {
			label = "out_of_sync"
		}
	}
	metrics.ReconcileItemsTotal.WithLabelValues(label).Inc()

	e.logger.Debug("container state reconciled",
		"state_id", state.ID,
		"host_id", state.HostNodeID,
		"action", action,
		"sync_status", state.SyncStatus,
		"current_status", state.CurrentStatus,
	)
	return result
}

func resultFor(state *domain.ContainerState, action string) ItemResult {
	return ItemResult{
		StateID:       state.ID,
		AssetID:       state.AssetID,
		HostNodeID:    state.HostNodeID,
		ContainerID:   state.ContainerID,
		Action:        action,
		Success:       state.SyncStatus == domain.SyncSynced,
		SyncStatus:    state.SyncStatus,
		CurrentStatus: state.CurrentStatus,
		SyncAttempts:  state.SyncAttempts,
		Message:       state.LastError,
	}
}

// needsAction reports whether the runtime must be told to do something. A
// restart request acts once; after that a running container satisfies it.
func needsAction(state *domain.ContainerState) bool {
	if state.DesiredStatus == domain.DesiredRestarted && state.SyncStatus != domain.SyncSynced {
		return true
	}
	return !state.CurrentStatus.Satisfies(state.DesiredStatus)
}

func actionFor(desired domain.DesiredStatus) string {
	switch desired {
	case domain.DesiredStopped:
		return ActionStop
	case domain.DesiredRestarted:
		return ActionRestart
	default:
		return ActionStart
	}
}

func expectedStatus(desired domain.DesiredStatus) domain.CurrentStatus {
	if desired == domain.DesiredStopped {
		return domain.CurrentStopped
	}
	return domain.CurrentRunning
}

func apply(ctx context.Context, client docker.RuntimeClient, action, containerID string) error {
	switch action {
	case ActionStop:
		return client.StopContainer(ctx, containerID)
	case ActionRestart:
		return client.RestartContainer(ctx, containerID)
	default:
		return client.StartContainer(ctx, containerID)
	}
}

// hostOf loads the state's host. A state without a host, or whose host is
// gone, yields nil.
func (e *Engine) hostOf(ctx context.Context, state *domain.ContainerState) (*domain.HostNode, error) {
	if state.HostNodeID == "" {
		return nil, nil
	}
	host, err := e.store.GetHost(ctx, state.HostNodeID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return host, nil
}

// =============================================================================
// Sweep
// =============================================================================

// SyncNeedingReconciliation reconciles every state that needs it, grouped
// by host. A host swept within the limiter interval, or not active, is
// skipped without any runtime call. Items on one host run in sequence
// with ItemDelay between them.
func (e *Engine) SyncNeedingReconciliation(ctx context.Context) SweepResult {
	timer := metrics.NewTimer()
	metrics.ReconcileSweepsTotal.Inc()
	defer timer.ObserveDuration(metrics.ReconcileSweepDuration)

	result := SweepResult{
		ID:           uuid.New().String(),
		StartedAt:    e.now(),
		SkippedHosts: []SkippedHost{},
		Results:      []ItemResult{},
	}
	logger := e.logger.With("sweep_id", result.ID)

	states, err := e.store.ListStatesNeedingReconciliation(ctx)
	if err != nil {
		logger.Error("failed to list states", "error", err)
		result.Error = err.Error()
		return result
	}

	byHost := make(map[string][]domain.ContainerState)
	for _, s := range states {
		if s.HostNodeID == "" {
			result.add(ItemResult{
				StateID:       s.ID,
				AssetID:       s.AssetID,
				Action:        ActionNone,
				SyncStatus:    s.SyncStatus,
				CurrentStatus: s.CurrentStatus,
				SyncAttempts:  s.SyncAttempts,
				Message:       "no host assigned",
			})
			continue
		}
		byHost[s.HostNodeID] = append(byHost[s.HostNodeID], s)
	}
	hostIDs := make([]string, 0, len(byHost))
	for id := range byHost {
		hostIDs = append(hostIDs, id)
	}
	sort.Strings(hostIDs)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.config.MaxConcurrentHosts)

	for _, hostID := range hostIDs {
		items := byHost[hostID]

		wg.Add(1)
		go func(hostID string, items []domain.ContainerState) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			results, skip := e.sweepHost(ctx, hostID, items)

			mu.Lock()
			defer mu.Unlock()
			if skip != nil {
				result.SkippedHosts = append(result.SkippedHosts, *skip)
			}
			for _, r := range results {
				result.add(r)
			}
		}(hostID, items)
	}
	wg.Wait()

	sort.Slice(result.SkippedHosts, func(i, j int) bool {
		return result.SkippedHosts[i].HostNodeID < result.SkippedHosts[j].HostNodeID
	})
	result.Duration = timer.Duration()
	logger.Info("reconciliation sweep completed",
		"processed", result.TotalProcessed,
		"synced", result.TotalSynced,
		"failed", result.TotalFailed,
		"skipped_hosts", len(result.SkippedHosts),
		"duration", result.Duration,
	)
	return result
}

func (e *Engine) sweepHost(ctx context.Context, hostID string, items []domain.ContainerState) ([]ItemResult, *SkippedHost) {
	skip := func(reason string) ([]ItemResult, *SkippedHost) {
		metrics.ReconcileHostsSkipped.WithLabelValues(reason).Inc()
		e.logger.Debug("host skipped", "host_id", hostID, "reason", reason, "items", len(items))
		return nil, &SkippedHost{HostNodeID: hostID, Reason: reason, Items: len(items)}
	}

	if !e.limiter.Allow(hostID) {
		return skip(SkipRateLimited)
	}
	host, err := e.store.GetHost(ctx, hostID)
	if err != nil {
		return skip(SkipHostNotFound)
	}
	if !host.IsAvailable() {
		return skip(SkipHostNotActive)
	}

	results := make([]ItemResult, 0, len(items))
	for i := range items {
		if i > 0 && e.config.ItemDelay > 0 {
			if err := e.sleep(ctx, e.config.ItemDelay); err != nil {
				break
			}
		}
		r, err := e.syncLocked(ctx, &items[i], host, true)
		if err != nil {
			r.Message = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

// ForceSyncAsset reconciles every state of an asset now, ignoring the
// host limiter. Exhausted states are reported, not retried.
func (e *Engine) ForceSyncAsset(ctx context.Context, assetID string) ([]ItemResult, error) {
	if assetID == "" {
		return nil, fmt.Errorf("%w: asset ID is required", ErrInvalidInput)
	}
	states, err := e.store.ListContainerStatesByAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, 0, len(states))
	for i := range states {
		state := &states[i]
		host, err := e.hostOf(ctx, state)
		if err != nil {
			return results, err
		}
		r, err := e.syncLocked(ctx, state, host, false)
		if err != nil {
			r.Message = err.Error()
		}
		results = append(results, r)
	}
	e.logger.Info("asset force-synced", "asset_id", assetID, "states", len(results))
	return results, nil
}
