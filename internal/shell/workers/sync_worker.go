package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/reconcile"
)

// ErrSyncInProgress is returned by TriggerNow while a sweep is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Reconciler is the reconciliation engine as seen by the sync worker.
// reconcile.Engine implements it.
type Reconciler interface {
	SyncNeedingReconciliation(ctx context.Context) reconcile.SweepResult
	ResetFailedStates(ctx context.Context) (int64, error)
	CleanupOldStates(ctx context.Context, days int) (int64, error)
}

// SyncWorkerConfig configures the sync worker.
type SyncWorkerConfig struct {
	// Interval is the time between automatic sweeps.
	// Default: 5 minutes.
	Interval time.Duration

	// MaxConsecutiveFailures pauses automatic sweeps after this many
	// failed sweeps in a row. A manual trigger resumes them.
	// Default: 5.
	MaxConsecutiveFailures int

	// ResetInterval is how often FAILED states are reset.
	// Default: 1 hour.
	ResetInterval time.Duration

	// CleanupInterval is how often old SYNCED states are deleted.
	// Default: 24 hours.
	CleanupInterval time.Duration

	// RetentionDays is the age in days of SYNCED states to delete.
	// Default: 7.
	RetentionDays int
}

// DefaultSyncWorkerConfig returns the default configuration.
func DefaultSyncWorkerConfig() SyncWorkerConfig {
	return SyncWorkerConfig{
		Interval:               5 * time.Minute,
		MaxConsecutiveFailures: 5,
		ResetInterval:          time.Hour,
		CleanupInterval:        24 * time.Hour,
		RetentionDays:          7,
	}
}

// SyncStatus is a snapshot of the worker.
type SyncStatus struct {
	Running             bool                   `json:"running"`
	InProgress          bool                   `json:"in_progress"`
	Paused              bool                   `json:"paused"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LastRun             *time.Time             `json:"last_run,omitempty"`
	LastResult          *reconcile.SweepResult `json:"last_result,omitempty"`
	Interval            string                 `json:"interval"`
}

// SyncWorker runs reconciliation sweeps on a timer, resets failed states
// and cleans up old ones.
type SyncWorker struct {
	engine Reconciler
	config SyncWorkerConfig
	logger *slog.Logger

	inProgress atomic.Bool
	running    atomic.Bool

	mu                  sync.Mutex
	consecutiveFailures int
	lastRun             *time.Time
	lastResult          *reconcile.SweepResult

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncWorker creates a new sync worker.
func NewSyncWorker(engine Reconciler, config SyncWorkerConfig, logger *slog.Logger) *SyncWorker {
	def := DefaultSyncWorkerConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.MaxConsecutiveFailures == 0 {
		config.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if config.ResetInterval == 0 {
		config.ResetInterval = def.ResetInterval
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = def.RetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncWorker{
		engine: engine,
		config: config,
		logger: logger.With("component", "sync_worker"),
	}
}

// Start begins the sync worker background goroutine.
func (w *SyncWorker) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.running.Store(true)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("sync worker started",
		"interval", w.config.Interval,
		"reset_interval", w.config.ResetInterval,
		"cleanup_interval", w.config.CleanupInterval,
	)
}

// Stop gracefully stops the worker, waiting for a running sweep.
func (w *SyncWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.running.Store(false)
	w.logger.Info("sync worker stopped")
}

func (w *SyncWorker) run() {
	defer w.wg.Done()

	sweep := time.NewTicker(w.config.Interval)
	defer sweep.Stop()
	reset := time.NewTicker(w.config.ResetInterval)
	defer reset.Stop()
	cleanup := time.NewTicker(w.config.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-sweep.C:
			w.autoSync(w.ctx)
		case <-reset.C:
			w.resetFailed(w.ctx)
		case <-cleanup.C:
			w.cleanup(w.ctx)
		}
	}
}

// autoSync runs a timed sweep unless one is running or auto sync is paused.
func (w *SyncWorker) autoSync(ctx context.Context) {
	w.mu.Lock()
	failures := w.consecutiveFailures
	w.mu.Unlock()
	if failures >= w.config.MaxConsecutiveFailures {
		w.logger.Warn("automatic sync paused after consecutive failures",
			"consecutive_failures", failures)
		return
	}

	if _, err := w.sweep(ctx); errors.Is(err, ErrSyncInProgress) {
		w.logger.Debug("skipping sync, previous sweep still running")
	}
}

// TriggerNow runs a sweep immediately and resumes a paused worker.
func (w *SyncWorker) TriggerNow(ctx context.Context) (reconcile.SweepResult, error) {
	w.mu.Lock()
	w.consecutiveFailures = 0
	w.mu.Unlock()
	return w.sweep(ctx)
}

func (w *SyncWorker) sweep(ctx context.Context) (reconcile.SweepResult, error) {
	if !w.inProgress.CompareAndSwap(false, true) {
		return reconcile.SweepResult{}, ErrSyncInProgress
	}
	defer w.inProgress.Store(false)

	result := w.engine.SyncNeedingReconciliation(ctx)
	now := time.Now()

	w.mu.Lock()
	w.lastRun = &now
	w.lastResult = &result
	if result.Error != "" {
		w.consecutiveFailures++
	} else {
		w.consecutiveFailures = 0
	}
	failures := w.consecutiveFailures
	w.mu.Unlock()

	if result.Error != "" {
		w.logger.Error("sync sweep failed",
			"sweep_id", result.ID,
			"error", result.Error,
			"consecutive_failures", failures,
		)
		return result, nil
	}
	if result.TotalProcessed > 0 {
		w.logger.Info("sync sweep completed",
			"sweep_id", result.ID,
			"processed", result.TotalProcessed,
			"synced", result.TotalSynced,
			"failed", result.TotalFailed,
			"skipped_hosts", len(result.SkippedHosts),
		)
	}
	return result, nil
}

func (w *SyncWorker) resetFailed(ctx context.Context) {
	if _, err := w.engine.ResetFailedStates(ctx); err != nil {
		w.logger.Error("failed to reset failed states", "error", err)
	}
}

func (w *SyncWorker) cleanup(ctx context.Context) {
	if _, err := w.engine.CleanupOldStates(ctx, w.config.RetentionDays); err != nil {
		w.logger.Error("failed to clean up old states", "error", err)
	}
}

// Status returns a snapshot of the worker.
func (w *SyncWorker) Status() SyncStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SyncStatus{
		Running:             w.running.Load(),
		InProgress:          w.inProgress.Load(),
		Paused:              w.consecutiveFailures >= w.config.MaxConsecutiveFailures,
		ConsecutiveFailures: w.consecutiveFailures,
		LastRun:             w.lastRun,
		LastResult:          w.lastResult,
		Interval:            w.config.Interval.String(),
	}
}
