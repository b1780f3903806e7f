package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/matrx/orchestrator/pkg/driver"
	"github.com/matrx/orchestrator/pkg/log"
	"github.com/matrx/orchestrator/pkg/metrics"
	"github.com/matrx/orchestrator/pkg/store"
	"github.com/matrx/orchestrator/pkg/types"
)

// DefaultInterval is the reconciliation cadence
const DefaultInterval = 30 * time.Second

// Reconciler heals drift between the registry and the container
// runtime: records whose container disappeared are marked stopped, and
// live containers without a record are logged as orphans. It reads
// driver state and mutates the store, never the reverse.
type Reconciler struct {
	store    store.Store
	runtime  driver.Runtime
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New creates a reconciler. A non-positive interval uses the default.
func New(st store.Store, rt driver.Runtime, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:    st,
		runtime:  rt,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.ReconcileOnce(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// ReconcileOnce performs one reconciliation cycle. Idempotent;
// re-running it is harmless.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	liveIDs, err := r.runtime.ListIDsWithLabel(ctx, driver.LabelSandboxID, "")
	if err != nil {
		return fmt.Errorf("failed to list live containers: %w", err)
	}

	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}

	if err := r.store.Reconcile(ctx, live); err != nil {
		return fmt.Errorf("failed to reconcile store: %w", err)
	}

	r.auditRegistry(ctx, live)
	return nil
}

var gaugeStatuses = []types.Status{
	types.StatusCreating, types.StatusStarting, types.StatusReady,
	types.StatusRunning, types.StatusShuttingDown, types.StatusStopped,
	types.StatusFailed, types.StatusExpired,
}

// auditRegistry refreshes the per-status sandbox gauges and reports
// containers carrying the sandbox label that have no registry record.
// Operator policy decides an orphan's fate; they are never
// auto-destroyed.
func (r *Reconciler) auditRegistry(ctx context.Context, live map[string]struct{}) {
	all, err := r.store.List(ctx, "")
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to list registry for audit")
		return
	}

	counts := make(map[types.Status]int, len(gaugeStatuses))
	known := make(map[string]struct{}, len(all))
	for _, rec := range all {
		counts[rec.Status]++
		if rec.ContainerID != "" {
			known[rec.ContainerID] = struct{}{}
		}
	}
	for _, status := range gaugeStatuses {
		metrics.SandboxesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for id := range live {
		if _, ok := known[id]; !ok {
			r.logger.Warn().Str("container_id", id).Msg("orphan container: live but not in registry")
		}
	}
}
