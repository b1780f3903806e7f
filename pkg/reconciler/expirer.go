package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/matrx/orchestrator/pkg/log"
	"github.com/matrx/orchestrator/pkg/manager"
	"github.com/matrx/orchestrator/pkg/metrics"
	"github.com/matrx/orchestrator/pkg/store"
)

// DefaultExpireInterval is the TTL sweep cadence
const DefaultExpireInterval = 60 * time.Second

// Expirer enforces per-record TTLs: records past expires_at are marked
// expired in the store, then their containers are removed non-gracefully
// through the lifecycle manager.
type Expirer struct {
	store    store.Store
	manager  *manager.Manager
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewExpirer creates an expirer. A non-positive interval uses the
// default.
func NewExpirer(st store.Store, mgr *manager.Manager, interval time.Duration) *Expirer {
	if interval <= 0 {
		interval = DefaultExpireInterval
	}
	return &Expirer{
		store:    st,
		manager:  mgr,
		interval: interval,
		logger:   log.WithComponent("expirer"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the expiry loop
func (e *Expirer) Start() {
	go e.run()
}

// Stop stops the expirer
func (e *Expirer) Stop() {
	close(e.stopCh)
}

func (e *Expirer) run() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.ExpireOnce(context.Background()); err != nil {
				e.logger.Error().Err(err).Msg("expiry cycle failed")
			}
		case <-e.stopCh:
			return
		}
	}
}

// ExpireOnce performs one TTL sweep and returns the expired IDs.
// Idempotent; records already terminal are never touched.
func (e *Expirer) ExpireOnce(ctx context.Context) ([]string, error) {
	expired, err := e.store.ExpireStale(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale sandboxes: %w", err)
	}

	for _, id := range expired {
		e.logger.Info().Str("sandbox_id", id).Msg("sandbox expired, removing container")
		metrics.SandboxesExpiredTotal.Inc()
		e.manager.CleanupExpired(ctx, id)
	}
	return expired, nil
}
