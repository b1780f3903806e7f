package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matrx/orchestrator/pkg/types"
)

// MemoryStore implements Store with a mutex-guarded map. Default for
// local development; all state is lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	sandboxes map[string]*types.Sandbox
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sandboxes: make(map[string]*types.Sandbox),
	}
}

func (s *MemoryStore) Save(_ context.Context, sandbox *types.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := sandbox.Clone()
	rec.UpdatedAt = time.Now().UTC()
	s.sandboxes[rec.SandboxID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sandboxID string) (*types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sandboxes[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]*types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Sandbox, 0, len(s.sandboxes))
	for _, rec := range s.sandboxes {
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, sandboxID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sandboxes[sandboxID]
	delete(s.sandboxes, sandboxID)
	return ok, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, sandboxID string, status types.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sandboxes[sandboxID]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.UpdatedAt = now
	if status == types.StatusStopped {
		rec.StoppedAt = &now
	}
	return true, nil
}

func (s *MemoryStore) UpdateHeartbeat(_ context.Context, sandboxID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sandboxes[sandboxID]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	rec.LastHeartbeatAt = &now
	rec.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkStopped(_ context.Context, sandboxID string, reason types.StopReason) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sandboxes[sandboxID]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = types.StatusStopped
	rec.StoppedAt = &now
	rec.StopReason = reason
	rec.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) Reconcile(_ context.Context, liveContainerIDs map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, rec := range s.sandboxes {
		if !rec.Status.Active() || rec.ContainerID == "" {
			continue
		}
		if _, live := liveContainerIDs[rec.ContainerID]; live {
			continue
		}
		rec.Status = types.StatusStopped
		rec.StoppedAt = &now
		rec.StopReason = types.StopReasonGracefulShutdown
		rec.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) ExpireStale(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var expired []string
	for id, rec := range s.sandboxes {
		if rec.Status.Terminal() || rec.ExpiresAt.After(now) {
			continue
		}
		rec.Status = types.StatusExpired
		rec.StoppedAt = &now
		rec.StopReason = types.StopReasonExpired
		rec.UpdatedAt = now
		expired = append(expired, id)
	}
	return expired, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
