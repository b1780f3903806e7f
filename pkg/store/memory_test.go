package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrx/orchestrator/pkg/types"
)

func newRecord(id, userID string, status types.Status) *types.Sandbox {
	now := time.Now().UTC()
	return &types.Sandbox{
		SandboxID:  id,
		UserID:     userID,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
		TTLSeconds: types.DefaultTTLSeconds,
		ExpiresAt:  now.Add(types.DefaultTTLSeconds * time.Second),
		HotPath:    types.DefaultHotPath,
		ColdPath:   types.DefaultColdPath,
	}
}

// TestMemoryStoreRoundTrip tests that Save then Get returns an equal record
func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := newRecord("sbx-aaa111bbb222", "11111111-1111-1111-1111-111111111111", types.StatusCreating)
	rec.Config = map[string]any{"model": "large"}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.Equal(t, rec.SandboxID, got.SandboxID)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.Config, got.Config)

	// Mutating the returned record must not leak into the store
	got.Status = types.StatusFailed
	again, err := s.Get(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreating, again.Status)
}

// TestMemoryStoreGetNotFound tests the missing-record sentinel
func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "sbx-missing00000")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMemoryStoreList tests ordering and user filtering
func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	userA := "11111111-1111-1111-1111-111111111111"
	userB := "22222222-2222-2222-2222-222222222222"

	older := newRecord("sbx-000000000001", userA, types.StatusReady)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := newRecord("sbx-000000000002", userA, types.StatusReady)
	other := newRecord("sbx-000000000003", userB, types.StatusStopped)

	for _, rec := range []*types.Sandbox{older, newer, other} {
		require.NoError(t, s.Save(ctx, rec))
	}

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first
	assert.True(t, !all[0].CreatedAt.Before(all[1].CreatedAt))

	mine, err := s.List(ctx, userA)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "sbx-000000000002", mine[0].SandboxID)
	assert.Equal(t, "sbx-000000000001", mine[1].SandboxID)
}

// TestMemoryStoreDelete tests delete semantics
func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, newRecord("sbx-aaa111bbb222", "u", types.StatusReady)))

	ok, err := s.Delete(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMemoryStoreUpdateStatus tests status transitions and stopped_at
func TestMemoryStoreUpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, newRecord("sbx-aaa111bbb222", "u", types.StatusStarting)))

	ok, err := s.UpdateStatus(ctx, "sbx-aaa111bbb222", types.StatusReady)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, rec.Status)
	assert.Nil(t, rec.StoppedAt)

	ok, err = s.UpdateStatus(ctx, "sbx-aaa111bbb222", types.StatusStopped)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err = s.Get(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.NotNil(t, rec.StoppedAt)

	ok, err = s.UpdateStatus(ctx, "sbx-missing00000", types.StatusReady)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMemoryStoreUpdateHeartbeat tests that heartbeats never change status
func TestMemoryStoreUpdateHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, newRecord("sbx-aaa111bbb222", "u", types.StatusRunning)))

	ok, err := s.UpdateHeartbeat(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.NotNil(t, rec.LastHeartbeatAt)
	assert.Equal(t, types.StatusRunning, rec.Status)

	ok, err = s.UpdateHeartbeat(ctx, "sbx-missing00000")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMemoryStoreMarkStopped tests the terminal transition with reason
func TestMemoryStoreMarkStopped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, newRecord("sbx-aaa111bbb222", "u", types.StatusShuttingDown)))

	ok, err := s.MarkStopped(ctx, "sbx-aaa111bbb222", types.StopReasonUserRequested)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, "sbx-aaa111bbb222")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, rec.Status)
	assert.Equal(t, types.StopReasonUserRequested, rec.StopReason)
	assert.NotNil(t, rec.StoppedAt)
}

// TestMemoryStoreReconcile tests that active records with dead containers
// are marked stopped and everything else is left alone
func TestMemoryStoreReconcile(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	alive := newRecord("sbx-000000000001", "u", types.StatusReady)
	alive.ContainerID = "cid-alive"
	dead := newRecord("sbx-000000000002", "u", types.StatusRunning)
	dead.ContainerID = "cid-dead"
	terminal := newRecord("sbx-000000000003", "u", types.StatusFailed)
	terminal.ContainerID = "cid-gone"
	pending := newRecord("sbx-000000000004", "u", types.StatusCreating)

	for _, rec := range []*types.Sandbox{alive, dead, terminal, pending} {
		require.NoError(t, s.Save(ctx, rec))
	}

	live := map[string]struct{}{"cid-alive": {}}
	require.NoError(t, s.Reconcile(ctx, live))

	rec, _ := s.Get(ctx, "sbx-000000000001")
	assert.Equal(t, types.StatusReady, rec.Status)

	rec, _ = s.Get(ctx, "sbx-000000000002")
	assert.Equal(t, types.StatusStopped, rec.Status)
	assert.Equal(t, types.StopReasonGracefulShutdown, rec.StopReason)

	rec, _ = s.Get(ctx, "sbx-000000000003")
	assert.Equal(t, types.StatusFailed, rec.Status)

	rec, _ = s.Get(ctx, "sbx-000000000004")
	assert.Equal(t, types.StatusCreating, rec.Status)
}

// TestMemoryStoreExpireStale tests TTL expiry
func TestMemoryStoreExpireStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stale := newRecord("sbx-000000000001", "u", types.StatusReady)
	stale.ExpiresAt = time.Now().UTC().Add(-time.Second)
	fresh := newRecord("sbx-000000000002", "u", types.StatusReady)
	alreadyStopped := newRecord("sbx-000000000003", "u", types.StatusStopped)
	alreadyStopped.ExpiresAt = time.Now().UTC().Add(-time.Hour)

	for _, rec := range []*types.Sandbox{stale, fresh, alreadyStopped} {
		require.NoError(t, s.Save(ctx, rec))
	}

	expired, err := s.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sbx-000000000001"}, expired)

	rec, _ := s.Get(ctx, "sbx-000000000001")
	assert.Equal(t, types.StatusExpired, rec.Status)
	assert.Equal(t, types.StopReasonExpired, rec.StopReason)
	assert.NotNil(t, rec.StoppedAt)

	// Terminal records are never touched
	rec, _ = s.Get(ctx, "sbx-000000000003")
	assert.Equal(t, types.StatusStopped, rec.Status)

	// Second sweep finds nothing
	expired, err = s.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}
