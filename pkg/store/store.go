package store

import (
	"context"
	"errors"

	"github.com/matrx/orchestrator/pkg/types"
)

// ErrNotFound is returned when no record exists for the requested
// sandbox ID.
var ErrNotFound = errors.New("sandbox not found")

// Store defines the interface for sandbox registry persistence.
// Implemented by the in-memory store (development) and the Postgres
// store (production).
type Store interface {
	// Save upserts a record by sandbox_id. Used for the initial insert
	// and for full-record updates.
	Save(ctx context.Context, sandbox *types.Sandbox) error

	// Get returns the record for the given ID, or ErrNotFound.
	Get(ctx context.Context, sandboxID string) (*types.Sandbox, error)

	// List returns all records ordered by created_at descending,
	// optionally filtered by user ID.
	List(ctx context.Context, userID string) ([]*types.Sandbox, error)

	// Delete removes a record. Administrative paths only; normal flows
	// retain terminal records as an audit trail.
	Delete(ctx context.Context, sandboxID string) (bool, error)

	// UpdateStatus sets just the status; also sets stopped_at when the
	// status becomes stopped. Returns whether a record was updated.
	UpdateStatus(ctx context.Context, sandboxID string, status types.Status) (bool, error)

	// UpdateHeartbeat records a heartbeat timestamp.
	UpdateHeartbeat(ctx context.Context, sandboxID string) (bool, error)

	// MarkStopped sets status stopped, stopped_at and stop_reason.
	MarkStopped(ctx context.Context, sandboxID string, reason types.StopReason) (bool, error)

	// Reconcile marks every non-terminal record whose container is not
	// in the live set as stopped with reason graceful_shutdown.
	Reconcile(ctx context.Context, liveContainerIDs map[string]struct{}) error

	// ExpireStale marks non-terminal records past their expires_at as
	// expired and returns their IDs.
	ExpireStale(ctx context.Context) ([]string, error)

	// Close releases backend resources.
	Close() error
}
