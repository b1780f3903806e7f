package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/matrx/orchestrator/pkg/log"
	"github.com/matrx/orchestrator/pkg/types"
)

const (
	poolMinConns = 2
	poolMaxConns = 10
)

// PostgresStore implements Store on a sandbox_instances table. The
// connection pool is bounded and opened lazily on first use.
type PostgresStore struct {
	databaseURL string

	mu sync.Mutex
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store. No connection is
// made until the first operation.
func NewPostgresStore(databaseURL string) *PostgresStore {
	return &PostgresStore{databaseURL: databaseURL}
}

// pool returns the lazily-initialized connection pool.
func (s *PostgresStore) pool(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("postgres", poolerCompatibleDSN(s.databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxIdleConns(poolMinConns)
	db.SetMaxOpenConns(poolMaxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	logger := log.WithComponent("store")
	logger.Info().Msg("postgres connection pool created")
	return s.db, nil
}

// poolerCompatibleDSN disables server-side prepared statements so the
// store works behind transaction-mode connection poolers.
func poolerCompatibleDSN(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return databaseURL
	}
	q := u.Query()
	if q.Get("binary_parameters") == "" {
		q.Set("binary_parameters", "yes")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *PostgresStore) Save(ctx context.Context, sandbox *types.Sandbox) error {
	db, err := s.pool(ctx)
	if err != nil {
		return err
	}

	cfg, err := json.Marshal(sandbox.Config)
	if err != nil {
		return fmt.Errorf("failed to encode sandbox config: %w", err)
	}
	if sandbox.Config == nil {
		cfg = []byte("{}")
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sandbox_instances
			(sandbox_id, user_id, status, container_id, created_at, last_heartbeat_at,
			 stop_reason, hot_path, cold_path, ssh_port, config, ttl_seconds)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, 0), $11::jsonb, $12)
		ON CONFLICT (sandbox_id) DO UPDATE SET
			status = EXCLUDED.status,
			container_id = EXCLUDED.container_id,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			stop_reason = EXCLUDED.stop_reason,
			ssh_port = EXCLUDED.ssh_port,
			config = EXCLUDED.config,
			updated_at = NOW()`,
		sandbox.SandboxID,
		sandbox.UserID,
		string(sandbox.Status),
		sandbox.ContainerID,
		sandbox.CreatedAt,
		sandbox.LastHeartbeatAt,
		string(sandbox.StopReason),
		sandbox.HotPath,
		sandbox.ColdPath,
		sandbox.SSHPort,
		string(cfg),
		sandbox.TTLSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to save sandbox %s: %w", sandbox.SandboxID, err)
	}
	return nil
}

const sandboxColumns = `sandbox_id, user_id, status, container_id, created_at, updated_at,
	stopped_at, last_heartbeat_at, expires_at, ttl_seconds, stop_reason,
	hot_path, cold_path, ssh_port, config`

func (s *PostgresStore) Get(ctx context.Context, sandboxID string) (*types.Sandbox, error) {
	db, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandbox_instances WHERE sandbox_id = $1`,
		sandboxID,
	)
	rec, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox %s: %w", sandboxID, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]*types.Sandbox, error) {
	db, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + sandboxColumns + ` FROM sandbox_instances ORDER BY created_at DESC`
	args := []any{}
	if userID != "" {
		query = `SELECT ` + sandboxColumns + ` FROM sandbox_instances WHERE user_id = $1 ORDER BY created_at DESC`
		args = append(args, userID)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*types.Sandbox
	for rows.Next() {
		rec, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, sandboxID string) (bool, error) {
	db, err := s.pool(ctx)
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx,
		`DELETE FROM sandbox_instances WHERE sandbox_id = $1`, sandboxID)
	if err != nil {
		return false, fmt.Errorf("failed to delete sandbox %s: %w", sandboxID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, sandboxID string, status types.Status) (bool, error) {
	db, err := s.pool(ctx)
	if err != nil {
		return false, err
	}

	var res sql.Result
	if status == types.StatusStopped {
		res, err = db.ExecContext(ctx,
			`UPDATE sandbox_instances SET status = $1, stopped_at = NOW(), updated_at = NOW()
			 WHERE sandbox_id = $2`,
			string(status), sandboxID)
	} else {
		res, err = db.ExecContext(ctx,
			`UPDATE sandbox_instances SET status = $1, updated_at = NOW() WHERE sandbox_id = $2`,
			string(status), sandboxID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to update status for %s: %w", sandboxID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, sandboxID string) (bool, error) {
	db, err := s.pool(ctx)
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx,
		`UPDATE sandbox_instances SET last_heartbeat_at = NOW(), updated_at = NOW()
		 WHERE sandbox_id = $1`,
		sandboxID)
	if err != nil {
		return false, fmt.Errorf("failed to update heartbeat for %s: %w", sandboxID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) MarkStopped(ctx context.Context, sandboxID string, reason types.StopReason) (bool, error) {
	db, err := s.pool(ctx)
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx,
		`UPDATE sandbox_instances
		 SET status = 'stopped', stopped_at = NOW(), stop_reason = $1, updated_at = NOW()
		 WHERE sandbox_id = $2`,
		string(reason), sandboxID)
	if err != nil {
		return false, fmt.Errorf("failed to mark sandbox %s stopped: %w", sandboxID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) Reconcile(ctx context.Context, liveContainerIDs map[string]struct{}) error {
	db, err := s.pool(ctx)
	if err != nil {
		return err
	}

	live := make([]string, 0, len(liveContainerIDs))
	for id := range liveContainerIDs {
		live = append(live, id)
	}

	res, err := db.ExecContext(ctx,
		`UPDATE sandbox_instances
		 SET status = 'stopped', stopped_at = NOW(), stop_reason = 'graceful_shutdown', updated_at = NOW()
		 WHERE status IN ('starting', 'ready', 'running')
		   AND container_id IS NOT NULL
		   AND container_id <> ALL($1)`,
		pq.Array(live))
	if err != nil {
		return fmt.Errorf("failed to reconcile sandboxes: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger := log.WithComponent("store")
		logger.Warn().Int64("count", n).Msg("reconciled sandboxes with missing containers")
	}
	return nil
}

func (s *PostgresStore) ExpireStale(ctx context.Context) ([]string, error) {
	db, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`UPDATE sandbox_instances
		 SET status = 'expired', stopped_at = NOW(), stop_reason = 'expired', updated_at = NOW()
		 WHERE status NOT IN ('stopped', 'failed', 'expired')
		   AND expires_at < NOW()
		 RETURNING sandbox_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale sandboxes: %w", err)
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		expired = append(expired, id)
	}
	return expired, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger := log.WithComponent("store")
	logger.Info().Msg("postgres connection pool closed")
	return err
}

// scanner covers *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSandbox(sc scanner) (*types.Sandbox, error) {
	var (
		rec         types.Sandbox
		containerID sql.NullString
		stoppedAt   sql.NullTime
		heartbeatAt sql.NullTime
		stopReason  sql.NullString
		sshPort     sql.NullInt64
		rawConfig   []byte
	)

	err := sc.Scan(
		&rec.SandboxID,
		&rec.UserID,
		&rec.Status,
		&containerID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&stoppedAt,
		&heartbeatAt,
		&rec.ExpiresAt,
		&rec.TTLSeconds,
		&stopReason,
		&rec.HotPath,
		&rec.ColdPath,
		&sshPort,
		&rawConfig,
	)
	if err != nil {
		return nil, err
	}

	rec.ContainerID = containerID.String
	if stoppedAt.Valid {
		rec.StoppedAt = &stoppedAt.Time
	}
	if heartbeatAt.Valid {
		rec.LastHeartbeatAt = &heartbeatAt.Time
	}
	rec.StopReason = types.StopReason(stopReason.String)
	rec.SSHPort = int(sshPort.Int64)
	if len(rawConfig) > 0 && !strings.EqualFold(string(rawConfig), "null") {
		if err := json.Unmarshal(rawConfig, &rec.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config for %s: %w", rec.SandboxID, err)
		}
	}
	return &rec, nil
}
