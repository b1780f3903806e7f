package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matrx/orchestrator/pkg/driver"
	"github.com/matrx/orchestrator/pkg/log"
	"github.com/matrx/orchestrator/pkg/metrics"
	"github.com/matrx/orchestrator/pkg/store"
	"github.com/matrx/orchestrator/pkg/types"
)

var (
	// ErrValidation marks caller errors that never mutate state
	ErrValidation = errors.New("validation failed")

	// ErrTerminal is returned for mutating operations against records
	// in a terminal status
	ErrTerminal = errors.New("sandbox is in a terminal state")

	// ErrNotRunning is returned when the runtime's current view of the
	// container is not running
	ErrNotRunning = errors.New("sandbox container is not running")
)

// readyFile is created by the image when the container is usable
const readyFile = "/tmp/.sandbox_ready"

const (
	defaultReadyPollInterval = 2 * time.Second
	defaultReadyTimeout      = 120 * time.Second
)

// Config holds the settings the lifecycle manager needs
type Config struct {
	Image            string
	Network          string
	CPULimit         float64
	MemoryLimit      string
	S3Bucket         string
	S3Region         string
	Host             string
	ShutdownTimeout  time.Duration
	MaxCommandLength int
	DefaultTTL       int

	// Readiness poll tuning; zero values use the defaults (2 s / 120 s)
	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
}

// Manager drives sandbox state transitions. It composes the registry
// and the container runtime: every operation reads/writes the store and
// issues driver calls, preserving the record invariants.
type Manager struct {
	cfg     Config
	store   store.Store
	runtime driver.Runtime
	locks   *keyLock
	logger  zerolog.Logger
}

// New creates a lifecycle manager
func New(cfg Config, st store.Store, rt driver.Runtime) *Manager {
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = defaultReadyPollInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = types.DefaultTTLSeconds
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		runtime: rt,
		locks:   newKeyLock(),
		logger:  log.WithComponent("manager"),
	}
}

// GenerateSandboxID returns a fresh sbx-<12 hex> identifier
func GenerateSandboxID() string {
	return "sbx-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create provisions a sandbox for a user: persists the record, launches
// the container, waits for readiness, and returns the record in ready
// or failed. The record is persisted before the runtime create call so
// a crash mid-create leaves an auditable trail for the reconciler.
func (m *Manager) Create(ctx context.Context, userID string, cfg map[string]any) (*types.Sandbox, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("%w: user_id must be a UUID", ErrValidation)
	}

	sandboxID := GenerateSandboxID()
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	now := time.Now().UTC()
	rec := &types.Sandbox{
		SandboxID:  sandboxID,
		UserID:     userID,
		Status:     types.StatusCreating,
		CreatedAt:  now,
		UpdatedAt:  now,
		TTLSeconds: m.cfg.DefaultTTL,
		ExpiresAt:  now.Add(time.Duration(m.cfg.DefaultTTL) * time.Second),
		HotPath:    types.DefaultHotPath,
		ColdPath:   types.DefaultColdPath,
		Config:     cfg,
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist sandbox %s: %w", sandboxID, err)
	}

	logger := m.logger.With().Str("sandbox_id", sandboxID).Str("user_id", userID).Logger()
	logger.Info().Msg("creating sandbox")
	timer := metrics.NewTimer()

	containerID, err := m.runtime.Run(ctx, m.runSpec(rec))
	if err != nil {
		m.failCreate(ctx, rec, containerID, logger, err)
		return nil, fmt.Errorf("failed to create sandbox %s: %w", sandboxID, err)
	}

	rec.ContainerID = containerID
	rec.Status = types.StatusStarting
	if err := m.store.Save(ctx, rec); err != nil {
		m.failCreate(ctx, rec, containerID, logger, err)
		return nil, fmt.Errorf("failed to persist sandbox %s: %w", sandboxID, err)
	}

	state, err := m.runtime.Inspect(ctx, sandboxID)
	if err != nil {
		m.failCreate(ctx, rec, containerID, logger, err)
		return nil, fmt.Errorf("failed to create sandbox %s: %w", sandboxID, err)
	}
	rec.SSHPort = state.SSHHostPort
	if err := m.store.Save(ctx, rec); err != nil {
		m.failCreate(ctx, rec, containerID, logger, err)
		return nil, fmt.Errorf("failed to persist sandbox %s: %w", sandboxID, err)
	}

	ready, err := m.waitForReady(ctx, sandboxID)
	if err != nil || !ready {
		if err == nil {
			err = fmt.Errorf("sandbox did not become ready within %s", m.cfg.ReadyTimeout)
		}
		m.failCreate(ctx, rec, containerID, logger, err)
		return nil, fmt.Errorf("failed to create sandbox %s: %w", sandboxID, err)
	}

	rec.Status = types.StatusReady
	if err := m.store.Save(ctx, rec); err != nil {
		m.failCreate(ctx, rec, containerID, logger, err)
		return nil, fmt.Errorf("failed to persist sandbox %s: %w", sandboxID, err)
	}

	timer.ObserveDuration(metrics.SandboxStartupDuration)
	metrics.SandboxCreatesTotal.WithLabelValues("ready").Inc()
	logger.Info().Str("container_id", containerID).Int("ssh_port", rec.SSHPort).Msg("sandbox is ready")
	return rec.Clone(), nil
}

// failCreate persists the failed status and best-effort removes the
// container so a partially-created sandbox cannot leak; anything that
// escapes converges on the next reconciler pass.
func (m *Manager) failCreate(ctx context.Context, rec *types.Sandbox, containerID string, logger zerolog.Logger, cause error) {
	logger.Error().Err(cause).Msg("sandbox create failed")
	metrics.SandboxCreatesTotal.WithLabelValues("failed").Inc()

	rec.Status = types.StatusFailed
	if err := m.store.Save(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to persist failed status")
	}
	if containerID == "" {
		return
	}
	if err := m.runtime.Remove(ctx, containerID, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
		logger.Warn().Err(err).Msg("failed to remove container after create failure")
	}
}

func (m *Manager) runSpec(rec *types.Sandbox) driver.RunSpec {
	bucket := m.cfg.S3Bucket
	if v, ok := rec.Config["s3_bucket"].(string); ok && v != "" {
		bucket = v
	}
	region := m.cfg.S3Region
	if v, ok := rec.Config["s3_region"].(string); ok && v != "" {
		region = v
	}

	return driver.RunSpec{
		Name:  rec.SandboxID,
		Image: m.cfg.Image,
		Env: []string{
			"SANDBOX_ID=" + rec.SandboxID,
			"USER_ID=" + rec.UserID,
			"S3_BUCKET=" + bucket,
			"S3_REGION=" + region,
			"HOT_PATH=" + rec.HotPath,
			"COLD_PATH=" + rec.ColdPath,
			"SHUTDOWN_TIMEOUT_SECONDS=" + strconv.Itoa(int(m.cfg.ShutdownTimeout.Seconds())),
		},
		Labels: map[string]string{
			driver.LabelSandboxID: rec.SandboxID,
			driver.LabelUserID:    rec.UserID,
			driver.LabelCreatedAt: rec.CreatedAt.Format(time.RFC3339),
		},
		CPULimit:    m.cfg.CPULimit,
		MemoryLimit: m.cfg.MemoryLimit,
		Network:     m.cfg.Network,
	}
}

// waitForReady polls the container until it signals readiness, exits,
// or the deadline passes. Returns (false, nil) on timeout.
func (m *Manager) waitForReady(ctx context.Context, sandboxID string) (bool, error) {
	deadline := time.Now().Add(m.cfg.ReadyTimeout)
	ticker := time.NewTicker(m.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		state, err := m.runtime.Inspect(ctx, sandboxID)
		if err != nil {
			return false, err
		}
		if state.Status == "exited" {
			return false, fmt.Errorf("container exited during startup")
		}

		exitCode, _, _, err := m.runtime.Exec(ctx, sandboxID, driver.ExecSpec{
			Argv: []string{"test", "-f", readyFile},
		})
		if err != nil {
			return false, err
		}
		if exitCode == 0 {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
	return false, nil
}

// Get returns the record for the ID, or store.ErrNotFound
func (m *Manager) Get(ctx context.Context, sandboxID string) (*types.Sandbox, error) {
	return m.store.Get(ctx, sandboxID)
}

// List returns all records, optionally filtered by user
func (m *Manager) List(ctx context.Context, userID string) ([]*types.Sandbox, error) {
	return m.store.List(ctx, userID)
}

// Exec runs a command inside a running sandbox and returns its exit
// code and demultiplexed output. The runtime's view of the container is
// refreshed first so an exec cannot race a concurrent stop.
func (m *Manager) Exec(ctx context.Context, sandboxID, command, user string, timeout int, cwd string) (*types.ExecResult, error) {
	rec, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if rec.ContainerID == "" {
		return nil, fmt.Errorf("%w: sandbox %s has no container", ErrNotRunning, sandboxID)
	}
	if command == "" {
		return nil, fmt.Errorf("%w: command must not be empty", ErrValidation)
	}
	if len(command) > m.cfg.MaxCommandLength {
		return nil, fmt.Errorf("%w: command exceeds max length (%d chars)", ErrValidation, m.cfg.MaxCommandLength)
	}
	if timeout < types.MinExecTimeout || timeout > types.MaxExecTimeout {
		return nil, fmt.Errorf("%w: timeout must be between %d and %d seconds",
			ErrValidation, types.MinExecTimeout, types.MaxExecTimeout)
	}
	if user == "" {
		user = types.DefaultExecUser
	}

	state, err := m.runtime.Inspect(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, fmt.Errorf("%w: container for sandbox %s is gone", ErrNotRunning, sandboxID)
		}
		return nil, fmt.Errorf("failed to exec in sandbox %s: %w", sandboxID, err)
	}
	if !state.Running {
		return nil, fmt.Errorf("%w: container for sandbox %s is %s", ErrNotRunning, sandboxID, state.Status)
	}

	m.logger.Info().
		Str("sandbox_id", sandboxID).
		Str("user", user).
		Int("timeout", timeout).
		Int("command_len", len(command)).
		Msg("executing command in sandbox")

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	timer := metrics.NewTimer()
	exitCode, stdout, stderr, err := m.runtime.Exec(execCtx, sandboxID, driver.ExecSpec{
		Argv:       []string{"bash", "-c", command},
		User:       user,
		WorkingDir: cwd,
	})
	timer.ObserveDuration(metrics.ExecDuration)
	if err != nil {
		metrics.ExecsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to exec in sandbox %s: %w", sandboxID, err)
	}

	metrics.ExecsTotal.WithLabelValues("ok").Inc()
	return &types.ExecResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

// Heartbeat records agent liveness. Returns whether the record exists.
// Never changes status.
func (m *Manager) Heartbeat(ctx context.Context, sandboxID string) (bool, error) {
	return m.store.UpdateHeartbeat(ctx, sandboxID)
}

// Destroy tears a sandbox down: stop (graceful) or kill, force remove,
// then mark the record stopped with the reason. A container already
// absent in the runtime counts as success. A runtime API failure marks
// the record failed and surfaces the error; the reconciler converges it
// on a later pass.
func (m *Manager) Destroy(ctx context.Context, sandboxID string, graceful bool, reason types.StopReason) error {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()

	rec, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: sandbox %s is %s", ErrTerminal, sandboxID, rec.Status)
	}

	logger := m.logger.With().Str("sandbox_id", sandboxID).Bool("graceful", graceful).Logger()
	logger.Info().Msg("destroying sandbox")

	if _, err := m.store.UpdateStatus(ctx, sandboxID, types.StatusShuttingDown); err != nil {
		return fmt.Errorf("failed to destroy sandbox %s: %w", sandboxID, err)
	}

	if err := m.tearDownContainer(ctx, sandboxID, graceful); err != nil {
		if _, uerr := m.store.UpdateStatus(ctx, sandboxID, types.StatusFailed); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to persist failed status")
		}
		logger.Error().Err(err).Msg("failed to destroy sandbox")
		return fmt.Errorf("failed to destroy sandbox %s: %w", sandboxID, err)
	}

	if _, err := m.store.MarkStopped(ctx, sandboxID, reason); err != nil {
		return fmt.Errorf("failed to destroy sandbox %s: %w", sandboxID, err)
	}

	metrics.SandboxDestroysTotal.WithLabelValues(string(reason)).Inc()
	logger.Info().Msg("sandbox destroyed")
	return nil
}

func (m *Manager) tearDownContainer(ctx context.Context, sandboxID string, graceful bool) error {
	var err error
	if graceful {
		err = m.runtime.Stop(ctx, sandboxID, m.cfg.ShutdownTimeout+10*time.Second)
	} else {
		err = m.runtime.Kill(ctx, sandboxID)
	}
	if err != nil && !errors.Is(err, driver.ErrNotFound) {
		return err
	}

	if err := m.runtime.Remove(ctx, sandboxID, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
		return err
	}
	return nil
}

// CleanupExpired removes the container behind an already-expired record
// without touching the registry; the expirer has marked it terminal.
func (m *Manager) CleanupExpired(ctx context.Context, sandboxID string) {
	if err := m.runtime.Kill(ctx, sandboxID); err != nil && !errors.Is(err, driver.ErrNotFound) {
		m.logger.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to kill expired container")
	}
	if err := m.runtime.Remove(ctx, sandboxID, true); err != nil && !errors.Is(err, driver.ErrNotFound) {
		m.logger.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to remove expired container")
	}
}

// Logs returns the tail of the sandbox container's output
func (m *Manager) Logs(ctx context.Context, sandboxID string, tail int) (*types.LogsResponse, error) {
	rec, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := m.runtime.Logs(ctx, rec.SandboxID, tail)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs for sandbox %s: %w", sandboxID, err)
	}
	lines := 0
	for _, s := range []string{stdout, stderr} {
		lines += strings.Count(s, "\n")
	}
	return &types.LogsResponse{Stdout: stdout, Stderr: stderr, Lines: lines}, nil
}

// Stats returns a one-shot runtime resource sample for the sandbox
func (m *Manager) Stats(ctx context.Context, sandboxID string) (map[string]any, error) {
	rec, err := m.store.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	stats, err := m.runtime.Stats(ctx, rec.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for sandbox %s: %w", sandboxID, err)
	}
	return stats, nil
}

// ActiveCount returns how many records are currently starting, ready or
// running; used by the health endpoint.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	all, err := m.store.List(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if rec.Status.Active() {
			n++
		}
	}
	return n, nil
}

// Shutdown releases the manager's resources
func (m *Manager) Shutdown() error {
	if err := m.runtime.Close(); err != nil {
		return fmt.Errorf("failed to close runtime client: %w", err)
	}
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
