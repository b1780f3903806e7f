package types

import (
	"time"
)

// Status represents the lifecycle state of a sandbox
type Status string

const (
	StatusCreating     Status = "creating"
	StatusStarting     Status = "starting"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusShuttingDown Status = "shutting_down"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

// Terminal reports whether the status is final. Records never leave a
// terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Active reports whether the sandbox counts toward the active set
// (health endpoint, reconciler scope).
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusReady, StatusRunning:
		return true
	}
	return false
}

// StopReason records why a sandbox entered a terminal state
type StopReason string

const (
	StopReasonUserRequested    StopReason = "user_requested"
	StopReasonGracefulShutdown StopReason = "graceful_shutdown"
	StopReasonError            StopReason = "error"
	StopReasonExpired          StopReason = "expired"
	StopReasonAdmin            StopReason = "admin"
)

// Default in-container workspace paths. The image enforces their
// semantics; the orchestrator only passes them through.
const (
	DefaultHotPath  = "/home/agent"
	DefaultColdPath = "/data/cold"
)

// DefaultTTLSeconds is the per-record TTL applied when the caller does
// not override it.
const DefaultTTLSeconds = 7200

// Sandbox is the persistent registry record for one ephemeral container.
// Keyed by SandboxID; ContainerID is null until the runtime accepts the
// create call.
type Sandbox struct {
	SandboxID       string         `json:"sandbox_id"`
	UserID          string         `json:"user_id"`
	Status          Status         `json:"status"`
	ContainerID     string         `json:"container_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StoppedAt       *time.Time     `json:"stopped_at,omitempty"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
	TTLSeconds      int            `json:"ttl_seconds"`
	StopReason      StopReason     `json:"stop_reason,omitempty"`
	HotPath         string         `json:"hot_path"`
	ColdPath        string         `json:"cold_path"`
	SSHPort         int            `json:"ssh_port,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store-held records.
func (s *Sandbox) Clone() *Sandbox {
	out := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		out.StoppedAt = &t
	}
	if s.LastHeartbeatAt != nil {
		t := *s.LastHeartbeatAt
		out.LastHeartbeatAt = &t
	}
	if s.Config != nil {
		cfg := make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			cfg[k] = v
		}
		out.Config = cfg
	}
	return &out
}

// AccessCredentials is the one-shot SSH access bundle. The private key
// is returned to the caller exactly once and never persisted.
type AccessCredentials struct {
	PrivateKey string `json:"private_key"`
	Username   string `json:"username"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	SSHCommand string `json:"ssh_command"`
}

// ExecResult holds the outcome of an in-container command execution
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
