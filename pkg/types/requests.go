package types

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Exec timeout bounds in seconds
const (
	MinExecTimeout     = 1
	MaxExecTimeout     = 600
	DefaultExecTimeout = 30
)

// DefaultExecUser is the account commands run under unless overridden.
const DefaultExecUser = "agent"

// CreateSandboxRequest is the body of POST /sandboxes
type CreateSandboxRequest struct {
	UserID string         `json:"user_id"`
	Config map[string]any `json:"config,omitempty"`
}

// Validate checks the request. Failures are validation errors and must
// never mutate state.
func (r CreateSandboxRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required, is.UUID),
	)
}

// ExecRequest is the body of POST /sandboxes/{id}/exec
type ExecRequest struct {
	Command string `json:"command"`
	User    string `json:"user,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

// Validate checks the request against the configured command length cap.
func (r ExecRequest) Validate(maxCommandLength int) error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Command, validation.Required, validation.Length(1, maxCommandLength)),
		validation.Field(&r.Timeout, validation.Min(MinExecTimeout), validation.Max(MaxExecTimeout)),
	)
}

// Normalize applies defaults for omitted fields.
func (r *ExecRequest) Normalize() {
	if r.User == "" {
		r.User = DefaultExecUser
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultExecTimeout
	}
}

// ErrorReport is the body of POST /sandboxes/{id}/error
type ErrorReport struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// CompleteRequest is the body of POST /sandboxes/{id}/complete
type CompleteRequest struct {
	Result map[string]any `json:"result,omitempty"`
}

// SandboxListResponse is the body of GET /sandboxes
type SandboxListResponse struct {
	Sandboxes []*Sandbox `json:"sandboxes"`
	Total     int        `json:"total"`
}

// HeartbeatResponse is the body of POST /sandboxes/{id}/heartbeat
type HeartbeatResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	SandboxID    string `json:"sandbox_id"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status          string  `json:"status"`
	ActiveSandboxes int     `json:"active_sandboxes"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// LogsResponse is the body of GET /sandboxes/{id}/logs
type LogsResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Lines  int    `json:"lines"`
}
