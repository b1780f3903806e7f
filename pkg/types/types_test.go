package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStatusTerminal tests the terminal status set
func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusCreating, false},
		{StatusStarting, false},
		{StatusReady, false},
		{StatusRunning, false},
		{StatusShuttingDown, false},
		{StatusStopped, true},
		{StatusFailed, true},
		{StatusExpired, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

// TestStatusActive tests the active status set
func TestStatusActive(t *testing.T) {
	active := []Status{StatusStarting, StatusReady, StatusRunning}
	inactive := []Status{StatusCreating, StatusShuttingDown, StatusStopped, StatusFailed, StatusExpired}

	for _, s := range active {
		assert.True(t, s.Active(), "expected %s to be active", s)
	}
	for _, s := range inactive {
		assert.False(t, s.Active(), "expected %s to be inactive", s)
	}
}

// TestSandboxClone tests that Clone is a deep copy
func TestSandboxClone(t *testing.T) {
	now := time.Now().UTC()
	orig := &Sandbox{
		SandboxID: "sbx-abc123def456",
		UserID:    "11111111-1111-1111-1111-111111111111",
		Status:    StatusReady,
		StoppedAt: &now,
		Config:    map[string]any{"key": "value"},
	}

	clone := orig.Clone()
	require.Equal(t, orig, clone)

	// Mutating the clone must not affect the original
	*clone.StoppedAt = now.Add(time.Hour)
	clone.Config["key"] = "changed"

	assert.Equal(t, now, *orig.StoppedAt)
	assert.Equal(t, "value", orig.Config["key"])
}

// TestCreateSandboxRequestValidate tests user_id validation
func TestCreateSandboxRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		wantErr bool
	}{
		{"valid UUID", "11111111-1111-1111-1111-111111111111", false},
		{"empty", "", true},
		{"not a UUID", "not a uuid", true},
		{"truncated UUID", "11111111-1111-1111-1111", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateSandboxRequest{UserID: tt.userID}
			err := req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestExecRequestValidate tests command length and timeout bounds
func TestExecRequestValidate(t *testing.T) {
	const maxLen = 10000

	tests := []struct {
		name    string
		req     ExecRequest
		wantErr bool
	}{
		{"simple command", ExecRequest{Command: "echo hello", Timeout: 30}, false},
		{"empty command", ExecRequest{Command: "", Timeout: 30}, true},
		{"command at max length", ExecRequest{Command: strings.Repeat("a", maxLen), Timeout: 30}, false},
		{"command over max length", ExecRequest{Command: strings.Repeat("a", maxLen+1), Timeout: 30}, true},
		{"timeout at lower bound", ExecRequest{Command: "true", Timeout: MinExecTimeout}, false},
		{"timeout at upper bound", ExecRequest{Command: "true", Timeout: MaxExecTimeout}, false},
		{"timeout over upper bound", ExecRequest{Command: "true", Timeout: MaxExecTimeout + 1}, true},
		{"negative timeout", ExecRequest{Command: "true", Timeout: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(maxLen)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestExecRequestNormalize tests defaulting of omitted fields
func TestExecRequestNormalize(t *testing.T) {
	req := ExecRequest{Command: "echo hello"}
	req.Normalize()
	assert.Equal(t, DefaultExecUser, req.User)
	assert.Equal(t, DefaultExecTimeout, req.Timeout)

	req = ExecRequest{Command: "echo hello", User: "root", Timeout: 60}
	req.Normalize()
	assert.Equal(t, "root", req.User)
	assert.Equal(t, 60, req.Timeout)
}
