package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrx/orchestrator/pkg/config"
)

// TestNewSelectsBackend tests backend selection from configuration
func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Defaults()
	s, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	cfg.SandboxStore = "postgres"
	cfg.DatabaseURL = "postgres://localhost/matrx"
	s, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &PostgresStore{}, s)

	cfg.DatabaseURL = ""
	_, err = New(cfg)
	assert.Error(t, err)
}
