package store

import (
	"fmt"

	"github.com/matrx/orchestrator/pkg/config"
	"github.com/matrx/orchestrator/pkg/log"
)

// New constructs the store selected by configuration. The lifecycle
// manager only ever sees the Store interface.
func New(cfg config.Settings) (Store, error) {
	switch cfg.SandboxStore {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("%sDATABASE_URL must be set when %sSANDBOX_STORE=postgres",
				config.EnvPrefix, config.EnvPrefix)
		}
		logger := log.WithComponent("store")
		logger.Info().Msg("using postgres sandbox store")
		return NewPostgresStore(cfg.DatabaseURL), nil
	default:
		logger := log.WithComponent("store")
		logger.Info().Msg("using in-memory sandbox store (state lost on restart)")
		return NewMemoryStore(), nil
	}
}
