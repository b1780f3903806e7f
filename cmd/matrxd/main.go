package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matrx/orchestrator/pkg/api"
	"github.com/matrx/orchestrator/pkg/config"
	"github.com/matrx/orchestrator/pkg/driver"
	"github.com/matrx/orchestrator/pkg/log"
	"github.com/matrx/orchestrator/pkg/manager"
	"github.com/matrx/orchestrator/pkg/objectstore"
	"github.com/matrx/orchestrator/pkg/reconciler"
	"github.com/matrx/orchestrator/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "matrxd",
	Short: "Matrx sandbox orchestrator",
	Long: `matrxd is the Matrx sandbox orchestrator: an HTTP control plane
that creates, supervises, and tears down ephemeral agent sandboxes as
Docker containers on a single host.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"matrxd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the API server, the reconciler, and the TTL expirer.

Configuration comes from MATRX_-prefixed environment variables,
optionally overlaid on a YAML file given with --config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	var (
		cfg config.Settings
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})
	logger := log.WithComponent("matrxd")
	logger.Info().Str("version", Version).Str("addr", cfg.Addr()).Msg("starting orchestrator")

	st, err := store.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	runtime, err := driver.NewDockerDriver()
	if err != nil {
		return fmt.Errorf("failed to initialize Docker client: %w", err)
	}
	ctx := context.Background()
	if err := runtime.Ping(ctx); err != nil {
		return fmt.Errorf("Docker daemon unreachable: %w", err)
	}

	// Bucket misconfiguration is non-fatal; sandbox creation proceeds
	// without storage provisioning and S3-backed operations fail later.
	var objects *objectstore.Store
	if cfg.S3Bucket != "" {
		objects, err = objectstore.New(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("object storage unavailable")
			objects = nil
		}
	}

	mgr := manager.New(manager.Config{
		Image:            cfg.SandboxImage,
		Network:          cfg.DockerNetwork,
		CPULimit:         cfg.ContainerCPULimit,
		MemoryLimit:      cfg.ContainerMemoryLimit,
		S3Bucket:         cfg.S3Bucket,
		S3Region:         cfg.S3Region,
		Host:             cfg.Host,
		ShutdownTimeout:  time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
		MaxCommandLength: cfg.MaxCommandLength,
		DefaultTTL:       cfg.MaxSessionDurationSeconds,
	}, st, runtime)

	recon := reconciler.New(st, runtime, reconciler.DefaultInterval)
	recon.Start()
	logger.Info().Msg("reconciler started")

	expirer := reconciler.NewExpirer(st, mgr, reconciler.DefaultExpireInterval)
	expirer.Start()
	logger.Info().Msg("expirer started")

	server := api.NewServer(cfg, mgr, objects)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	recon.Stop()
	expirer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to drain API server")
	}
	if err := mgr.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("failed to shut down manager")
	}
	logger.Info().Msg("orchestrator stopped")
	return nil
}
