// Package main implements the Tessera admin service: the storage server
// registry, the partition table and the migration coordinator.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 Admin                     │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    /admin/AddStorageServer               │
//	│    /admin/ListStorageServers             │
//	│    /admin/Table                          │
//	│    /admin/RequestMigration               │
//	│    /admin/Migrations, /admin/Health      │
//	│    /health, /metrics                     │
//	├──────────────────────────────────────────┤
//	│  Components:                             │
//	│    Registry       - servers + table      │
//	│    BoltStore      - registry durability  │
//	│    Migrator       - partition moves      │
//	│    HealthMonitor  - server probes        │
//	└──────────────────────────────────────────┘
//
// Example usage:
//
//	tessera-admin --listen :8080 --data-dir /var/lib/tessera/admin
//
//	# or through the environment
//	TESSERA_LISTEN=:8080 TESSERA_PARTITIONS=1024 tessera-admin
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/api"
	"github.com/dreamware/tessera/internal/client"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/coordinator"
	"github.com/dreamware/tessera/internal/health"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// registryFile is the bbolt file inside the data dir
const registryFile = "registry.db"

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.DefaultAdmin()
	cmd := &cobra.Command{
		Use:          "tessera-admin",
		Short:        "Run the Tessera admin service",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Resolve(cmd.Flags(), &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func migrationConfig(c config.Migration, logger *zap.Logger, m *metrics.Admin) coordinator.MigrationConfig {
	return coordinator.MigrationConfig{
		RPCTimeout:       c.RPCTimeout,
		CutoverTimeout:   c.CutoverTimeout,
		FreezeLease:      c.FreezeLease,
		MaxCatchUpRounds: c.MaxCatchUpRounds,
		CutoverResidual:  c.CutoverResidual,
		ExportLimit:      c.ExportLimit,
		Concurrency:      c.Concurrency,
		InitialBackoff:   c.InitialBackoff,
		MaxBackoff:       c.MaxBackoff,
		Logger:           logger,
		Metrics:          m,
	}
}

func dial(s cluster.StorageServer) coordinator.NodeClient {
	return client.NewNodeClient(s.URI)
}

func run(ctx context.Context, cfg config.Admin) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	store, err := coordinator.OpenBoltStore(filepath.Join(cfg.DataDir, registryFile))
	if err != nil {
		return err
	}
	defer store.Close()

	reg := metrics.NewRegistry()
	m := metrics.NewAdmin(reg)
	registry, err := coordinator.NewRegistry(coordinator.RegistryConfig{
		Count:     cfg.Partitions,
		Persister: store,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	migrator := coordinator.NewMigrator(registry, dial, migrationConfig(cfg.Migration, logger, m))
	defer migrator.Close()

	monitor := coordinator.NewHealthMonitor(cfg.HealthInterval, logger, m)
	monitor.SetOnRecovered(func(id string) {
		if n := migrator.Resume(id); n > 0 {
			logger.Info("resumed migrations after recovery", zap.String("server", id), zap.Int("moves", n))
		}
	})
	go monitor.Start(ctx, registry.ListStorageServers)
	defer monitor.Stop()

	r := api.NewRouter(logger, health.NewChecker("admin", "", cfg.DataDir), reg)
	api.NewAdminAPI(registry, migrator, monitor).Register(r)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("admin listening",
			zap.String("listen", cfg.Listen),
			zap.Uint64("epoch", registry.Epoch()),
			zap.Int("servers", len(registry.ListStorageServers())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Servers that missed table pushes while the admin was down catch up,
	// and moves cut short by the restart continue.
	migrator.PushTable()
	if n := migrator.Resume(""); n > 0 {
		logger.Info("resuming pending migrations", zap.Int("moves", n))
	}

	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	logger.Info("admin stopped")
	return nil
}
