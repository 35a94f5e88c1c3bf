// Package main implements a Tessera storage server. It holds the records of
// the partitions the admin assigns to it and takes part in migrations.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│              Storage server               │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    /storage/*     - key and namespace ops│
//	│    /internal/*    - migration + table    │
//	│    /health, /metrics                     │
//	├──────────────────────────────────────────┤
//	│  Components:                             │
//	│    Node           - routing + shards     │
//	│    Store          - versioned records    │
//	│    Engine         - pebble or memory     │
//	└──────────────────────────────────────────┘
//
// Example usage:
//
//	tessera-storage --id s1 --listen :8081 \
//	  --public http://10.0.0.5:8081 --admin-addr http://10.0.0.2:8080
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/api"
	"github.com/dreamware/tessera/internal/client"
	"github.com/dreamware/tessera/internal/config"
	"github.com/dreamware/tessera/internal/health"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/node"
	"github.com/dreamware/tessera/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.DefaultStorage()
	cmd := &cobra.Command{
		Use:          "tessera-storage",
		Short:        "Run a Tessera storage server",
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

func openEngine(cfg config.Storage) (storage.Engine, error) {
	switch cfg.Engine {
	case config.EngineMemory:
		return storage.NewMemoryEngine(), nil
	case config.EnginePebble:
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, errors.Wrap(err, "create data dir")
		}
		return storage.OpenPebble(storage.PebbleConfig{Path: cfg.DataDir})
	default:
		return nil, errors.Newf("unknown engine %q", cfg.Engine)
	}
}

func run(ctx context.Context, cfg config.Storage) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("server", cfg.ID))

	engine, err := openEngine(cfg)
	if err != nil {
		return err
	}
	store, err := storage.New(storage.Config{Engine: engine, Logger: logger})
	if err != nil {
		_ = engine.Close()
		return err
	}
	defer store.Close()

	reg := metrics.NewRegistry()
	n, err := node.New(node.Config{ID: cfg.ID, Store: store, Logger: logger, Metrics: metrics.NewStorage(reg)})
	if err != nil {
		return err
	}

	admin := client.NewAdminClient(cfg.AdminAddr)
	dataDir := ""
	if cfg.Engine == config.EnginePebble {
		dataDir = cfg.DataDir
	}
	r := api.NewRouter(logger, health.NewChecker("storage", cfg.ID, dataDir), reg)
	api.NewStorageAPI(n, admin).Register(r)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("storage server listening",
			zap.String("listen", cfg.Listen),
			zap.String("public", cfg.Public),
			zap.String("engine", cfg.Engine))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// The listener must be up before registering: the admin pushes the
	// table to the new server as part of the registration.
	if err := n.Register(ctx, admin.URI(), cfg.Public, cfg.RegisterTimeout); err != nil {
		shutdown(srv, logger)
		return err
	}

	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	shutdown(srv, logger)
	logger.Info("storage server stopped")
	return nil
}

func shutdown(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
}
