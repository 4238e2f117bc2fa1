// Package daemon composes the gateway process: configuration, logging,
// storage, the session manager, the ingestion pipeline, and the HTTP
// listener, wired together with fx.
package daemon

import (
	"context"

	"github.com/mvbarbosa/warelay/internal/bus"
	"github.com/mvbarbosa/warelay/internal/config"
	"github.com/mvbarbosa/warelay/internal/dedup"
	"github.com/mvbarbosa/warelay/internal/instance"
	"github.com/mvbarbosa/warelay/internal/lock"
	"github.com/mvbarbosa/warelay/internal/logging"
	"github.com/mvbarbosa/warelay/internal/manager"
	"github.com/mvbarbosa/warelay/internal/media"
	"github.com/mvbarbosa/warelay/internal/pipeline"
	"github.com/mvbarbosa/warelay/internal/store"
	"github.com/mvbarbosa/warelay/internal/wa"
	"github.com/mvbarbosa/warelay/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideCache,
			provideObjectStore,
			provideResolver,
			provideNotifier,
			provideRegistry,
			provideEngine,
			provideManager,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(instance.LogPath(cfg.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := instance.EnsureDirs(cfg.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("data_dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := instance.AppDBPath(cfg.DataDir)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(cfg *config.Config) *dedup.Cache {
	return dedup.New(cfg.Dedup.Window.Std(), cfg.Dedup.TTL.Std())
}

// provideObjectStore returns nil when no endpoint is configured; the
// resolver then writes every resolved file to the local fallback tree.
func provideObjectStore(cfg *config.Config, logger *zap.Logger) (media.ObjectStore, error) {
	if cfg.Storage.Endpoint == "" {
		logger.Info("object storage not configured, media served from local fallback")
		return nil, nil
	}
	s, err := media.NewMinioStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	logger.Info("object storage configured",
		zap.String("endpoint", cfg.Storage.Endpoint),
		zap.String("bucket", cfg.Storage.Bucket))
	return s, nil
}

func provideResolver(objects media.ObjectStore, cfg *config.Config, logger *zap.Logger) *media.Resolver {
	return media.NewResolver(objects, instance.MediaDir(cfg.DataDir), cfg.HTTP.PublicBaseURL, logger)
}

func provideNotifier(b *bus.Bus, db *store.DB, cfg *config.Config, logger *zap.Logger) *webhook.Notifier {
	return webhook.NewNotifier(b, db, cfg.Webhook.DefaultURL, cfg.Webhook.Timeout.Std(), logger)
}

func provideRegistry() *manager.Registry {
	return manager.NewRegistry()
}

func provideEngine(db *store.DB, cache *dedup.Cache, resolver *media.Resolver, notifier *webhook.Notifier, registry *manager.Registry, cfg *config.Config, logger *zap.Logger) *pipeline.Engine {
	return pipeline.NewEngine(db, cache, resolver, notifier, registry, cfg.Pipeline.MaxInflight, logger)
}

func provideManager(registry *manager.Registry, engine *pipeline.Engine, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *manager.Manager {
	factory := func(ctx context.Context, instanceID string) (manager.Transport, error) {
		return wa.NewAdapter(ctx, cfg.DataDir, instanceID, logger)
	}
	return manager.New(registry, factory, engine, db, b, cfg.Reconnect, cfg.DataDir, logger)
}

func provideServer(cfg *config.Config, logger *zap.Logger) *Server {
	return NewServer(cfg.HTTP.ListenAddr, instance.MediaDir(cfg.DataDir), logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, cache *dedup.Cache, mgr *manager.Manager, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			cache.Start(context.Background(), cfg.Dedup.SweepInterval.Std())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Restore runs in the background: the throttle between
			// instances would otherwise hold up startup.
			go func() {
				if err := mgr.RestoreAll(context.Background()); err != nil {
					logger.Error("session restore failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			mgr.Close()
			cache.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
