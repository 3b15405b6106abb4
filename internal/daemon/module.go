// Package daemon composes the messaging client: store, cache, stream,
// sync engine, dispatcher and projection, wired through fx.
//
// A frontend attaches in-process: embed Module in its own fx application
// and take *view.Projection, *dispatch.Dispatcher, *page.Controller and
// *typing.Coordinator as constructor dependencies. The projection's
// RefreshCh signals when to re-read Snapshot or Thread; the other three
// carry user intents back in. No out-of-process surface is exposed.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mentorloop/coachchat/internal/api"
	"github.com/mentorloop/coachchat/internal/bus"
	"github.com/mentorloop/coachchat/internal/cache"
	"github.com/mentorloop/coachchat/internal/config"
	"github.com/mentorloop/coachchat/internal/dispatch"
	"github.com/mentorloop/coachchat/internal/lock"
	"github.com/mentorloop/coachchat/internal/logging"
	"github.com/mentorloop/coachchat/internal/page"
	"github.com/mentorloop/coachchat/internal/profile"
	"github.com/mentorloop/coachchat/internal/status"
	"github.com/mentorloop/coachchat/internal/store"
	"github.com/mentorloop/coachchat/internal/stream"
	intsync "github.com/mentorloop/coachchat/internal/sync"
	"github.com/mentorloop/coachchat/internal/typing"
	"github.com/mentorloop/coachchat/internal/view"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideStore,
			provideAPIClient,
			provideReconciler,
			provideStream,
			provideSyncEngine,
			provideDispatcher,
			provideTyping,
			providePager,
			provideProjection,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Load(context.Background(), path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStore(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(cfg.UserID, b, logger)
}

func provideAPIClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.ServerURL, cfg.Token)
}

func provideReconciler(db *cache.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideStream(cfg *config.Config, b *bus.Bus, machine *status.Machine, r *intsync.Reconciler, logger *zap.Logger) *stream.Client {
	return stream.NewClient(stream.Config{
		URL:   cfg.StreamBase(),
		Token: cfg.Token,
	}, b, machine, r, logger)
}

func provideSyncEngine(st *store.Store, db *cache.DB, client *api.Client, b *bus.Bus, r *intsync.Reconciler, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, db, client, b, r, logger)
}

func provideDispatcher(st *store.Store, db *cache.DB, client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *dispatch.Dispatcher {
	policy := dispatch.DefaultRetryPolicy
	policy.MaxAttempts = cfg.SendMaxAttempts
	return dispatch.NewDispatcher(st, db, client, b, policy, logger)
}

func provideTyping(sc *stream.Client, st *store.Store, cfg *config.Config, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(sc, st, logger, typing.WithIdleTimeout(cfg.TypingIdle()))
}

func providePager(client *api.Client, st *store.Store, db *cache.DB, cfg *config.Config, logger *zap.Logger) *page.Controller {
	return page.NewController(client, st, db, logger, page.WithPageSize(cfg.PageSize))
}

func provideProjection(st *store.Store, machine *status.Machine, pager *page.Controller, b *bus.Bus) *view.Projection {
	return view.NewProjection(st, machine, pager, b)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	b *bus.Bus,
	db *cache.DB,
	engine *intsync.Engine,
	sc *stream.Client,
	dispatcher *dispatch.Dispatcher,
	coordinator *typing.Coordinator,
	projection *view.Projection,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Warm the store from the cache before anything reads it.
			if err := engine.Warm(); err != nil {
				return err
			}

			projection.Start(context.Background())
			engine.Start(context.Background())
			coordinator.Start(context.Background())
			sc.Start(context.Background())

			// Re-deliver sends stranded by a previous run.
			dispatcher.Resume(context.Background())

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			sc.Stop()
			coordinator.Stop()
			engine.Stop()
			projection.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			if dropped := b.Dropped(); dropped > 0 {
				logger.Warn("bus dropped events on full subscribers", zap.Uint64("count", dropped))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
