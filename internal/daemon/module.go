package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/P-443/zzapp/internal/bus"
	"github.com/P-443/zzapp/internal/config"
	"github.com/P-443/zzapp/internal/contacts"
	"github.com/P-443/zzapp/internal/controller"
	"github.com/P-443/zzapp/internal/ingest"
	"github.com/P-443/zzapp/internal/lock"
	"github.com/P-443/zzapp/internal/logging"
	"github.com/P-443/zzapp/internal/media"
	"github.com/P-443/zzapp/internal/paths"
	"github.com/P-443/zzapp/internal/relay"
	"github.com/P-443/zzapp/internal/status"
	"github.com/P-443/zzapp/internal/store"
	"github.com/P-443/zzapp/internal/wa"
	"github.com/P-443/zzapp/internal/web"
)

// Params holds the resolved runtime layout passed to the fx module.
type Params struct {
	Layout     paths.Layout
	ConfigPath string // optional override; empty = layout default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideGateway,
			provideMaterializer,
			provideResolver,
			provideController,
			providePipeline,
			provideHub,
			provideWebServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = p.Layout.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := p.Layout.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(p.Layout.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.Layout.Root))
	l, err := lock.Acquire(p.Layout.Root)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Layout.AppDBPath()
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

func provideGateway(p Params, _ *lock.Lock, logger *zap.Logger) (*wa.Client, error) {
	return wa.NewClient(context.Background(), p.Layout.CredentialDBPath(), logger)
}

func provideMaterializer(p Params, logger *zap.Logger) *media.Materializer {
	return media.New(p.Layout.UploadsDir(), p.Layout.DownloadsDir(), logger)
}

func provideResolver(p Params, gw *wa.Client, files *media.Materializer, logger *zap.Logger) *contacts.Resolver {
	return contacts.NewResolver(gw, p.Layout.AvatarsDir(), files, logger)
}

func provideController(p Params, gw *wa.Client, machine *status.Machine, b *bus.Bus,
	db *store.DB, files *media.Materializer, names *contacts.Resolver,
	cfg *config.Config, logger *zap.Logger) *controller.Controller {
	return controller.New(gw, machine, b, db, files, names, cfg, p.Layout.UploadsDir(), logger)
}

func providePipeline(b *bus.Bus, db *store.DB, names *contacts.Resolver,
	files *media.Materializer, gw *wa.Client, logger *zap.Logger) *ingest.Pipeline {
	return ingest.New(b, db, names, files, gw, logger)
}

func provideHub(ctrl *controller.Controller, b *bus.Bus, logger *zap.Logger) *relay.Hub {
	return relay.NewHub(ctrl, b, logger)
}

func provideWebServer(p Params, db *store.DB, files *media.Materializer, hub *relay.Hub,
	ctrl *controller.Controller, cfg *config.Config, logger *zap.Logger) *web.Server {
	return web.NewServer(db, files, hub, ctrl, cfg, p.Layout, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, gw *wa.Client,
	pipeline *ingest.Pipeline, hub *relay.Hub, ctrl *controller.Controller, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The pipeline and hub must be draining before any gateway
			// traffic can appear.
			pipeline.Start()
			hub.Start()
			gw.SetHandler(ctrl.HandleGatewayEvent)

			go func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("http server panicked", zap.Any("panic", r))
					}
				}()
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Initialize blocks through the whole QR flow; run it off the
			// startup path.
			go func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("session initialization panicked", zap.Any("panic", r))
					}
				}()
				ctrl.Initialize()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			gw.Disconnect()
			srv.Stop(ctx)
			hub.Stop()
			pipeline.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
