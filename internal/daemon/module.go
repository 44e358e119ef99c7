// Package daemon composes the session components into a running process.
package daemon

import (
	"context"
	"fmt"

	"github.com/informedia7/totilove-sub009/internal/api"
	"github.com/informedia7/totilove-sub009/internal/attach"
	"github.com/informedia7/totilove-sub009/internal/bus"
	"github.com/informedia7/totilove-sub009/internal/config"
	"github.com/informedia7/totilove-sub009/internal/debounce"
	"github.com/informedia7/totilove-sub009/internal/history"
	"github.com/informedia7/totilove-sub009/internal/ingest"
	"github.com/informedia7/totilove-sub009/internal/lock"
	"github.com/informedia7/totilove-sub009/internal/logging"
	"github.com/informedia7/totilove-sub009/internal/notify"
	"github.com/informedia7/totilove-sub009/internal/outbox"
	"github.com/informedia7/totilove-sub009/internal/realtime"
	"github.com/informedia7/totilove-sub009/internal/session"
	"github.com/informedia7/totilove-sub009/internal/state"
	"github.com/informedia7/totilove-sub009/internal/status"
	"github.com/informedia7/totilove-sub009/internal/store"
	"github.com/informedia7/totilove-sub009/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session identity passed to the fx module.
type Params struct {
	SessionName string
	// UserID overrides the configured user id when non-empty.
	UserID string
	// SocketPath overrides the control socket location; empty uses the
	// session default. Tests point it at a temp dir.
	SocketPath string
}

// Module returns the fx module for the talk daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("talkd",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideChatAPI,
			provideStateStore,
			provideChannel,
			provideHistoryEngine,
			provideIndicator,
			provideNotifier,
			provideCompressor,
			provideBridge,
			provideIngest,
			provideSender,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (config.Config, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(session.ConfigPath(p.SessionName))
	if err != nil {
		return config.Config{}, err
	}
	if p.UserID != "" {
		cfg.UserID = p.UserID
	}
	if cfg.UserID == "" {
		return config.Config{}, fmt.Errorf("no user id: set user_id in %s or pass --user", session.ConfigPath(p.SessionName))
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideChatAPI(cfg config.Config, db *store.DB) api.ChatAPI {
	return api.NewLocal(db, cfg.UserID)
}

func provideStateStore(cfg config.Config) *state.Store {
	return state.NewStore(cfg.UserID, cfg.CacheTTL.Std())
}

// provideChannel wires the realtime socket when an endpoint is configured.
// Without one, presence features degrade to the no-op channel and
// messaging runs over the request path alone.
func provideChannel(cfg config.Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) realtime.Channel {
	if cfg.ChannelURL == "" {
		logger.Info("no realtime endpoint configured, presence disabled")
		return realtime.Noop{}
	}
	return realtime.NewSocket(cfg.ChannelURL, b, machine, logger)
}

func provideHistoryEngine(cfg config.Config, chat api.ChatAPI, st *state.Store, b *bus.Bus, logger *zap.Logger) *history.Engine {
	return history.NewEngine(chat, st, b, logger, cfg.PageSize, debounce.New(cfg.SearchDebounce.Std()))
}

func provideIndicator(cfg config.Config, b *bus.Bus) *typing.Indicator {
	return typing.NewIndicator(cfg.TypingTimeout.Std(), b)
}

func provideNotifier(cfg config.Config, ch realtime.Channel, logger *zap.Logger) *typing.Notifier {
	return typing.NewNotifier(cfg.UserID, ch, debounce.NewThrottle(cfg.TypingThrottle.Std()), logger)
}

func provideCompressor(cfg config.Config, logger *zap.Logger) *attach.Compressor {
	return attach.NewCompressor(cfg.Image, logger)
}

func provideBridge(cfg config.Config, st *state.Store, b *bus.Bus, logger *zap.Logger) *notify.Bridge {
	return notify.NewBridge(st, b, cfg.ToastDuration.Std(), logger)
}

func provideIngest(db *store.DB, st *state.Store, ind *typing.Indicator, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, st, ind, b, logger)
}

func provideSender(cfg config.Config, db *store.DB, st *state.Store, chat api.ChatAPI, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, st, chat, b, cfg.OutboxInterval.Std(), logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg config.Config, lk *lock.Lock, db *store.DB,
	ch realtime.Channel, machine *status.Machine, eng *ingest.Engine, bridge *notify.Bridge,
	sender *outbox.Sender, ind *typing.Indicator, srv *Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers first, so nothing published during startup is lost.
			bridge.Start()
			eng.Start()
			sender.Start()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			if purged, err := db.PurgeDeleted(); err != nil {
				logger.Warn("purge sweep failed", zap.Error(err))
			} else if purged > 0 {
				logger.Info("purged mutually deleted messages", zap.Int64("count", purged))
			}

			if sock, ok := ch.(*realtime.Socket); ok {
				go func() {
					if err := sock.Dial(context.Background()); err != nil {
						logger.Warn("realtime dial failed", zap.Error(err))
						_ = machine.Transition(status.Disconnected)
					}
				}()
			}

			logger.Info("daemon started", zap.String("user", cfg.UserID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if sock, ok := ch.(*realtime.Socket); ok {
				sock.Close()
			}
			sender.Stop()
			eng.Stop()
			bridge.Stop()
			ind.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
