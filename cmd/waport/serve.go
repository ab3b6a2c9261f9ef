package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/waporthq/waport/internal/channel"
	"github.com/waporthq/waport/internal/channel/bridge"
	"github.com/waporthq/waport/internal/config"
	"github.com/waporthq/waport/internal/crypto"
	"github.com/waporthq/waport/internal/db"
	"github.com/waporthq/waport/internal/dispatch"
	"github.com/waporthq/waport/internal/handlers"
	"github.com/waporthq/waport/internal/healthcheck"
	"github.com/waporthq/waport/internal/inbound"
	"github.com/waporthq/waport/internal/logger"
	"github.com/waporthq/waport/internal/server"
	"github.com/waporthq/waport/internal/session"
	"github.com/waporthq/waport/internal/store"
	"github.com/waporthq/waport/internal/version"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideCipher,
			store.NewMessageStore,
			store.NewStatusStore,
			provideReplyFeed,
			session.NewRegistry,
			session.NewStatusHub,
			provideAdapter,
			provideManager,
			provideFilter,
			provideDispatcher,
			provideHealthChecks,
			provideServerHandler(provideSessionsHandler),
			provideServerHandler(provideMessagesHandler),
			provideServerHandler(provideHealthHandler),
			provideServer,
		),
		fx.Invoke(
			startInboundWiring,
			startReplyPipeline,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

// provideCipher resolves the at-rest key; a broken key config stops the
// process before any session can be created.
func provideCipher(cfg config.Config) (*crypto.Cipher, error) {
	key, err := cfg.Cipher.Key()
	if err != nil {
		return nil, err
	}
	return crypto.New(key)
}

func provideReplyFeed(log *slog.Logger, pool *pgxpool.Pool) *store.ReplyFeed {
	return store.NewReplyFeed(log, pool)
}

func provideAdapter(log *slog.Logger, cfg config.Config) channel.Adapter {
	return bridge.NewAdapter(log, cfg.Bridge.URL)
}

func provideManager(log *slog.Logger, adapter channel.Adapter, registry *session.Registry, statuses *store.StatusStore, hub *session.StatusHub, cfg config.Config) *session.Manager {
	return session.NewManager(log, adapter, registry, statuses, hub,
		cfg.Session.DataRoot, cfg.Session.HandshakeDeadline())
}

func provideFilter(log *slog.Logger, cipher *crypto.Cipher, messages *store.MessageStore) *inbound.Filter {
	return inbound.NewFilter(log, cipher, messages)
}

func provideDispatcher(log *slog.Logger, messages *store.MessageStore, manager *session.Manager, cfg config.Config) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(log, messages, dispatch.ManagerLookup{Manager: manager},
		cfg.Dispatch.SendDeadline(), cfg.Dispatch.Sweep(), cfg.Dispatch.TTL())
}

func provideSessionsHandler(log *slog.Logger, manager *session.Manager, statuses *store.StatusStore) *handlers.SessionsHandler {
	return handlers.NewSessionsHandler(log, manager, statuses)
}

func provideMessagesHandler(log *slog.Logger, messages *store.MessageStore) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(log, messages)
}

func provideHealthChecks(pool *pgxpool.Pool, manager *session.Manager) *healthcheck.Runner {
	return healthcheck.NewRunner(
		healthcheck.NewDBChecker(pool),
		healthcheck.NewSessionsChecker(manager),
	)
}

func provideHealthHandler(log *slog.Logger, manager *session.Manager, checks *healthcheck.Runner) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log, manager, checks)
}

type serverParams struct {
	fx.In
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	secret, err := params.Config.Auth.Secret()
	if err != nil {
		return nil, err
	}
	return server.NewServer(params.Config.Server.Addr, secret, params.ServerHandlers...), nil
}

func startInboundWiring(lc fx.Lifecycle, manager *session.Manager, filter *inbound.Filter) {
	manager.SetInboundSink(filter)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			manager.Shutdown(ctx)
			return nil
		},
	})
}

func startReplyPipeline(lc fx.Lifecycle, feed *store.ReplyFeed, dispatcher *dispatch.Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go feed.Run(ctx)
			dispatcher.Start(ctx, feed.IDs())
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			dispatcher.Wait()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	fmt.Fprintf(os.Stdout, "Starting waport %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
