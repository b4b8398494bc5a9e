package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/vesperbot/vesper/internal/assembler"
	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/channel/adapters/discord"
	"github.com/vesperbot/vesper/internal/channel/adapters/misskey"
	"github.com/vesperbot/vesper/internal/config"
	"github.com/vesperbot/vesper/internal/gateway"
	"github.com/vesperbot/vesper/internal/logger"
	"github.com/vesperbot/vesper/internal/memory"
	"github.com/vesperbot/vesper/internal/orchestrator"
	"github.com/vesperbot/vesper/internal/router"
	"github.com/vesperbot/vesper/internal/session"
	"github.com/vesperbot/vesper/internal/skills"
	"github.com/vesperbot/vesper/internal/workspace"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideWorkspaceManager,
			memory.NewLog,
			provideSessionRegistry,
			provideAssembler,
			provideSkillService,
			provideGateway,
			provideOrchestrator,
			provideRouter,
			provideChannelRegistry,
			provideChannelManager,
		),
		fx.Invoke(
			startSessionRegistry,
			startGateway,
			startChannelManager,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideWorkspaceManager(log *slog.Logger, cfg config.Config) *workspace.Manager {
	return workspace.NewManager(log, cfg.Repo.Root, cfg.Repo.WorkspacesDir)
}

func provideSessionRegistry(log *slog.Logger, cfg config.Config) (*session.Registry, error) {
	return session.NewRegistry(log, cfg.Session.SweepSpec)
}

func provideAssembler(log *slog.Logger, cfg config.Config, memLog *memory.Log) *assembler.Assembler {
	return assembler.New(log, cfg.Context, memLog)
}

func provideSkillService(log *slog.Logger, memLog *memory.Log, registry *session.Registry, cfg config.Config) *skills.Service {
	return skills.NewService(log, memLog, registry, cfg.Context)
}

func provideGateway(log *slog.Logger, cfg config.Config, service *skills.Service, registry *session.Registry) (*gateway.Server, error) {
	return gateway.NewServer(log, cfg.Gateway, service, registry)
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, workspaces *workspace.Manager, asm *assembler.Assembler, registry *session.Registry, service *skills.Service) *orchestrator.Orchestrator {
	return orchestrator.New(log, cfg, workspaces, asm, registry, service)
}

func provideRouter(log *slog.Logger, orch *orchestrator.Orchestrator) *router.Router {
	return router.New(log, func(ctx context.Context, event channel.NormalizedEvent, adapter channel.Adapter) error {
		return orch.HandleEvent(ctx, event, adapter)
	})
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	registry := channel.NewRegistry()
	if cfg.Discord.Enabled {
		registry.MustRegister(discord.New(log, cfg.Discord))
	}
	if cfg.Misskey.Enabled {
		registry.MustRegister(misskey.New(log, cfg.Misskey))
	}
	return registry
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry, r *router.Router) *channel.Manager {
	handler := func(ctx context.Context, event channel.NormalizedEvent) error {
		adapter, ok := registry.Get(event.Platform)
		if !ok {
			return fmt.Errorf("no adapter for platform %q", event.Platform)
		}
		return r.Dispatch(ctx, event, adapter)
	}
	return channel.NewManager(log, registry, handler)
}

func startSessionRegistry(lc fx.Lifecycle, registry *session.Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { registry.Start(); return nil },
		OnStop:  func(ctx context.Context) error { registry.Stop(); return nil },
	})
}

func startGateway(lc fx.Lifecycle, log *slog.Logger, srv *gateway.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("gateway failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { manager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return manager.Shutdown(stopCtx) },
	})
}
