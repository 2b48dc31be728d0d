package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/mcp"
	"github.com/basket/agentcore/internal/notify"
	"github.com/basket/agentcore/internal/orchestrator"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/prompt"
	"github.com/basket/agentcore/internal/router"
	"github.com/basket/agentcore/internal/sandbox"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shell"
	"github.com/basket/agentcore/internal/telemetry"
	"github.com/basket/agentcore/internal/toolhub"
)

type appOptions struct {
	// daemon enables the parts only the long-running server needs: MCP
	// subprocesses and the Telegram connection.
	daemon    bool
	quietLogs bool
}

// app holds every wired component. Build it with newApp and release it
// with Close.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	otel    *otel.Provider
	metrics *otel.Metrics

	auth    *permission.Authority
	prompts *prompt.Default
	router  *router.Router
	mcp     *mcp.Manager
	tools   *toolhub.Hub
	sandbox *sandbox.Sandbox
	agents  *orchestrator.Orchestrator
	sched   *scheduler.Scheduler

	notifier notify.Notifier

	closers []func() error
}

func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return a, fmt.Errorf("init audit: %w", err)
	}
	a.closers = append(a.closers, audit.Close)

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quietLogs)
	if err != nil {
		return a, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	slog.SetDefault(logger)
	a.logger = logger

	a.otel, err = otel.Init(ctx, cfg.OTel)
	if err != nil {
		return a, fmt.Errorf("init otel: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.otel.Shutdown(sctx)
	})
	a.metrics, err = otel.NewMetrics(a.otel.Meter)
	if err != nil {
		return a, fmt.Errorf("init metrics: %w", err)
	}

	a.bus = bus.New()
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	a.store, err = persistence.Open(config.DBPath(cfg.HomeDir), a.bus)
	if err != nil {
		return a, fmt.Errorf("open store: %w", err)
	}
	audit.SetDB(a.store.DB())
	a.closers = append(a.closers, func() error {
		audit.SetDB(nil)
		return a.store.Close()
	})

	if err := a.seedModels(ctx); err != nil {
		return a, err
	}

	a.notifier = a.buildNotifier(opts.daemon)

	a.auth = permission.New(permission.Config{
		Store:           a.store,
		Connections:     a.store,
		Bus:             a.bus,
		Logger:          logger,
		DefaultTTL:      time.Duration(cfg.Permissions.DefaultTTLDays) * 24 * time.Hour,
		CleanupInterval: time.Duration(cfg.Permissions.CleanupIntervalMinutes) * time.Minute,
	})

	shellMgr := a.buildShell()

	var hubMCP toolhub.MCP
	if opts.daemon && len(cfg.MCP.Servers) > 0 {
		a.mcp = mcp.NewManager(cfg.MCP.Servers, logger)
		a.mcp.Start(ctx)
		a.closers = append(a.closers, func() error { a.mcp.Stop(); return nil })
		hubMCP = a.mcp
	}

	a.tools = toolhub.New(toolhub.Config{
		Auth:     a.auth,
		Shell:    shellMgr,
		Notifier: a.notifier,
		MCP:      hubMCP,
		Logger:   logger,
		Tracer:   a.otel.Tracer,
	})

	a.prompts = prompt.NewDefault(prompt.Config{
		AgentName: cfg.AgentName,
		Persona:   cfg.Persona,
		Tools:     a.tools,
		Memories:  a.store,
		Logger:    logger,
	})

	a.router = router.New(router.Config{
		Catalog:          a.store,
		Preferences:      a.store,
		Messages:         a.store,
		Prompts:          a.prompts,
		Backends:         router.BuildBackends(ctx, cfg.Backends(), logger),
		DefaultModel:     cfg.DefaultModel,
		CatalogTTL:       time.Duration(cfg.Catalog.TTLSeconds) * time.Second,
		ProviderTimeouts: cfg.ProviderTimeouts(),
		Logger:           logger,
		Tracer:           a.otel.Tracer,
		Metrics:          a.metrics,
	})

	a.sandbox = sandbox.New(sandbox.Config{
		Store:            a.store,
		Auth:             a.auth,
		Shell:            shellMgr,
		Notifier:         a.notifier,
		MemoryLimitPages: cfg.Sandbox.MemoryLimitPages,
		Logger:           logger,
		Tracer:           a.otel.Tracer,
		Metrics:          a.metrics,
	})

	a.agents = orchestrator.New(orchestrator.Config{
		Store:       a.store,
		Router:      a.router,
		Tools:       a.tools,
		Notifier:    a.notifier,
		MaxAgents:   cfg.Agents.MaxAgents,
		StepTimeout: time.Duration(cfg.Agents.StepTimeoutSeconds) * time.Second,
		Logger:      logger,
		Tracer:      a.otel.Tracer,
		Metrics:     a.metrics,
	})

	a.sched, err = scheduler.New(scheduler.Config{
		Store: a.store,
		Deps: scheduler.Deps{
			Agents:        a.agents,
			Tools:         a.tools,
			Router:        a.router,
			Plugins:       a.sandbox,
			UnverifiedTTL: time.Duration(cfg.Scheduler.UnverifiedTTLDays) * 24 * time.Hour,
			SessionTTL:    time.Duration(cfg.Scheduler.SessionTTLDays) * 24 * time.Hour,
		},
		Notifier:   a.notifier,
		Bus:        a.bus,
		Interval:   time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		RetryDelay: time.Duration(cfg.Scheduler.RetryDelaySeconds) * time.Second,
		Logger:     logger,
		Tracer:     a.otel.Tracer,
		Metrics:    a.metrics,
	})
	if err != nil {
		return a, fmt.Errorf("build scheduler: %w", err)
	}
	a.closers = append(a.closers, func() error { a.sched.Stop(); return nil })

	logger.Info("startup phase", "phase", "components_wired", "home", cfg.HomeDir, "daemon", opts.daemon)
	return a, nil
}

// seedModels loads models.yaml (or the starter catalog) into the store.
func (a *app) seedModels(ctx context.Context) error {
	models, err := config.LoadModels(config.ModelsPath(a.cfg.HomeDir))
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	if err := a.store.UpsertModels(ctx, models); err != nil {
		return fmt.Errorf("seed models: %w", err)
	}
	return nil
}

func (a *app) buildNotifier(daemon bool) notify.Notifier {
	notifiers := []notify.Notifier{notify.NewBus(a.bus), notify.NewLog(a.logger)}
	tg := a.cfg.Telegram
	if daemon && tg.Enabled && strings.TrimSpace(tg.Token) != "" {
		t, err := notify.NewTelegram(tg.Token, tg.Chats, a.logger)
		if err != nil {
			a.logger.Warn("telegram notifier disabled", "error", err)
		} else {
			notifiers = append(notifiers, t)
		}
	}
	return notify.NewMulti(a.logger, notifiers...)
}

// buildShell wires the host executor and, when sandboxing is on, a docker
// executor. Docker being unavailable leaves sandboxed requests failing
// rather than silently running them on the host.
func (a *app) buildShell() *shell.Manager {
	cfg := shell.Config{Host: shell.HostExecutor{}, Logger: a.logger}
	if a.cfg.Shell.Sandbox {
		d, err := shell.NewDockerExecutor(a.cfg.Shell.Docker)
		if err != nil {
			a.logger.Warn("docker sandbox unavailable", "error", err)
		} else {
			cfg.Sandbox = d
			a.closers = append(a.closers, d.Close)
		}
	}
	return shell.NewManager(cfg)
}

// Close releases components in reverse construction order.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
}

// openApp builds a non-daemon app for an admin subcommand.
func openApp(ctx context.Context) (*app, error) {
	return newApp(ctx, appOptions{quietLogs: true})
}
