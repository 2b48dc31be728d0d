package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/gateway"
)

var serveShutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway, scheduler and permission cleanup",
	RunE:  serveRun,
}

func init() {
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func serveRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, appOptions{daemon: true, quietLogs: false})
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if cfg.Gateway.AuthToken == "" && !isLoopback(cfg.BindAddr) {
		return fmt.Errorf("refusing to bind %s without gateway.auth_token (or AGENTCORE_AUTH_TOKEN)", cfg.BindAddr)
	}
	if cfg.NeedsGenesis {
		logger.Warn("config.yaml not found; running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	go a.auth.Run(ctx)
	a.sched.Start(ctx)

	gw := gateway.New(gateway.Config{
		Store:             a.store,
		Auth:              a.auth,
		Router:            a.router,
		Orchestrator:      a.agents,
		Sandbox:           a.sandbox,
		Scheduler:         a.sched,
		Tools:             a.tools,
		Bus:               a.bus,
		AuthToken:         cfg.Gateway.AuthToken,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		Burst:             cfg.Gateway.Burst,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	go gw.Run(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go a.watchConfig(ctx, watcher)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Serve(ln) }()
	logger.Info("gateway listening", "addr", ln.Addr().String(), "auth", cfg.Gateway.AuthToken != "")
	if interactive() {
		fmt.Fprintf(os.Stderr, "agentcore listening on http://%s\n", ln.Addr())
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	a.sched.Stop()
	logger.Info("shutdown complete")
	return nil
}

// watchConfig applies hot-reloadable file changes. Settings covered by the
// config fingerprint need a restart and are only reported.
func (a *app) watchConfig(ctx context.Context, w *config.Watcher) {
	fingerprint := a.cfg.Fingerprint()
	for ev := range w.Events() {
		switch ev.Kind {
		case config.KindModels:
			if err := a.seedModels(ctx); err != nil {
				a.logger.Error("model catalog reload failed", "error", err)
				continue
			}
			a.router.Catalog().Invalidate()
			a.bus.Publish(bus.TopicCatalogChanged, ev.Path)
			a.logger.Info("model catalog reloaded", "path", ev.Path)
		case config.KindPersona:
			data, err := os.ReadFile(ev.Path)
			if err != nil && !os.IsNotExist(err) {
				a.logger.Warn("persona reload failed", "error", err)
				continue
			}
			a.prompts.SetPersona(string(data))
			a.logger.Info("persona reloaded", "path", ev.Path)
		case config.KindConfig:
			next, err := config.Load()
			if err != nil {
				a.logger.Error("config reload rejected", "error", err)
				continue
			}
			if next.Fingerprint() != fingerprint {
				a.logger.Warn("config.yaml changed settings that need a restart", "path", ev.Path)
			}
		}
	}
}
