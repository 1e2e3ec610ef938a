package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foragehq/forage/api"
	"github.com/foragehq/forage/batch"
	"github.com/foragehq/forage/cache"
	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/engine"
	"github.com/foragehq/forage/hoststate"
	"github.com/foragehq/forage/models"
	"github.com/foragehq/forage/policy"
	"github.com/foragehq/forage/render"
	"github.com/foragehq/forage/retry"
	"github.com/foragehq/forage/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("forage starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"workers", cfg.Workers.Count,
	)

	// ── 3. Per-host state, identity policy, retry policy ────────────
	hosts := hoststate.NewRegistry()
	defer hosts.Stop()
	pol := policy.New(cfg.Policy, hosts)
	rp := retry.New(cfg.Retry)

	orch := engine.NewOrchestrator(hosts, pol, rp, cfg.Circuit)
	orch.Register(models.RenderStatic, engine.NewHTTPEngine(cfg.Fetch))

	// ── 3b. Dynamic path (launches the browser) ──────────────────────
	var ctrl *render.Controller
	if cfg.Render.Enabled {
		var err error
		ctrl, err = render.NewController(cfg.Browser, cfg.Render)
		if err != nil {
			slog.Error("failed to initialise render controller", "error", err)
			os.Exit(1)
		}
		defer ctrl.Close()
		orch.Register(models.RenderDynamic, ctrl)
	} else {
		slog.Info("dynamic rendering disabled, static fetches only")
	}

	// ── 4. Robots gate + result cache ────────────────────────────────
	if cfg.Fetch.RespectRobots {
		orch.SetRobots(policy.NewRobotsGate())
		slog.Info("robots.txt gating enabled")
	}
	var cc *cache.Cache
	if cfg.Cache.Enabled {
		cc = cache.New(cfg.Cache)
		defer cc.Stop()
		orch.SetCache(cc)
	}

	// ── 5. Worker pool + batch manager ───────────────────────────────
	pool := engine.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueSize, orch.Run)
	notifier := webhook.NewNotifier(cfg.Webhook)
	batches := batch.NewManager(pool, cfg.Workers.Count, notifier)

	// ── 6. Setup router ───────────────────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(pool, batches, ctrl, cc, cfg, startTime)

	// ── 7. Start HTTP server ──────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 8. Graceful shutdown ──────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// Give in-flight requests 5 seconds to complete.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// Batches before workers: in-flight batch items still need workers.
	batches.Stop()
	pool.Stop()

	// ctrl.Close(), cc.Stop() and hosts.Stop() run via defer.
	slog.Info("forage stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
