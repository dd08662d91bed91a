// Command stagehand is the main entry point for the Stagehand VTuber
// orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vtuberkit/stagehand/internal/app"
	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/observe"
	"github.com/vtuberkit/stagehand/internal/registry"
	"github.com/vtuberkit/stagehand/pkg/provider/decision/echo"
	"github.com/vtuberkit/stagehand/pkg/provider/decision/keyword"
	"github.com/vtuberkit/stagehand/pkg/provider/decision/llmdecide"
	"github.com/vtuberkit/stagehand/pkg/provider/decision/ruleengine"
	"github.com/vtuberkit/stagehand/pkg/provider/input/console"
	"github.com/vtuberkit/stagehand/pkg/provider/input/danmaku"
	"github.com/vtuberkit/stagehand/pkg/provider/input/discord"
	"github.com/vtuberkit/stagehand/pkg/provider/output/subtitle"
	"github.com/vtuberkit/stagehand/pkg/provider/output/voice"
	"github.com/vtuberkit/stagehand/pkg/provider/output/vts"
)

// version is overridden at build time via -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.NewService(*configPath)
	res, err := cfg.Initialize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg.Tree()); err != nil {
		fmt.Fprintf(os.Stderr, "stagehand: invalid config %q: %v\n", *configPath, err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level, _ := cfg.Get("level", "info", "logging").(string)
	slog.SetDefault(newLogger(config.LogLevel(level)))

	if res.NewlyCopied {
		slog.Info("config created from template, edit it to enable more providers", "path", *configPath)
	}
	if res.Migrated {
		slog.Info("config migrated to current schema", "path", *configPath)
	}
	slog.Info("stagehand starting", "version", version, "config", *configPath, "log_level", level)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	obsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "stagehand",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obsShutdown(sctx); err != nil {
			slog.Warn("observability shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := registry.New()
	registerBuiltinProviders(reg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the compiled-in provider factories into reg.
// Config decides which of them actually load.
func registerBuiltinProviders(reg *registry.Registry) {
	const source = "builtin"

	// ── Input ─────────────────────────────────────────────────────────────────
	reg.Input.Register(console.Name, console.Factory, console.Defaults, source)
	reg.Input.Register(danmaku.Name, danmaku.Factory, danmaku.Defaults, source)
	reg.Input.Register(discord.Name, discord.Factory, discord.Defaults, source)

	// ── Decision ──────────────────────────────────────────────────────────────
	reg.Decision.Register(llmdecide.Name, llmdecide.Factory, llmdecide.Defaults, source)
	reg.Decision.Register(ruleengine.Name, ruleengine.Factory, ruleengine.Defaults, source)
	reg.Decision.Register(keyword.Name, keyword.Factory, keyword.Defaults, source)
	reg.Decision.Register(echo.Name, echo.Factory, echo.Defaults, source)

	// ── Output ────────────────────────────────────────────────────────────────
	reg.Output.Register(subtitle.Name, subtitle.Factory, subtitle.Defaults, source)
	reg.Output.Register(vts.Name, vts.Factory, vts.Defaults, source)
	reg.Output.Register(voice.Name, voice.Factory, voice.Defaults, source)

	for kind, names := range reg.Info() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
