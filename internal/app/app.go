// Package app wires all Stagehand subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the provider fleets and blocks until the context is
// cancelled, and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithMemoryStore,
// WithLLM, etc.). When an option is not provided, New creates the real
// implementation from config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vtuberkit/stagehand/internal/bus"
	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/decision"
	"github.com/vtuberkit/stagehand/internal/extension"
	"github.com/vtuberkit/stagehand/internal/health"
	"github.com/vtuberkit/stagehand/internal/input"
	"github.com/vtuberkit/stagehand/internal/llm"
	"github.com/vtuberkit/stagehand/internal/observe"
	"github.com/vtuberkit/stagehand/internal/output"
	"github.com/vtuberkit/stagehand/internal/pipeline"
	"github.com/vtuberkit/stagehand/internal/prompt"
	"github.com/vtuberkit/stagehand/internal/registry"
	"github.com/vtuberkit/stagehand/pkg/audio"
	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/memory"
	"github.com/vtuberkit/stagehand/pkg/memory/postgres"
	"github.com/vtuberkit/stagehand/pkg/provider"
	llmspec "github.com/vtuberkit/stagehand/pkg/provider/llm"
)

// busCloseTimeout bounds how long Shutdown waits for in-flight emits.
const busCloseTimeout = 5 * time.Second

// observerPriority places the metrics listeners ahead of the decision bridge
// and the render dispatcher (both at 50).
const observerPriority = 10

// App owns all subsystem lifetimes and orchestrates the message → intent →
// render pipeline.
type App struct {
	cfg *config.Service
	reg *registry.Registry

	// Core plumbing, initialised in New and torn down in Shutdown.
	bus     *bus.Bus
	surface *bus.Surface
	channel *audio.StreamChannel
	store   memory.Store
	llms    llmspec.Service
	prompts provider.PromptService
	pipe    *pipeline.Manager
	metrics *observe.Metrics

	inputs    *input.Manager
	decisions *decision.Manager
	outputs   *output.Manager
	exts      *extension.Manager

	srv *http.Server

	// closers are called in order during Shutdown, after the managers.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects a conversation store instead of creating one from
// config.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLLM injects an LLM service instead of building the client pool from
// config.
func WithLLM(s llmspec.Service) Option {
	return func(a *App) { a.llms = s }
}

// WithPrompts injects a prompt service instead of loading the template dir.
func WithPrompts(p provider.PromptService) Option {
	return func(a *App) { a.prompts = p }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry comes
// from main (populated by explicit registration calls); cfg must already be
// initialized.
func New(ctx context.Context, cfg *config.Service, reg *registry.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Bus and audio channel ─────────────────────────────────────────
	a.bus = bus.New(event.NewRegistry())
	a.surface = bus.NewSurface(a.bus)
	a.channel = audio.NewStreamChannel()

	// ── 2. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 3. LLM pool and prompt templates ─────────────────────────────────
	a.initLLM()
	a.initPrompts()

	// ── 4. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 5. Provider dependency bundle ────────────────────────────────────
	pctx := provider.Context{
		Bus:     a.surface,
		Config:  cfg,
		LLM:     a.llms,
		Prompts: a.prompts,
		Audio:   a.channel,
		Memory:  a.store,
	}

	// ── 6. Input filter pipeline ─────────────────────────────────────────
	a.pipe = buildPipelines(cfg)

	// ── 7. Managers ──────────────────────────────────────────────────────
	a.inputs = input.NewManager(cfg, reg, a.surface, a.pipe, pctx)
	a.decisions = decision.NewManager(cfg, reg, a.bus, a.surface, pctx)
	a.outputs = output.NewManager(cfg, reg, a.bus, pctx)
	a.exts = extension.NewManager(cfg, reg, pctx)

	// ── 8. Observability listeners ───────────────────────────────────────
	if err := a.initObservers(); err != nil {
		return nil, fmt.Errorf("app: init observers: %w", err)
	}

	// ── 9. Health + metrics listener ─────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory builds the conversation store: Postgres when memory.postgres_dsn
// is set, the in-process ring otherwise. A failed Postgres connection degrades
// to the ring store so the app still comes up.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	opts := provider.Options(a.cfg.GetSection("memory"))
	limit := opts.Int("history_limit", 50)

	if dsn := opts.String("postgres_dsn", ""); dsn != "" {
		dims := opts.Int("embedding_dimensions", 1536)
		store, err := postgres.New(ctx, dsn, dims)
		if err != nil {
			slog.Warn("postgres memory unavailable, using in-process store", "error", err)
		} else {
			a.store = store
			a.closers = append(a.closers, store.Close)
			slog.Info("memory store ready", "backend", "postgres")
			return nil
		}
	}

	a.store = memory.NewMemStore(limit * 4)
	slog.Info("memory store ready", "backend", "memory", "history_limit", limit)
	return nil
}

// initLLM builds the client pool when any llm.clients.* table exists.
func (a *App) initLLM() {
	if a.llms != nil {
		return // injected
	}
	for _, v := range a.cfg.GetSection("llm.clients") {
		if _, ok := v.(map[string]any); ok {
			a.llms = llm.NewManager(a.cfg)
			return
		}
	}
	slog.Info("no llm clients configured")
}

// initPrompts loads the template dir. A missing dir is not fatal: providers
// that need prompts fall back to their built-in instructions.
func (a *App) initPrompts() {
	if a.prompts != nil {
		return // injected
	}
	dir := provider.Options(a.cfg.GetSection("prompts")).String("dir", "prompts")
	mgr, err := prompt.NewManager(dir)
	if err != nil {
		slog.Warn("prompt templates unavailable", "dir", dir, "error", err)
		return
	}
	a.prompts = mgr
}

// buildPipelines assembles the input filter chain from the pipelines.*.input
// tables. Returns nil when no stage is configured.
func buildPipelines(cfg *config.Service) *pipeline.Manager {
	mgr := pipeline.NewManager()
	registered := 0

	if table, ok := cfg.GetPipelineConfig("rate_limit")["input"].(map[string]any); ok {
		mgr.Register(pipeline.NewRateLimit(pipeline.Options(table)))
		registered++
	}
	if table, ok := cfg.GetPipelineConfig("similarity_filter")["input"].(map[string]any); ok {
		mgr.Register(pipeline.NewSimilarityFilter(pipeline.Options(table)))
		registered++
	}

	if registered == 0 {
		return nil
	}
	return mgr
}

// initObservers subscribes the metrics listeners to the core events. They run
// ahead of the decision bridge and the render dispatcher so counters reflect
// every emit, including ones whose handlers later fail.
func (a *App) initObservers() error {
	met := a.metrics

	if _, err := bus.On(a.bus, event.DataMessage, observerPriority,
		func(ctx context.Context, p event.MessagePayload, _ string) error {
			met.RecordMessage(ctx, p.Source)
			met.RecordEmit(ctx, event.DataMessage)
			return nil
		}); err != nil {
		return err
	}

	if _, err := bus.On(a.bus, event.DecisionIntent, observerPriority,
		func(ctx context.Context, p event.IntentPayload, _ string) error {
			met.RecordDecision(ctx, p.Provider, string(p.Intent.Emotion))
			met.RecordEmit(ctx, event.DecisionIntent)
			return nil
		}); err != nil {
		return err
	}

	if _, err := bus.On(a.bus, event.RenderCompleted, observerPriority,
		func(ctx context.Context, p event.RenderCompletedPayload, _ string) error {
			met.RecordRender(ctx, p.Provider, p.OutputType, "ok", p.DurationMS/1000)
			return nil
		}); err != nil {
		return err
	}

	if _, err := bus.On(a.bus, event.RenderFailed, observerPriority,
		func(ctx context.Context, p event.RenderFailedPayload, _ string) error {
			met.RecordRenderError(ctx, p.Provider, p.ErrorType)
			return nil
		}); err != nil {
		return err
	}

	return nil
}

// initServer builds the health + metrics HTTP listener. It is started in Run.
func (a *App) initServer() {
	checker := health.New(
		health.Checker{
			Name: "decision",
			Check: func(context.Context) error {
				if a.decisions.ActiveProvider() == "" {
					return errors.New("no active decision provider")
				}
				return nil
			},
		},
		health.Checker{
			Name: "memory",
			Check: func(ctx context.Context) error {
				_, err := a.store.Recent(ctx, 1)
				return err
			},
		},
	)

	mux := http.NewServeMux()
	checker.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /stats", a.handleStats)

	addr := provider.Options(a.cfg.GetSection("server")).String("listen_addr", ":9090")
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// handleStats serves the per-event and per-pipeline counters as JSON, for
// dashboards and debugging.
func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"events": a.bus.AllStats(),
	}
	if a.pipe != nil {
		body["pipelines"] = a.pipe.AllStats()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the provider fleets and the HTTP listener, then blocks until ctx
// is cancelled. Start order is outputs → decision → inputs so that nothing is
// published before its consumers exist.
func (a *App) Run(ctx context.Context) error {
	if err := a.surface.Emit(ctx, event.SystemPayload{
		Event:     event.CoreStartup,
		Message:   "stagehand starting",
		Timestamp: time.Now(),
	}, "core"); err != nil {
		return fmt.Errorf("app: startup emit: %w", err)
	}

	if err := a.exts.LoadAll(ctx); err != nil {
		return fmt.Errorf("app: load extensions: %w", err)
	}

	a.outputs.LoadFromConfig()
	if err := a.outputs.StartAll(ctx); err != nil {
		return fmt.Errorf("app: start outputs: %w", err)
	}

	if err := a.decisions.Setup(ctx, ""); err != nil {
		// Inputs still run; messages are counted but produce no intents
		// until a provider is switched in.
		slog.Error("no decision provider active", "error", err)
	}

	a.inputs.LoadFromConfig()
	if err := a.inputs.StartAll(ctx); err != nil {
		return fmt.Errorf("app: start inputs: %w", err)
	}

	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http listener failed", "addr", a.srv.Addr, "error", err)
		}
	}()

	slog.Info("app running",
		"decision", a.decisions.ActiveProvider(),
		"listen_addr", a.srv.Addr,
	)
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears everything down in reverse start order: inputs stop
// producing, the decision bridge drains, outputs finish rendering, then the
// bus, audio channel and stores close. Safe to call more than once; only the
// first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if err := a.surface.EmitSync(ctx, event.SystemPayload{
			Event:     event.CoreShutdown,
			Message:   "stagehand stopping",
			Timestamp: time.Now(),
		}, "core"); err != nil && !errors.Is(err, bus.ErrClosed) {
			slog.Warn("shutdown emit failed", "error", err)
		}

		if err := a.inputs.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop inputs: %w", err))
		}
		if err := a.decisions.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup decision: %w", err))
		}
		if err := a.outputs.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop outputs: %w", err))
		}
		a.exts.UnloadAll()

		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		if err := a.bus.Close(busCloseTimeout, true); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
		a.channel.Close()

		for _, closer := range a.closers {
			select {
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// Bus exposes the concrete bus for assembly-time subscriptions (REPL tooling,
// tests).
func (a *App) Bus() *bus.Bus { return a.bus }

// Extensions exposes the extension manager so main can register compiled-in
// extensions before Run.
func (a *App) Extensions() *extension.Manager { return a.exts }
