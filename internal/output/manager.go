// Package output fans each published intent out to every enabled output
// provider and reports per-render outcomes on the bus.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vtuberkit/stagehand/internal/bus"
	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/observe"
	"github.com/vtuberkit/stagehand/internal/registry"
	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	outputprov "github.com/vtuberkit/stagehand/pkg/provider/output"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// ErrRenderTimeout marks a render that exceeded its provider's timeout.
var ErrRenderTimeout = errors.New("output: render timed out")

// defaultRenderTimeout applies to providers reporting a non-positive timeout.
const defaultRenderTimeout = 10 * time.Second

// dispatchPriority places the render dispatcher after observability listeners.
const dispatchPriority = 50

// Manager owns the output provider fleet.
type Manager struct {
	cfg  *config.Service
	reg  *registry.Registry
	bus  *bus.Bus
	pctx provider.Context
	log  *slog.Logger

	mu        sync.Mutex
	providers []outputprov.Provider
	sub       *bus.Subscription

	renders sync.WaitGroup
}

// NewManager wires a manager over the concrete bus.
func NewManager(cfg *config.Service, reg *registry.Registry, b *bus.Bus, pctx provider.Context) *Manager {
	return &Manager{
		cfg:  cfg,
		reg:  reg,
		bus:  b,
		pctx: pctx,
		log:  slog.Default().With("component", "output_manager"),
	}
}

// LoadFromConfig constructs every provider named in enabled_outputs,
// skipping (with a log line) any that fail to construct.
func (m *Manager) LoadFromConfig() []outputprov.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers = m.providers[:0]
	for _, name := range m.cfg.EnabledProviders(config.LayerOutput) {
		merged, err := m.cfg.MergedProviderConfig(config.LayerOutput, name, m.reg.Output.Defaults(name))
		if err != nil {
			m.log.Error("skipping output provider", "provider", name, "error", err)
			continue
		}
		p, err := m.reg.Output.Create(name, merged, m.pctx)
		if err != nil {
			m.log.Error("skipping output provider", "provider", name, "error", err)
			continue
		}
		m.providers = append(m.providers, p)
		m.log.Info("loaded output provider", "provider", name, "output_type", p.OutputType())
	}
	return append([]outputprov.Provider(nil), m.providers...)
}

// StartAll starts every loaded provider and subscribes the dispatcher to
// decision.intent. A provider whose Start fails is dropped from the fleet.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alive := m.providers[:0]
	for _, p := range m.providers {
		if err := p.Start(ctx); err != nil {
			m.log.Error("output provider start failed", "provider", p.Name(), "error", err)
			continue
		}
		alive = append(alive, p)
	}
	m.providers = alive

	if m.sub == nil {
		sub, err := bus.On(m.bus, event.DecisionIntent, dispatchPriority,
			func(ctx context.Context, payload event.IntentPayload, source string) error {
				m.Dispatch(ctx, payload.Intent)
				return nil
			})
		if err != nil {
			return fmt.Errorf("output: subscribe: %w", err)
		}
		m.sub = sub
	}
	m.log.Info("output providers started", "count", len(m.providers))
	return nil
}

// Dispatch renders intent on every provider, in parallel when
// concurrent_rendering is set (the default) and serially otherwise. It
// returns once all renders have completed or timed out.
func (m *Manager) Dispatch(ctx context.Context, intent vtuber.Intent) {
	m.mu.Lock()
	providers := append([]outputprov.Provider(nil), m.providers...)
	m.mu.Unlock()

	if len(providers) == 0 {
		return
	}

	if m.cfg.ConcurrentRendering() {
		m.renders.Add(len(providers))
		var wg sync.WaitGroup
		wg.Add(len(providers))
		for _, p := range providers {
			go func(p outputprov.Provider) {
				defer m.renders.Done()
				defer wg.Done()
				m.render(ctx, p, intent)
			}(p)
		}
		wg.Wait()
		return
	}

	for _, p := range providers {
		m.render(ctx, p, intent)
	}
}

// render executes one provider under its timeout and emits the outcome event.
func (m *Manager) render(ctx context.Context, p outputprov.Provider, intent vtuber.Intent) {
	timeout := p.RenderTimeout()
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rctx, span := observe.StartSpan(rctx, "output.render")
	span.SetAttributes(observe.Attr("provider", p.Name()), observe.Attr("output_type", p.OutputType()))
	defer span.End()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- p.Execute(rctx, intent) }()

	var err error
	select {
	case err = <-done:
	case <-rctx.Done():
		err = ErrRenderTimeout
	}
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		m.emitFailed(ctx, p, err)
		return
	}
	payload := event.RenderCompletedPayload{
		Provider:   p.Name(),
		OutputType: p.OutputType(),
		Success:    true,
		DurationMS: float64(duration.Microseconds()) / 1000.0,
		Timestamp:  time.Now(),
	}
	if err := m.bus.Emit(ctx, payload, "output_manager"); err != nil {
		m.log.Warn("render.completed emit failed", "error", err)
	}
}

func (m *Manager) emitFailed(ctx context.Context, p outputprov.Provider, renderErr error) {
	errType := "render_error"
	recoverable := true
	if errors.Is(renderErr, ErrRenderTimeout) {
		errType = "timeout"
	}
	payload := event.RenderFailedPayload{
		Provider:     p.Name(),
		OutputType:   p.OutputType(),
		ErrorType:    errType,
		ErrorMessage: renderErr.Error(),
		Recoverable:  recoverable,
		Timestamp:    time.Now(),
	}
	if err := m.bus.Emit(ctx, payload, "output_manager"); err != nil {
		m.log.Warn("render.failed emit failed", "error", err)
	}
	m.log.Error("render failed", "provider", p.Name(), "output_type", p.OutputType(), "error", renderErr)
}

// StopAll unsubscribes the dispatcher, waits briefly for in-flight renders,
// and stops providers in reverse load order. Stop errors are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.sub != nil {
		m.bus.Off(m.sub)
		m.sub = nil
	}
	providers := append([]outputprov.Provider(nil), m.providers...)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.renders.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaultRenderTimeout):
		m.log.Warn("in-flight renders did not drain before stop")
	case <-ctx.Done():
	}

	var errs error
	for i := len(providers) - 1; i >= 0; i-- {
		if err := providers[i].Stop(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("stop %s: %w", providers[i].Name(), err))
		}
	}
	m.log.Info("output providers stopped", "count", len(providers))
	return errs
}
