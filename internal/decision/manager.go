// Package decision manages the single active decision provider and bridges
// data.message events into its Decide calls.
//
// Exactly one provider is active at a time. Switching builds and starts the
// replacement before the incumbent is torn down, so a broken switch leaves the
// running provider untouched.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vtuberkit/stagehand/internal/bus"
	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/observe"
	"github.com/vtuberkit/stagehand/internal/registry"
	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	decisionprov "github.com/vtuberkit/stagehand/pkg/provider/decision"
)

// ErrConnect is returned when a provider fails to construct or start.
var ErrConnect = errors.New("decision: provider connection failed")

// subscribePriority places the decide bridge after observability listeners.
const subscribePriority = 50

// Manager owns the active decision provider.
type Manager struct {
	cfg  *config.Service
	reg  *registry.Registry
	bus  *bus.Bus
	pbus provider.EventBus
	pctx provider.Context
	log  *slog.Logger

	mu     sync.Mutex
	active decisionprov.Provider
	sub    *bus.Subscription

	decides sync.WaitGroup
}

// NewManager wires a manager. b is the concrete bus (needed for typed
// subscription); pbus is the narrow publish surface handed to providers.
func NewManager(cfg *config.Service, reg *registry.Registry, b *bus.Bus, pbus provider.EventBus, pctx provider.Context) *Manager {
	return &Manager{
		cfg:  cfg,
		reg:  reg,
		bus:  b,
		pbus: pbus,
		pctx: pctx,
		log:  slog.Default().With("component", "decision_manager"),
	}
}

// Setup activates the named provider, or the configured active_provider when
// name is empty. The first successful Setup also subscribes the manager to
// data.message. A failed Setup leaves the manager with no active provider and
// returns an error wrapping [ErrConnect].
func (m *Manager) Setup(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.teardownLocked(ctx, "replaced")
	}

	p, err := m.buildAndStartLocked(ctx, name)
	if err != nil {
		return err
	}
	m.active = p

	if m.sub == nil {
		sub, err := bus.On(m.bus, event.DataMessage, subscribePriority,
			func(ctx context.Context, payload event.MessagePayload, source string) error {
				m.Decide(ctx, payload)
				return nil
			})
		if err != nil {
			m.teardownLocked(ctx, "subscribe_failed")
			m.active = nil
			return fmt.Errorf("%w: subscribe: %v", ErrConnect, err)
		}
		m.sub = sub
	}

	m.emitConnected(ctx, p.Name(), "")
	return nil
}

// Switch replaces the active provider with name. The replacement is built and
// started first; only on success is the incumbent torn down. On failure the
// incumbent stays active and the error wraps [ErrConnect].
func (m *Manager) Switch(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := ""
	if m.active != nil {
		previous = m.active.Name()
	}

	p, err := m.buildAndStartLocked(ctx, name)
	if err != nil {
		return err
	}

	if m.active != nil {
		m.teardownLocked(ctx, "switched")
	}
	m.active = p
	m.emitConnected(ctx, p.Name(), previous)
	m.log.Info("decision provider switched", "from", previous, "to", p.Name())
	return nil
}

// Decide forwards the message to the active provider, fire-and-forget. It
// returns immediately; the provider publishes decision.intent on its own.
// With no active provider the message is silently ignored.
func (m *Manager) Decide(ctx context.Context, payload event.MessagePayload) {
	m.mu.Lock()
	p := m.active
	m.mu.Unlock()
	if p == nil {
		return
	}

	m.decides.Add(1)
	go func() {
		defer m.decides.Done()
		sctx, span := observe.StartSpan(ctx, "decision.decide")
		span.SetAttributes(observe.Attr("provider", p.Name()), observe.Attr("source", payload.Source))
		defer span.End()
		p.Decide(sctx, payload.Message)
	}()
}

// ActiveProvider returns the active provider's name, or "".
func (m *Manager) ActiveProvider() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.Name()
}

// Cleanup unsubscribes from data.message, waits briefly for in-flight Decide
// calls, and tears down the active provider.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub != nil {
		m.bus.Off(m.sub)
		m.sub = nil
	}

	done := make(chan struct{})
	go func() {
		m.decides.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.log.Warn("in-flight decisions did not drain before cleanup")
	}

	if m.active != nil {
		m.teardownLocked(ctx, "cleanup")
		m.active = nil
	}
	return nil
}

// buildAndStartLocked resolves, constructs and starts a provider. Callers
// hold m.mu.
func (m *Manager) buildAndStartLocked(ctx context.Context, name string) (decisionprov.Provider, error) {
	if name == "" {
		name = m.cfg.ActiveDecisionProvider()
	}
	if avail := m.cfg.AvailableDecisionProviders(); len(avail) > 0 && !slices.Contains(avail, name) {
		m.log.Warn("provider not in available_providers", "provider", name, "available", avail)
	}

	merged, err := m.cfg.MergedProviderConfig(config.LayerDecision, name, m.reg.Decision.Defaults(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, name, err)
	}
	p, err := m.reg.Decision.Create(name, merged, m.pctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if err := p.Start(ctx, m.pbus); err != nil {
		if cerr := p.Cleanup(); cerr != nil {
			m.log.Warn("cleanup after failed start", "provider", name, "error", cerr)
		}
		return nil, fmt.Errorf("%w: start %s: %v", ErrConnect, name, err)
	}
	return p, nil
}

// teardownLocked stops the active provider and emits the disconnected event.
// Callers hold m.mu and reassign m.active afterwards.
func (m *Manager) teardownLocked(ctx context.Context, reason string) {
	p := m.active
	if p == nil {
		return
	}
	if err := p.Stop(); err != nil {
		m.log.Warn("provider stop failed", "provider", p.Name(), "error", err)
	}
	payload := event.ProviderDisconnectedPayload{
		Provider:  p.Name(),
		Reason:    reason,
		WillRetry: false,
		Timestamp: time.Now(),
	}
	if err := m.bus.Emit(ctx, payload, "decision_manager"); err != nil {
		m.log.Warn("disconnected event emit failed", "error", err)
	}
}

func (m *Manager) emitConnected(ctx context.Context, name, previous string) {
	payload := event.ProviderConnectedPayload{
		Provider:         name,
		PreviousProvider: previous,
		Timestamp:        time.Now(),
	}
	if err := m.bus.Emit(ctx, payload, "decision_manager"); err != nil {
		m.log.Warn("connected event emit failed", "error", err)
	}
}
