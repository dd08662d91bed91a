// Package input supervises the input provider fleet: it constructs enabled
// providers from config, runs one consumer goroutine per provider, pushes each
// message through the filter pipeline and publishes survivors on the bus.
package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/pipeline"
	"github.com/vtuberkit/stagehand/internal/registry"
	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	inputprov "github.com/vtuberkit/stagehand/pkg/provider/input"
)

// ErrAlreadyStarted is returned by StartAll after a successful start.
var ErrAlreadyStarted = errors.New("input: providers already started")

// stopTimeout bounds how long StopAll waits for consumer goroutines.
const stopTimeout = 10 * time.Second

// Manager owns the input provider fleet.
type Manager struct {
	cfg  *config.Service
	reg  *registry.Registry
	bus  provider.EventBus
	pipe *pipeline.Manager // nil disables filtering
	pctx provider.Context
	log  *slog.Logger

	mu        sync.Mutex
	providers []inputprov.Provider
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager wires a manager. pipe may be nil when no pipelines are
// configured.
func NewManager(cfg *config.Service, reg *registry.Registry, bus provider.EventBus, pipe *pipeline.Manager, pctx provider.Context) *Manager {
	return &Manager{
		cfg:  cfg,
		reg:  reg,
		bus:  bus,
		pipe: pipe,
		pctx: pctx,
		log:  slog.Default().With("component", "input_manager"),
	}
}

// LoadFromConfig constructs every provider named in enabled_inputs. A
// provider that fails to construct is logged and skipped; the rest of the
// fleet loads normally. The loaded providers are retained for StartAll.
func (m *Manager) LoadFromConfig() []inputprov.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers = m.providers[:0]
	for _, name := range m.cfg.EnabledProviders(config.LayerInput) {
		merged, err := m.cfg.MergedProviderConfig(config.LayerInput, name, m.reg.Input.Defaults(name))
		if err != nil {
			m.log.Error("skipping input provider", "provider", name, "error", err)
			continue
		}
		p, err := m.reg.Input.Create(name, merged, m.pctx)
		if err != nil {
			m.log.Error("skipping input provider", "provider", name, "error", err)
			continue
		}
		m.providers = append(m.providers, p)
		m.log.Info("loaded input provider", "provider", name)
	}
	return append([]inputprov.Provider(nil), m.providers...)
}

// StartAll spawns one supervised consumer goroutine per loaded provider and
// returns immediately. A second call without an intervening StopAll returns
// [ErrAlreadyStarted].
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for _, p := range m.providers {
		m.wg.Add(1)
		go func(p inputprov.Provider) {
			defer m.wg.Done()
			m.runProvider(runCtx, p)
		}(p)
	}
	m.log.Info("input providers started", "count", len(m.providers))
	return nil
}

// runProvider is the supervised loop for one provider. A failure here is
// isolated: the goroutine exits, siblings keep running, and there is no
// automatic restart.
func (m *Manager) runProvider(ctx context.Context, p inputprov.Provider) {
	log := m.log.With("provider", p.Name())

	defer func() {
		if err := p.Stop(); err != nil {
			log.Warn("provider stop failed", "error", err)
		}
	}()

	stream, err := p.Start(ctx)
	if err != nil {
		log.Error("provider start failed", "error", err)
		return
	}

	for msg := range stream {
		if ctx.Err() != nil {
			return
		}
		if !msg.Valid() {
			log.Warn("discarding invalid message", "source", msg.Source)
			continue
		}

		if m.pipe != nil {
			out, perr := m.pipe.Process(ctx, msg)
			if perr != nil {
				log.Error("pipeline aborted provider stream", "error", perr)
				return
			}
			if out == nil {
				continue
			}
			msg = *out
		}

		payload := event.MessagePayload{
			Message:   msg,
			Source:    p.Name(),
			Timestamp: time.Now(),
		}
		if err := m.bus.Emit(ctx, payload, "input:"+p.Name()); err != nil {
			log.Error("publish failed", "error", err)
		}
	}
}

// StopAll cancels the consumer goroutines, stops every provider, and waits up
// to 10 seconds for the goroutines to drain. It returns the joined provider
// stop errors, plus a timeout error when stragglers remain.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	providers := append([]inputprov.Provider(nil), m.providers...)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var g errgroup.Group
	for _, p := range providers {
		g.Go(func() error {
			if err := p.Stop(); err != nil {
				return fmt.Errorf("stop %s: %w", p.Name(), err)
			}
			return nil
		})
	}
	stopErr := g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		stopErr = errors.Join(stopErr, errors.New("input: provider goroutines did not drain in time"))
	case <-ctx.Done():
		stopErr = errors.Join(stopErr, ctx.Err())
	}

	m.log.Info("input providers stopped", "count", len(providers))
	return stopErr
}
