// Package echo provides the replay decision provider: every message is
// answered with its own text. Useful for wiring tests and as the terminal
// fallback of the LLM decision chain.
package echo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/decision"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "echo"

// Provider replays message text as the response.
type Provider struct {
	prefix string

	mu  sync.RWMutex
	bus provider.EventBus
}

var _ decision.Provider = (*Provider)(nil)

// Factory builds the provider from its merged config table.
func Factory(cfg map[string]any, _ provider.Context) (decision.Provider, error) {
	opts := provider.Options(cfg)
	return &Provider{prefix: opts.String("prefix", "")}, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{"prefix": ""}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Start(_ context.Context, bus provider.EventBus) error {
	p.mu.Lock()
	p.bus = bus
	p.mu.Unlock()
	return nil
}

// Decide publishes one intent echoing msg.
func (p *Provider) Decide(ctx context.Context, msg vtuber.NormalizedMessage) {
	p.mu.RLock()
	bus := p.bus
	p.mu.RUnlock()
	if bus == nil {
		return
	}

	intent := vtuber.NewIntent(msg, p.prefix+msg.Text, vtuber.EmotionNeutral)
	payload := event.IntentPayload{Intent: intent, Provider: Name}
	if err := bus.Emit(ctx, payload, "decision:"+Name); err != nil {
		slog.Error("echo: intent publish failed", "error", err)
	}
}

func (p *Provider) Stop() error { return p.Cleanup() }

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	p.bus = nil
	p.mu.Unlock()
	return nil
}
