// Package subtitle provides the subtitle output provider: the intent's
// response text is published as an obs.send_text event for a streaming
// overlay (or an OBS bridge extension) to display.
package subtitle

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/output"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "subtitle"

// Provider renders intents as subtitle text events.
type Provider struct {
	bus         provider.EventBus
	maxChars    int
	baseSeconds float64
	perChar     float64
	timeout     time.Duration

	mu      sync.Mutex
	started bool
}

var _ output.Provider = (*Provider)(nil)

// Factory builds the provider from its merged config table.
func Factory(cfg map[string]any, pctx provider.Context) (output.Provider, error) {
	opts := provider.Options(cfg)
	return &Provider{
		bus:         pctx.Bus,
		maxChars:    opts.Int("max_chars", 120),
		baseSeconds: opts.Float("base_duration_seconds", 2),
		perChar:     opts.Float("per_char_seconds", 0.06),
		timeout:     opts.Seconds("render_timeout_seconds", 5*time.Second),
	}, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{
		"max_chars":              120,
		"base_duration_seconds":  2.0,
		"per_char_seconds":       0.06,
		"render_timeout_seconds": 5,
	}
}

func (p *Provider) Name() string       { return Name }
func (p *Provider) OutputType() string { return "subtitle" }

func (p *Provider) Start(context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

// Execute publishes the intent's response text, truncated to max_chars, with
// a display duration proportional to its length.
func (p *Provider) Execute(ctx context.Context, intent vtuber.Intent) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return fmt.Errorf("subtitle: provider not started")
	}
	if intent.ResponseText == "" {
		return nil
	}

	text := truncate(intent.ResponseText, p.maxChars)
	payload := event.OBSTextPayload{
		Text:     text,
		Duration: p.baseSeconds + p.perChar*float64(utf8.RuneCountInString(text)),
	}
	return p.bus.Emit(ctx, payload, "output:"+Name)
}

// truncate cuts s to max runes, appending an ellipsis when cut.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max == 1 {
		return string(runes[:1])
	}
	return string(runes[:max-1]) + "…"
}

func (p *Provider) RenderTimeout() time.Duration { return p.timeout }

func (p *Provider) Stop() error { return p.Cleanup() }

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
	return nil
}
