// Package keyword provides a trigger-style decision provider: each rule binds
// one keyword (exact, prefix, suffix, or contains matching) to a fixed
// IntentAction, with a per-rule cooldown so repeated triggers do not spam the
// avatar. Messages that trigger no rule produce no intent.
package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/decision"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "keyword"

// MatchMode selects how a rule's keyword is compared against message text.
type MatchMode string

const (
	MatchExact    MatchMode = "exact"
	MatchPrefix   MatchMode = "prefix"
	MatchSuffix   MatchMode = "suffix"
	MatchContains MatchMode = "contains"
)

type rule struct {
	keyword  string
	mode     MatchMode
	response string
	emotion  vtuber.Emotion
	action   vtuber.IntentAction
	cooldown time.Duration

	lastFired time.Time
}

func (r *rule) matches(text string) bool {
	switch r.mode {
	case MatchExact:
		return text == r.keyword
	case MatchPrefix:
		return strings.HasPrefix(text, r.keyword)
	case MatchSuffix:
		return strings.HasSuffix(text, r.keyword)
	default:
		return strings.Contains(text, r.keyword)
	}
}

// Provider fires configured actions on keyword triggers.
type Provider struct {
	mu    sync.Mutex
	rules []*rule
	bus   provider.EventBus
	now   func() time.Time
}

var _ decision.Provider = (*Provider)(nil)

// Factory builds the provider from its configured rule tables.
func Factory(cfg map[string]any, _ provider.Context) (decision.Provider, error) {
	opts := provider.Options(cfg)

	p := &Provider{now: time.Now}
	for i, table := range opts.Tables("rules") {
		r, err := compileRule(table)
		if err != nil {
			return nil, fmt.Errorf("keyword: rule %d: %w", i, err)
		}
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{"rules": []map[string]any{}}
}

func compileRule(table provider.Options) (*rule, error) {
	r := &rule{
		keyword:  strings.ToLower(table.String("keyword", "")),
		mode:     MatchMode(table.String("match", string(MatchContains))),
		response: table.String("response", ""),
		emotion:  vtuber.Emotion(table.String("emotion", string(vtuber.EmotionNeutral))),
		cooldown: table.Seconds("cooldown_seconds", 30*time.Second),
	}
	if r.keyword == "" {
		return nil, fmt.Errorf("keyword is required")
	}
	switch r.mode {
	case MatchExact, MatchPrefix, MatchSuffix, MatchContains:
	default:
		return nil, fmt.Errorf("match mode %q is invalid", r.mode)
	}
	if !r.emotion.IsValid() {
		r.emotion = vtuber.EmotionNeutral
	}

	actionTable, _ := table["action"].(map[string]any)
	actOpts := provider.Options(actionTable)
	r.action = vtuber.IntentAction{
		Type:     vtuber.ActionType(actOpts.String("type", string(vtuber.ActionNone))),
		Priority: actOpts.Int("priority", 50),
	}
	if !r.action.Type.IsValid() {
		r.action.Type = vtuber.ActionNone
	}
	return r, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Start(_ context.Context, bus provider.EventBus) error {
	p.mu.Lock()
	p.bus = bus
	p.mu.Unlock()
	return nil
}

// Decide fires the first matching rule that is off cooldown. A rule inside
// its cooldown window is skipped, letting lower rules trigger instead.
func (p *Provider) Decide(ctx context.Context, msg vtuber.NormalizedMessage) {
	p.mu.Lock()
	bus := p.bus
	var fired *rule
	if bus != nil {
		text := strings.ToLower(msg.Text)
		now := p.now()
		for _, r := range p.rules {
			if !r.matches(text) {
				continue
			}
			if r.cooldown > 0 && !r.lastFired.IsZero() && now.Sub(r.lastFired) < r.cooldown {
				continue
			}
			r.lastFired = now
			fired = r
			break
		}
	}
	p.mu.Unlock()

	if fired == nil {
		return
	}
	intent := vtuber.NewIntent(msg, fired.response, fired.emotion, fired.action)
	payload := event.IntentPayload{Intent: intent, Provider: Name}
	if err := bus.Emit(ctx, payload, "decision:"+Name); err != nil {
		slog.Error("keyword: intent publish failed", "error", err)
	}
}

func (p *Provider) Stop() error { return p.Cleanup() }

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	p.bus = nil
	p.mu.Unlock()
	return nil
}
