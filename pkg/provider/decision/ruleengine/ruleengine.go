// Package ruleengine provides a declarative decision provider: ordered rules
// matching messages by keyword or regular expression, each synthesizing a
// fixed response. The highest-priority matching rule wins.
package ruleengine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/decision"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "rule_engine"

// Rule is one compiled matching rule.
type Rule struct {
	Keywords []string
	Pattern  *regexp.Regexp
	Response string
	Emotion  vtuber.Emotion
	Priority int
	Actions  []vtuber.IntentAction
}

// matches reports whether text (lowercased) triggers the rule.
func (r Rule) matches(text string) bool {
	for _, kw := range r.Keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return r.Pattern != nil && r.Pattern.MatchString(text)
}

// Provider evaluates the rule list per message.
type Provider struct {
	rules    []Rule // sorted by descending priority
	fallback string

	mu  sync.RWMutex
	bus provider.EventBus
}

var _ decision.Provider = (*Provider)(nil)

// Factory builds the provider, compiling the configured rule tables.
func Factory(cfg map[string]any, _ provider.Context) (decision.Provider, error) {
	opts := provider.Options(cfg)

	var rules []Rule
	for i, table := range opts.Tables("rules") {
		rule, err := compileRule(table)
		if err != nil {
			return nil, fmt.Errorf("rule_engine: rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	return &Provider{
		rules:    rules,
		fallback: opts.String("fallback_response", "Hmm, let me think about that."),
	}, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{
		"fallback_response": "Hmm, let me think about that.",
		"rules":             []map[string]any{},
	}
}

func compileRule(table provider.Options) (Rule, error) {
	rule := Rule{
		Keywords: table.Strings("keywords"),
		Response: table.String("response", ""),
		Emotion:  vtuber.Emotion(table.String("emotion", string(vtuber.EmotionNeutral))),
		Priority: table.Int("priority", 0),
	}
	if rule.Response == "" {
		return Rule{}, fmt.Errorf("response is required")
	}
	if pattern := table.String("pattern", ""); pattern != "" {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		rule.Pattern = re
	}
	if len(rule.Keywords) == 0 && rule.Pattern == nil {
		return Rule{}, fmt.Errorf("needs keywords or a pattern")
	}
	if !rule.Emotion.IsValid() {
		rule.Emotion = vtuber.EmotionNeutral
	}
	for _, at := range table.Tables("actions") {
		action := vtuber.IntentAction{
			Type:     vtuber.ActionType(at.String("type", string(vtuber.ActionNone))),
			Priority: at.Int("priority", 50),
		}
		if !action.Type.IsValid() {
			action.Type = vtuber.ActionNone
		}
		rule.Actions = append(rule.Actions, action)
	}
	return rule, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Start(_ context.Context, bus provider.EventBus) error {
	p.mu.Lock()
	p.bus = bus
	p.mu.Unlock()
	return nil
}

// Decide evaluates the rules and publishes exactly one intent: the best
// match's response, or the fallback response when nothing matches.
func (p *Provider) Decide(ctx context.Context, msg vtuber.NormalizedMessage) {
	p.mu.RLock()
	bus := p.bus
	p.mu.RUnlock()
	if bus == nil {
		return
	}

	intent := p.Evaluate(msg)
	payload := event.IntentPayload{Intent: intent, Provider: Name}
	if err := bus.Emit(ctx, payload, "decision:"+Name); err != nil {
		slog.Error("rule_engine: intent publish failed", "error", err)
	}
}

// Evaluate returns the intent the rules produce for msg without publishing
// it. The LLM decision chain calls this directly as its fallback link.
func (p *Provider) Evaluate(msg vtuber.NormalizedMessage) vtuber.Intent {
	text := strings.ToLower(msg.Text)
	for _, rule := range p.rules {
		if rule.matches(text) {
			return vtuber.NewIntent(msg, rule.Response, rule.Emotion, rule.Actions...)
		}
	}
	return vtuber.NewIntent(msg, p.fallback, vtuber.EmotionNeutral)
}

func (p *Provider) Stop() error { return p.Cleanup() }

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	p.bus = nil
	p.mu.Unlock()
	return nil
}
