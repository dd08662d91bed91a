// Package llmdecide provides the LLM-backed decision provider. Each message
// is answered by the configured LLM client using recent conversation history
// and a prompt template; the model's JSON reply is repaired and parsed into
// an intent. When the memory store carries a semantic index, past exchanges
// similar to the message are recalled into the prompt and every new exchange
// is embedded and indexed. Backend failures degrade through a breaker-guarded
// fallback chain (rule engine, then echo) so the pipeline never stalls on an
// outage.
package llmdecide

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vtuberkit/stagehand/internal/resilience"
	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/memory"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/decision"
	"github.com/vtuberkit/stagehand/pkg/provider/decision/ruleengine"
	"github.com/vtuberkit/stagehand/pkg/provider/llm"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "llm"

// responder is one strategy in the fallback chain.
type responder func(ctx context.Context, msg vtuber.NormalizedMessage) (vtuber.Intent, error)

// Provider answers messages through the LLM pool with graceful degradation.
type Provider struct {
	llm          llm.Service
	prompts      provider.PromptService
	store        memory.Store
	index        memory.SemanticIndex // nil when the store cannot search
	client       string
	embedClient  string
	template     string
	agentName    string
	historyLimit int
	recallLimit  int
	temperature  float64

	chain *resilience.Chain[responder]

	mu  sync.RWMutex
	bus provider.EventBus
}

var _ decision.Provider = (*Provider)(nil)

// Factory builds the provider and its fallback chain. Requires the LLM pool;
// prompt and memory services are optional (degraded prompts without them).
func Factory(cfg map[string]any, pctx provider.Context) (decision.Provider, error) {
	if pctx.LLM == nil {
		return nil, fmt.Errorf("llm decider: no LLM clients configured")
	}
	opts := provider.Options(cfg)

	p := &Provider{
		llm:          pctx.LLM,
		prompts:      pctx.Prompts,
		store:        pctx.Memory,
		client:       opts.String("client", "llm"),
		template:     opts.String("prompt_template", "persona"),
		agentName:    opts.String("agent_name", "Stagehand"),
		historyLimit: opts.Int("history_limit", 20),
		recallLimit:  opts.Int("recall_limit", 3),
		temperature:  opts.Float("temperature", 0.7),
	}
	p.embedClient = opts.String("embedding_client", p.client)
	if !pctx.LLM.HasClient(p.client) {
		return nil, fmt.Errorf("llm decider: client %q is not configured", p.client)
	}
	if idx, ok := pctx.Memory.(memory.SemanticIndex); ok {
		p.index = idx
	}

	rules, err := ruleengine.Factory(cfg, pctx)
	if err != nil {
		return nil, fmt.Errorf("llm decider: fallback rules: %w", err)
	}

	p.chain = resilience.NewChain[responder](resilience.BreakerConfig{
		Threshold:   opts.Int("breaker_threshold", 5),
		Cooldown:    opts.Seconds("breaker_cooldown_seconds", 30*time.Second),
		ProbeBudget: 3,
	})
	p.chain.Add("llm", p.respondLLM)
	p.chain.Add("rule_engine", func(_ context.Context, msg vtuber.NormalizedMessage) (vtuber.Intent, error) {
		return rules.(*ruleengine.Provider).Evaluate(msg), nil
	})
	p.chain.Add("echo", func(_ context.Context, msg vtuber.NormalizedMessage) (vtuber.Intent, error) {
		return vtuber.NewIntent(msg, msg.Text, vtuber.EmotionNeutral), nil
	})

	return p, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{
		"client":           "llm",
		"embedding_client": "llm",
		"prompt_template":  "persona",
		"agent_name":       "Stagehand",
		"history_limit":    20,
		"recall_limit":     3,
		"temperature":      0.7,
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Start(_ context.Context, bus provider.EventBus) error {
	p.mu.Lock()
	p.bus = bus
	p.mu.Unlock()
	return nil
}

// Decide publishes exactly one intent for msg: the LLM's reply when the
// backend cooperates, a fallback link's intent otherwise. Never raises for
// backend failures.
func (p *Provider) Decide(ctx context.Context, msg vtuber.NormalizedMessage) {
	p.mu.RLock()
	bus := p.bus
	p.mu.RUnlock()
	if bus == nil {
		return
	}

	intent, err := resilience.RunValue(p.chain, func(_ string, r responder) (vtuber.Intent, error) {
		return r(ctx, msg)
	})
	if err != nil {
		// Echo cannot fail, so this only happens when every breaker is open.
		slog.Error("llm decider: fallback chain exhausted", "error", err)
		intent = vtuber.NewIntent(msg, msg.Text, vtuber.EmotionNeutral)
	}

	payload := event.IntentPayload{Intent: intent, Provider: Name}
	if err := bus.Emit(ctx, payload, "decision:"+Name); err != nil {
		slog.Error("llm decider: intent publish failed", "error", err)
		return
	}
	p.remember(ctx, msg, intent)
}

// respondLLM is the chain's primary link.
func (p *Provider) respondLLM(ctx context.Context, msg vtuber.NormalizedMessage) (vtuber.Intent, error) {
	system := p.systemPrompt(msg)
	if recalled := p.recall(ctx, msg.Text); recalled != "" {
		system += "\n\nRelevant past exchanges:\n" + recalled
	}

	req := llm.Request{
		SystemPrompt: system,
		Messages:     append(p.history(ctx), llm.Message{Role: "user", Content: msg.Text}),
		Temperature:  p.temperature,
	}

	resp, err := p.llm.Chat(ctx, p.client, req)
	if err != nil {
		return vtuber.Intent{}, err
	}
	if !resp.Success {
		return vtuber.Intent{}, fmt.Errorf("llm decider: backend failed: %s", resp.Error)
	}
	return parseReply(resp.Content, msg)
}

// systemPrompt renders the configured template; with no prompt service a
// minimal built-in instruction keeps the provider functional.
func (p *Provider) systemPrompt(msg vtuber.NormalizedMessage) string {
	vars := map[string]any{
		"agent_name": p.agentName,
		"message":    msg.Text,
		"user":       msg.Metadata["user_nickname"],
	}
	if p.prompts != nil {
		if rendered := p.prompts.RenderSafe(p.template, vars); rendered != "" {
			return rendered
		}
	}
	return fmt.Sprintf(`You are %s, a live streamer. Reply to chat with a JSON object: `+
		`{"response_text": "...", "emotion": "neutral", "actions": []}`, p.agentName)
}

// history converts recent memory entries into chat turns.
func (p *Provider) history(ctx context.Context) []llm.Message {
	if p.store == nil || p.historyLimit <= 0 {
		return nil
	}
	entries, err := p.store.Recent(ctx, p.historyLimit)
	if err != nil {
		slog.Warn("llm decider: history unavailable", "error", err)
		return nil
	}
	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		role := "assistant"
		if e.Role == memory.RoleUser {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: e.Text})
	}
	return out
}

// recall searches the semantic index for exchanges similar to text and
// formats them as prompt lines. Any failure disables recall for this call
// only; the decision proceeds without it.
func (p *Provider) recall(ctx context.Context, text string) string {
	if p.index == nil || p.recallLimit <= 0 {
		return ""
	}
	vecs, err := p.llm.Embed(ctx, p.embedClient, []string{text})
	if err != nil || len(vecs) == 0 {
		if err != nil {
			slog.Debug("llm decider: recall embedding unavailable", "error", err)
		}
		return ""
	}
	entries, err := p.index.Search(ctx, vecs[0], p.recallLimit)
	if err != nil {
		slog.Warn("llm decider: semantic search failed", "error", err)
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", e.Role, e.Text)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// remember records the exchange for future prompts and, when the store can
// search, embeds it into the semantic index.
func (p *Provider) remember(ctx context.Context, msg vtuber.NormalizedMessage, intent vtuber.Intent) {
	if p.store == nil {
		return
	}
	now := time.Now()
	all := []memory.Entry{
		{Role: memory.RoleUser, UserID: msg.UserID(), Text: msg.Text, Source: msg.Source, Timestamp: now},
		{Role: memory.RoleAssistant, Text: intent.ResponseText, Timestamp: now},
	}
	entries := all[:0]
	for _, e := range all {
		if strings.TrimSpace(e.Text) != "" {
			entries = append(entries, e)
		}
	}
	for _, e := range entries {
		if err := p.store.Append(ctx, e); err != nil {
			slog.Warn("llm decider: memory write failed", "error", err)
			return
		}
	}
	p.indexExchange(ctx, entries)
}

// indexExchange embeds entries and writes them to the semantic index so later
// prompts can recall them. Failures are logged only.
func (p *Provider) indexExchange(ctx context.Context, entries []memory.Entry) {
	if p.index == nil || len(entries) == 0 {
		return
	}
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}
	vecs, err := p.llm.Embed(ctx, p.embedClient, texts)
	if err != nil {
		slog.Debug("llm decider: exchange embedding unavailable", "error", err)
		return
	}
	if len(vecs) != len(entries) {
		slog.Warn("llm decider: embedding count mismatch", "got", len(vecs), "want", len(entries))
		return
	}
	for i, e := range entries {
		if err := p.index.Index(ctx, e, vecs[i]); err != nil {
			slog.Warn("llm decider: semantic index write failed", "error", err)
			return
		}
	}
}

func (p *Provider) Stop() error { return p.Cleanup() }

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	p.bus = nil
	p.mu.Unlock()
	return nil
}
