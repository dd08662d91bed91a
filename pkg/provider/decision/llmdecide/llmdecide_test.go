package llmdecide

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/memory"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/llm"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// recordingBus captures emitted payloads.
type recordingBus struct {
	mu       sync.Mutex
	payloads []event.Payload
}

func (b *recordingBus) Emit(_ context.Context, p event.Payload, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, p)
	return nil
}

func (b *recordingBus) EmitSync(ctx context.Context, p event.Payload, source string) error {
	return b.Emit(ctx, p, source)
}

func (b *recordingBus) intents(t *testing.T) []event.IntentPayload {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event.IntentPayload
	for _, p := range b.payloads {
		ip, ok := p.(event.IntentPayload)
		if !ok {
			t.Fatalf("non-intent payload emitted: %T", p)
		}
		out = append(out, ip)
	}
	return out
}

// fakeLLM scripts the Chat response.
type fakeLLM struct {
	content string
	failErr string // sets Response.Error when non-empty
	err     error  // hard Go error (caller mistake)
	calls   int
	lastReq llm.Request
}

func (f *fakeLLM) Chat(_ context.Context, _ string, req llm.Request) (llm.Response, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return llm.Response{}, f.err
	}
	if f.failErr != "" {
		return llm.Response{Success: false, Error: f.failErr}, nil
	}
	return llm.Response{Success: true, Content: f.content}, nil
}

func (f *fakeLLM) StreamChat(context.Context, string, llm.Request) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Vision(context.Context, string, string, []llm.Image) (llm.Response, error) {
	return llm.Response{}, errors.New("not supported")
}

func (f *fakeLLM) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeLLM) HasClient(string) bool { return true }

func testMessage(text string) vtuber.NormalizedMessage {
	return vtuber.NormalizedMessage{
		Text:       text,
		Source:     "test_input",
		DataType:   vtuber.DataTypeText,
		Importance: 0.5,
		Metadata:   map[string]string{"user_id": "u1", "user_nickname": "ann"},
	}
}

func newProvider(t *testing.T, backend llm.Service, cfg map[string]any) (*Provider, *recordingBus) {
	t.Helper()
	if cfg == nil {
		cfg = map[string]any{}
	}
	pctx := provider.Context{LLM: backend, Memory: memory.NewMemStore(50)}
	raw, err := Factory(cfg, pctx)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	p := raw.(*Provider)
	bus := &recordingBus{}
	if err := p.Start(context.Background(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, bus
}

func TestDecidePublishesParsedIntent(t *testing.T) {
	backend := &fakeLLM{content: `{"response_text": "hi ann!", "emotion": "happy", "actions": [{"type": "wave", "priority": 60}]}`}
	p, bus := newProvider(t, backend, nil)

	p.Decide(context.Background(), testMessage("hello!"))

	intents := bus.intents(t)
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want exactly 1", len(intents))
	}
	got := intents[0].Intent
	if got.ResponseText != "hi ann!" || got.Emotion != vtuber.EmotionHappy {
		t.Fatalf("intent = %+v", got)
	}
	if len(got.Actions) != 1 || got.Actions[0].Type != vtuber.ActionWave {
		t.Fatalf("actions = %+v", got.Actions)
	}
	if got.SourceContext.UserID != "u1" {
		t.Fatalf("source context = %+v", got.SourceContext)
	}
}

func TestBackendFailureFallsBackToRules(t *testing.T) {
	cfg := map[string]any{
		"rules": []map[string]any{
			{"keywords": []any{"hello"}, "response": "rule says hi", "emotion": "happy"},
		},
	}
	p, bus := newProvider(t, &fakeLLM{failErr: "upstream 503"}, cfg)

	p.Decide(context.Background(), testMessage("hello there"))

	intents := bus.intents(t)
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want exactly 1", len(intents))
	}
	if intents[0].Intent.ResponseText != "rule says hi" {
		t.Fatalf("fallback intent = %+v", intents[0].Intent)
	}
}

func TestMalformedReplyFallsThroughToEcho(t *testing.T) {
	// No rules configured: the rule engine still answers with its fallback
	// response, so give it none and let it produce its default line.
	p, bus := newProvider(t, &fakeLLM{content: "I cannot answer in JSON, sorry."}, map[string]any{
		"fallback_response": "let me get back to you",
	})

	p.Decide(context.Background(), testMessage("what is this"))

	intents := bus.intents(t)
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want exactly 1", len(intents))
	}
	if intents[0].Intent.ResponseText != "let me get back to you" {
		t.Fatalf("intent = %+v", intents[0].Intent)
	}
}

func TestDecideRecordsHistory(t *testing.T) {
	store := memory.NewMemStore(50)
	pctx := provider.Context{LLM: &fakeLLM{content: `{"response_text": "sure thing"}`}, Memory: store}
	raw, err := Factory(map[string]any{}, pctx)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	p := raw.(*Provider)
	bus := &recordingBus{}
	if err := p.Start(context.Background(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Decide(context.Background(), testMessage("remember this"))

	entries, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want user+assistant", len(entries))
	}
	if entries[0].Role != memory.RoleUser || entries[0].Text != "remember this" {
		t.Fatalf("user entry = %+v", entries[0])
	}
	if entries[1].Role != memory.RoleAssistant || entries[1].Text != "sure thing" {
		t.Fatalf("assistant entry = %+v", entries[1])
	}
}

// semanticStore pairs the ring store with a scriptable vector index.
type semanticStore struct {
	*memory.MemStore
	mu      sync.Mutex
	indexed []memory.Entry
	results []memory.Entry
}

func (s *semanticStore) Index(_ context.Context, e memory.Entry, _ []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed = append(s.indexed, e)
	return nil
}

func (s *semanticStore) Search(context.Context, []float32, int) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results, nil
}

func TestDecideIndexesAndRecallsExchanges(t *testing.T) {
	store := &semanticStore{MemStore: memory.NewMemStore(50)}
	backend := &fakeLLM{content: `{"response_text": "gladly"}`}
	pctx := provider.Context{LLM: backend, Memory: store}
	raw, err := Factory(map[string]any{}, pctx)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	p := raw.(*Provider)
	bus := &recordingBus{}
	if err := p.Start(context.Background(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Decide(context.Background(), testMessage("do you like cats"))

	store.mu.Lock()
	indexed := len(store.indexed)
	store.mu.Unlock()
	if indexed != 2 {
		t.Fatalf("indexed entries = %d, want user+assistant", indexed)
	}

	// A later message folds the index's nearest exchanges into the prompt.
	store.mu.Lock()
	store.results = []memory.Entry{{Role: memory.RoleUser, Text: "do you like cats"}}
	store.mu.Unlock()

	p.Decide(context.Background(), testMessage("what about dogs"))

	if !strings.Contains(backend.lastReq.SystemPrompt, "Relevant past exchanges:") ||
		!strings.Contains(backend.lastReq.SystemPrompt, "do you like cats") {
		t.Fatalf("system prompt missing recalled exchange:\n%s", backend.lastReq.SystemPrompt)
	}
}

func TestFactoryRejectsUnknownClient(t *testing.T) {
	backend := &missingClientLLM{}
	if _, err := Factory(map[string]any{"client": "vlm"}, provider.Context{LLM: backend}); err == nil {
		t.Fatal("unknown client must fail construction")
	}
	if _, err := Factory(map[string]any{}, provider.Context{}); err == nil {
		t.Fatal("nil LLM service must fail construction")
	}
}

type missingClientLLM struct{ fakeLLM }

func (m *missingClientLLM) HasClient(string) bool { return false }

func TestRepairJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose wrapped", `Sure! Here you go: {"a": 1} hope that helps`, `{"a": 1}`},
		{"trailing commas", `{"a": [1, 2,], "b": {"c": 3,},}`, `{"a": [1, 2], "b": {"c": 3}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := repairJSON(tc.in)
			if err != nil {
				t.Fatalf("repairJSON: %v", err)
			}
			if got != tc.want {
				t.Fatalf("repaired = %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := repairJSON("no json here"); err == nil {
		t.Fatal("missing object must error")
	}
}

func TestParseReplyCoercions(t *testing.T) {
	msg := testMessage("hi")

	intent, err := parseReply(`{"response_text": "ok", "emotion": "vibing", "actions": [{"type": "teleport", "priority": 400}]}`, msg)
	if err != nil {
		t.Fatalf("parseReply: %v", err)
	}
	if intent.Emotion != vtuber.EmotionNeutral {
		t.Fatalf("emotion = %q, want coerced neutral", intent.Emotion)
	}
	if intent.Actions[0].Type != vtuber.ActionNone || intent.Actions[0].Priority != 100 {
		t.Fatalf("action = %+v, want coerced none/100", intent.Actions[0])
	}

	intent, err = parseReply(`{"response_text": "ok"}`, msg)
	if err != nil {
		t.Fatalf("parseReply: %v", err)
	}
	if len(intent.Actions) != 1 || intent.Actions[0].Type != vtuber.ActionBlink || intent.Actions[0].Priority != 30 {
		t.Fatalf("default actions = %+v, want single blink@30", intent.Actions)
	}
	if !intent.Valid() {
		t.Fatalf("intent invalid: %+v", intent)
	}

	if _, err := parseReply(`{"emotion": "happy"}`, msg); err == nil || !strings.Contains(err.Error(), "response_text") {
		t.Fatalf("missing response_text: err = %v", err)
	}
}
