package decision_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vtuberkit/stagehand/internal/bus"
	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/decision"
	"github.com/vtuberkit/stagehand/internal/registry"
	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	decisionprov "github.com/vtuberkit/stagehand/pkg/provider/decision"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// ── fake provider ──

type fakeProvider struct {
	name     string
	startErr error

	bus     provider.EventBus
	decided atomic.Int64
	stopped atomic.Bool
}

var _ decisionprov.Provider = (*fakeProvider)(nil)

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Start(ctx context.Context, b provider.EventBus) error {
	if p.startErr != nil {
		return p.startErr
	}
	p.bus = b
	return nil
}

func (p *fakeProvider) Decide(ctx context.Context, msg vtuber.NormalizedMessage) {
	p.decided.Add(1)
	intent := vtuber.NewIntent(msg, "echo: "+msg.Text, vtuber.EmotionNeutral,
		vtuber.IntentAction{Type: vtuber.ActionBlink, Priority: 30})
	_ = p.bus.Emit(ctx, event.IntentPayload{Intent: intent, Provider: p.name}, p.name)
}

func (p *fakeProvider) Stop() error    { p.stopped.Store(true); return p.Cleanup() }
func (p *fakeProvider) Cleanup() error { return nil }

func register(reg *registry.Registry, p *fakeProvider) {
	reg.Decision.Register(p.name, func(cfg map[string]any, pctx provider.Context) (decisionprov.Provider, error) {
		return p, nil
	}, nil, "test")
}

func decisionConfig(active string, available ...string) *config.Service {
	list := make([]any, len(available))
	for i, name := range available {
		list[i] = name
	}
	return config.NewServiceFromTree(map[string]any{
		"providers": map[string]any{
			"decision": map[string]any{
				"active_provider":     active,
				"available_providers": list,
			},
		},
	})
}

func newManager(cfg *config.Service, reg *registry.Registry) (*decision.Manager, *bus.Bus) {
	b := bus.New(nil)
	return decision.NewManager(cfg, reg, b, bus.NewSurface(b), provider.Context{}), b
}

func message(text string) event.MessagePayload {
	return event.MessagePayload{
		Message: vtuber.NormalizedMessage{
			Text:       text,
			Source:     "test",
			DataType:   vtuber.DataTypeText,
			Importance: 0.5,
			Timestamp:  time.Now(),
		},
		Source:    "test",
		Timestamp: time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── tests ──

func TestSetupBridgesMessagesToProvider(t *testing.T) {
	reg := registry.New()
	p := &fakeProvider{name: "echo"}
	register(reg, p)

	m, b := newManager(decisionConfig("echo", "echo"), reg)

	var mu sync.Mutex
	var intents []event.IntentPayload
	_, err := bus.On(b, event.DecisionIntent, 50, func(ctx context.Context, payload event.IntentPayload, source string) error {
		mu.Lock()
		intents = append(intents, payload)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("On: %v", err)
	}

	if err := m.Setup(context.Background(), ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := m.ActiveProvider(); got != "echo" {
		t.Fatalf("ActiveProvider = %q", got)
	}

	if err := b.Emit(context.Background(), message("hello"), "test"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(intents) == 1
	}, "one published intent")
	mu.Lock()
	defer mu.Unlock()
	if intents[0].Intent.ResponseText != "echo: hello" || intents[0].Provider != "echo" {
		t.Fatalf("intent = %+v", intents[0])
	}
}

func TestSetupFailureLeavesNoProvider(t *testing.T) {
	reg := registry.New()
	register(reg, &fakeProvider{name: "llm", startErr: errors.New("backend down")})

	m, _ := newManager(decisionConfig("llm", "llm"), reg)
	err := m.Setup(context.Background(), "")
	if !errors.Is(err, decision.ErrConnect) {
		t.Fatalf("Setup = %v, want ErrConnect", err)
	}
	if got := m.ActiveProvider(); got != "" {
		t.Fatalf("ActiveProvider = %q, want none", got)
	}
}

func TestSwitchKeepsOldOnFailure(t *testing.T) {
	reg := registry.New()
	old := &fakeProvider{name: "echo"}
	register(reg, old)
	register(reg, &fakeProvider{name: "llm", startErr: errors.New("backend down")})

	m, _ := newManager(decisionConfig("echo", "echo", "llm"), reg)
	if err := m.Setup(context.Background(), ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if err := m.Switch(context.Background(), "llm"); !errors.Is(err, decision.ErrConnect) {
		t.Fatalf("Switch = %v, want ErrConnect", err)
	}
	if got := m.ActiveProvider(); got != "echo" {
		t.Fatalf("ActiveProvider = %q, want echo still active", got)
	}
	if old.stopped.Load() {
		t.Fatal("incumbent must not be stopped by a failed switch")
	}
}

func TestSwitchReplacesAndAnnounces(t *testing.T) {
	reg := registry.New()
	old := &fakeProvider{name: "echo"}
	next := &fakeProvider{name: "rule_engine"}
	register(reg, old)
	register(reg, next)

	m, b := newManager(decisionConfig("echo", "echo", "rule_engine"), reg)

	var mu sync.Mutex
	var connected []event.ProviderConnectedPayload
	if _, err := bus.On(b, event.ProviderConnected, 50, func(ctx context.Context, payload event.ProviderConnectedPayload, source string) error {
		mu.Lock()
		connected = append(connected, payload)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	if err := m.Setup(context.Background(), ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := m.Switch(context.Background(), "rule_engine"); err != nil {
		t.Fatalf("Switch: %v", err)
	}

	if got := m.ActiveProvider(); got != "rule_engine" {
		t.Fatalf("ActiveProvider = %q", got)
	}
	if !old.stopped.Load() {
		t.Fatal("previous provider must be stopped after a successful switch")
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connected) == 2
	}, "two connected events")
	mu.Lock()
	defer mu.Unlock()
	if connected[1].PreviousProvider != "echo" {
		t.Fatalf("connected[1] = %+v, want previous_provider echo", connected[1])
	}
}

func TestDecideWithoutProviderIsSilent(t *testing.T) {
	reg := registry.New()
	m, _ := newManager(decisionConfig("echo"), reg)
	m.Decide(context.Background(), message("nobody home")) // must not panic
}

func TestCleanupUnsubscribesAndStops(t *testing.T) {
	reg := registry.New()
	p := &fakeProvider{name: "echo"}
	register(reg, p)

	m, b := newManager(decisionConfig("echo", "echo"), reg)
	if err := m.Setup(context.Background(), ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !p.stopped.Load() {
		t.Fatal("provider must be stopped by Cleanup")
	}

	// Messages after cleanup must not reach the provider.
	before := p.decided.Load()
	if err := b.Emit(context.Background(), message("late"), "test", bus.WithWait()); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if p.decided.Load() != before {
		t.Fatal("provider received a message after Cleanup")
	}
}
