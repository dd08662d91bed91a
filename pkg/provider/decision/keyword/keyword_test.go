package keyword

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

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

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

func msg(text string) vtuber.NormalizedMessage {
	return vtuber.NormalizedMessage{
		Text:       text,
		Source:     "test_input",
		DataType:   vtuber.DataTypeText,
		Importance: 0.5,
	}
}

func build(t *testing.T, cfg map[string]any) (*Provider, *recordingBus) {
	t.Helper()
	raw, err := Factory(cfg, provider.Context{})
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

func TestTriggerEmitsConfiguredAction(t *testing.T) {
	p, bus := build(t, map[string]any{
		"rules": []map[string]any{{
			"keyword":  "dance",
			"match":    "contains",
			"response": "let's dance!",
			"emotion":  "excited",
			"action":   map[string]any{"type": "motion", "priority": int64(80)},
		}},
	})

	p.Decide(context.Background(), msg("please DANCE for us"))

	if bus.count() != 1 {
		t.Fatalf("payloads = %d, want 1", bus.count())
	}
	ip := bus.payloads[0].(event.IntentPayload)
	if ip.Intent.ResponseText != "let's dance!" || ip.Intent.Emotion != vtuber.EmotionExcited {
		t.Fatalf("intent = %+v", ip.Intent)
	}
	if len(ip.Intent.Actions) != 1 || ip.Intent.Actions[0].Type != vtuber.ActionMotion || ip.Intent.Actions[0].Priority != 80 {
		t.Fatalf("actions = %+v", ip.Intent.Actions)
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	p, bus := build(t, map[string]any{
		"rules": []map[string]any{{
			"keyword":          "wave",
			"cooldown_seconds": int64(30),
			"action":           map[string]any{"type": "wave"},
		}},
	})

	base := time.Now()
	p.now = func() time.Time { return base }
	p.Decide(context.Background(), msg("wave please"))
	p.Decide(context.Background(), msg("wave again"))
	if bus.count() != 1 {
		t.Fatalf("payloads = %d, want cooldown to suppress the repeat", bus.count())
	}

	p.now = func() time.Time { return base.Add(31 * time.Second) }
	p.Decide(context.Background(), msg("wave once more"))
	if bus.count() != 2 {
		t.Fatalf("payloads = %d, want trigger after cooldown", bus.count())
	}
}

func TestMatchModes(t *testing.T) {
	cases := []struct {
		mode  string
		text  string
		fires bool
	}{
		{"exact", "hello", true},
		{"exact", "hello there", false},
		{"prefix", "hello there", true},
		{"prefix", "well hello", false},
		{"suffix", "well hello", true},
		{"suffix", "hello there", false},
		{"contains", "well hello there", true},
	}
	for _, tc := range cases {
		t.Run(tc.mode+"/"+tc.text, func(t *testing.T) {
			p, bus := build(t, map[string]any{
				"rules": []map[string]any{{
					"keyword":          "hello",
					"match":            tc.mode,
					"cooldown_seconds": int64(0),
				}},
			})
			p.Decide(context.Background(), msg(tc.text))
			if fired := bus.count() == 1; fired != tc.fires {
				t.Fatalf("fired = %v, want %v", fired, tc.fires)
			}
		})
	}
}

func TestNoMatchStaysSilent(t *testing.T) {
	p, bus := build(t, map[string]any{
		"rules": []map[string]any{{"keyword": "dance", "action": map[string]any{"type": "motion"}}},
	})

	p.Decide(context.Background(), msg("nothing relevant"))
	if bus.count() != 0 {
		t.Fatalf("payloads = %d, want silence on no trigger", bus.count())
	}
}

func TestFactoryValidation(t *testing.T) {
	if _, err := Factory(map[string]any{
		"rules": []map[string]any{{"match": "contains"}},
	}, provider.Context{}); err == nil {
		t.Fatal("rule without keyword must fail")
	}
	if _, err := Factory(map[string]any{
		"rules": []map[string]any{{"keyword": "x", "match": "fuzzy"}},
	}, provider.Context{}); err == nil {
		t.Fatal("unknown match mode must fail")
	}
}
