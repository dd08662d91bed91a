package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vtuberkit/stagehand/internal/resilience"
	llmspec "github.com/vtuberkit/stagehand/pkg/provider/llm"
)

// fakeBackend scripts per-call outcomes.
type fakeBackend struct {
	failures int // complete fails this many times before succeeding
	content  string

	calls int
}

func (f *fakeBackend) complete(ctx context.Context, req llmspec.Request) (llmspec.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return llmspec.Response{}, errors.New("upstream 503")
	}
	return llmspec.Response{Content: f.content, Usage: llmspec.Usage{TotalTokens: 7}}, nil
}

func (f *fakeBackend) stream(ctx context.Context, req llmspec.Request) (<-chan string, error) {
	ch := make(chan string, 3)
	ch <- "hel"
	ch <- "lo"
	close(ch)
	return ch, nil
}

func (f *fakeBackend) vision(ctx context.Context, prompt string, images []llmspec.Image) (llmspec.Response, error) {
	return llmspec.Response{Content: "a cat on a keyboard"}, nil
}

func (f *fakeBackend) embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 0, 0}
	}
	return out, nil
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond}
}

func TestChatSuccess(t *testing.T) {
	m := newManagerWithBackends(fastRetry(1), map[string]completer{
		"llm": &fakeBackend{content: "hi there"},
	})

	resp, err := m.Chat(context.Background(), "llm", llmspec.Request{
		Messages: []llmspec.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !resp.Success || resp.Content != "hi there" || resp.Usage.TotalTokens != 7 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestChatRetriesTransientFailures(t *testing.T) {
	b := &fakeBackend{failures: 2, content: "eventually"}
	m := newManagerWithBackends(fastRetry(3), map[string]completer{"llm": b})

	resp, err := m.Chat(context.Background(), "llm", llmspec.Request{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !resp.Success || resp.Content != "eventually" {
		t.Fatalf("resp = %+v", resp)
	}
	if b.calls != 3 {
		t.Fatalf("calls = %d, want 3", b.calls)
	}
}

func TestChatFailureIsDataNotError(t *testing.T) {
	m := newManagerWithBackends(fastRetry(2), map[string]completer{
		"llm": &fakeBackend{failures: 99},
	})

	resp, err := m.Chat(context.Background(), "llm", llmspec.Request{})
	if err != nil {
		t.Fatalf("backend failure must not surface as a Go error, got %v", err)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("resp = %+v, want Success=false with Error set", resp)
	}
}

func TestChatUnknownClient(t *testing.T) {
	m := newManagerWithBackends(fastRetry(1), map[string]completer{"llm": &fakeBackend{}})

	_, err := m.Chat(context.Background(), "vlm", llmspec.Request{})
	if !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("err = %v, want ErrUnknownClient", err)
	}
}

func TestStreamChatDelivers(t *testing.T) {
	m := newManagerWithBackends(fastRetry(1), map[string]completer{"llm": &fakeBackend{}})

	ch, err := m.StreamChat(context.Background(), "llm", llmspec.Request{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	var got string
	for frag := range ch {
		got += frag
	}
	if got != "hello" {
		t.Fatalf("streamed = %q, want hello", got)
	}
}

func TestHasClient(t *testing.T) {
	m := newManagerWithBackends(fastRetry(1), map[string]completer{"llm_fast": &fakeBackend{}})
	if !m.HasClient("llm_fast") || m.HasClient("llm") {
		t.Fatal("HasClient misreports pool membership")
	}
}

func TestEmbedReturnsVectorPerText(t *testing.T) {
	m := newManagerWithBackends(fastRetry(1), map[string]completer{"llm": &fakeBackend{}})

	vecs, err := m.Embed(context.Background(), "llm", []string{"hi", "hello"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 2 || vecs[1][0] != 5 {
		t.Fatalf("vecs = %v", vecs)
	}

	if vecs, err := m.Embed(context.Background(), "llm", nil); err != nil || vecs != nil {
		t.Fatalf("empty input: vecs=%v err=%v, want nil/nil", vecs, err)
	}
	if _, err := m.Embed(context.Background(), "vlm", []string{"x"}); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("err = %v, want ErrUnknownClient", err)
	}
}

func TestVision(t *testing.T) {
	m := newManagerWithBackends(fastRetry(1), map[string]completer{"vlm": &fakeBackend{}})

	resp, err := m.Vision(context.Background(), "vlm", "what is on screen?", []llmspec.Image{{URL: "https://example.com/x.png"}})
	if err != nil {
		t.Fatalf("Vision: %v", err)
	}
	if !resp.Success || resp.Content != "a cat on a keyboard" {
		t.Fatalf("resp = %+v", resp)
	}
}
