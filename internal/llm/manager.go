// Package llm implements the unified LLM client pool behind the
// [llmspec.Service] contract. Clients are declared in [llm.clients.<name>]
// config tables and resolved per call by name, so callers pick a
// latency/quality tier ("llm", "llm_fast", "vlm") without knowing the backend.
//
// Chat and streaming run through github.com/mozilla-ai/any-llm-go; vision and
// embeddings run through the OpenAI SDK directly because any-llm-go's chat
// surface is text-only. Transient failures are retried with exponential
// backoff per the [llm.retry] table.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/resilience"
	llmspec "github.com/vtuberkit/stagehand/pkg/provider/llm"
)

// ErrUnknownClient is returned when no client is configured under a name.
var ErrUnknownClient = errors.New("llm: unknown client")

// completer is the narrow backend surface one client needs. Production
// clients wrap any-llm-go ([newAnyLLMBackend]); tests substitute fakes.
type completer interface {
	complete(ctx context.Context, req llmspec.Request) (llmspec.Response, error)
	stream(ctx context.Context, req llmspec.Request) (<-chan string, error)
	vision(ctx context.Context, prompt string, images []llmspec.Image) (llmspec.Response, error)
	embed(ctx context.Context, texts []string) ([][]float32, error)
}

type client struct {
	name    string
	model   string
	backend completer
}

// Manager is the named client pool. Safe for concurrent use; the pool is
// immutable after construction.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*client
	retry   resilience.RetryConfig
	log     *slog.Logger
}

var _ llmspec.Service = (*Manager)(nil)

// NewManager builds the pool from the [llm.clients.*] and [llm.retry]
// sections. A client whose backend cannot be constructed is skipped with a
// log line; an empty pool is valid (HasClient simply reports false).
func NewManager(cfg *config.Service) *Manager {
	m := &Manager{
		clients: make(map[string]*client),
		retry:   retryFromConfig(cfg.GetSection("llm.retry")),
		log:     slog.Default().With("component", "llm_manager"),
	}

	for name, table := range clientTables(cfg.GetSection("llm.clients")) {
		backend, model, err := newAnyLLMBackend(table)
		if err != nil {
			m.log.Warn("skipping llm client", "client", name, "error", err)
			continue
		}
		m.clients[name] = &client{name: name, model: model, backend: backend}
		m.log.Info("llm client ready", "client", name, "model", model)
	}
	return m
}

// newManagerWithBackends is the test constructor.
func newManagerWithBackends(retry resilience.RetryConfig, backends map[string]completer) *Manager {
	m := &Manager{
		clients: make(map[string]*client),
		retry:   retry,
		log:     slog.Default().With("component", "llm_manager"),
	}
	for name, b := range backends {
		m.clients[name] = &client{name: name, backend: b}
	}
	return m
}

// Chat sends req to the named client, retrying transient failures. Backend
// failure after retries is reported inside the Response; the returned error
// is non-nil only for an unknown client or an ended context.
func (m *Manager) Chat(ctx context.Context, clientName string, req llmspec.Request) (llmspec.Response, error) {
	c, err := m.client(clientName)
	if err != nil {
		return llmspec.Response{}, err
	}

	resp, err := resilience.RetryValue(ctx, m.retry, func(attempt int) (llmspec.Response, error) {
		if attempt > 1 {
			m.log.Debug("retrying chat", "client", clientName, "attempt", attempt)
		}
		return c.backend.complete(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return llmspec.Response{}, ctx.Err()
		}
		return llmspec.Response{Success: false, Error: err.Error(), Model: c.model}, nil
	}
	resp.Success = true
	if resp.Model == "" {
		resp.Model = c.model
	}
	return resp, nil
}

// StreamChat sends req and returns a channel of text fragments. Streams are
// not retried; a mid-stream failure simply ends the channel after a warning.
func (m *Manager) StreamChat(ctx context.Context, clientName string, req llmspec.Request) (<-chan string, error) {
	c, err := m.client(clientName)
	if err != nil {
		return nil, err
	}
	return c.backend.stream(ctx, req)
}

// Vision sends a prompt with images to the named client.
func (m *Manager) Vision(ctx context.Context, clientName string, prompt string, images []llmspec.Image) (llmspec.Response, error) {
	c, err := m.client(clientName)
	if err != nil {
		return llmspec.Response{}, err
	}

	resp, err := resilience.RetryValue(ctx, m.retry, func(int) (llmspec.Response, error) {
		return c.backend.vision(ctx, prompt, images)
	})
	if err != nil {
		if ctx.Err() != nil {
			return llmspec.Response{}, ctx.Err()
		}
		return llmspec.Response{Success: false, Error: err.Error(), Model: c.model}, nil
	}
	resp.Success = true
	if resp.Model == "" {
		resp.Model = c.model
	}
	return resp, nil
}

// Embed computes one embedding per input text through the named client,
// retrying transient failures. Errors are returned directly: an unavailable
// embedding backend means the caller skips semantic recall, it is never
// treated as response data.
func (m *Manager) Embed(ctx context.Context, clientName string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	c, err := m.client(clientName)
	if err != nil {
		return nil, err
	}
	return resilience.RetryValue(ctx, m.retry, func(int) ([][]float32, error) {
		return c.backend.embed(ctx, texts)
	})
}

// HasClient reports whether name is configured.
func (m *Manager) HasClient(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[name]
	return ok
}

func (m *Manager) client(name string) (*client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	if !ok {
		names := make([]string, 0, len(m.clients))
		for n := range m.clients {
			names = append(names, n)
		}
		return nil, fmt.Errorf("%w: %q (configured: %v)", ErrUnknownClient, name, names)
	}
	return c, nil
}

// clientTables filters the llm.clients section down to its sub-tables.
func clientTables(section map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(section))
	for name, v := range section {
		if table, ok := v.(map[string]any); ok {
			out[name] = table
		}
	}
	return out
}

func retryFromConfig(table map[string]any) resilience.RetryConfig {
	get := func(key string) int {
		switch v := table[key].(type) {
		case int64:
			return int(v)
		case int:
			return v
		case float64:
			return int(v)
		}
		return 0
	}
	return resilience.RetryConfig{
		MaxAttempts:    get("max_attempts"),
		InitialBackoff: time.Duration(get("initial_backoff_ms")) * time.Millisecond,
		MaxBackoff:     time.Duration(get("max_backoff_ms")) * time.Millisecond,
	}
}
