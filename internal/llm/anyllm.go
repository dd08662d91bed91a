package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	llmspec "github.com/vtuberkit/stagehand/pkg/provider/llm"
)

// anyLLMBackend adapts one any-llm-go provider to the [completer] surface.
// Vision and embeddings are delegated to OpenAI SDK clients built from the
// same table (see vision.go, embeddings.go) because any-llm-go's chat surface
// is text-only.
type anyLLMBackend struct {
	backend anyllmlib.Provider
	model   string
	vis     *visionClient    // nil when the table cannot serve vision
	emb     *embeddingClient // nil when the table cannot serve embeddings
}

var _ completer = (*anyLLMBackend)(nil)

// newAnyLLMBackend builds a backend from one [llm.clients.<name>] table.
// Recognised keys: provider, model, api_key, base_url. A missing api_key
// falls back to the backend's environment variable (OPENAI_API_KEY, …).
func newAnyLLMBackend(table map[string]any) (*anyLLMBackend, string, error) {
	providerName, _ := table["provider"].(string)
	model, _ := table["model"].(string)
	if providerName == "" || model == "" {
		return nil, "", fmt.Errorf("llm: client table needs provider and model")
	}

	var opts []anyllmlib.Option
	if key, _ := table["api_key"].(string); key != "" {
		opts = append(opts, anyllmlib.WithAPIKey(key))
	}
	if base, _ := table["base_url"].(string); base != "" {
		opts = append(opts, anyllmlib.WithBaseURL(base))
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, "", err
	}

	b := &anyLLMBackend{backend: backend, model: model}
	if strings.EqualFold(providerName, "openai") {
		b.vis = newVisionClient(table, model)
		b.emb = newEmbeddingClient(table)
	}
	return b, model, nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", name)
	}
}

func (b *anyLLMBackend) complete(ctx context.Context, req llmspec.Request) (llmspec.Response, error) {
	resp, err := b.backend.Completion(ctx, b.buildParams(req))
	if err != nil {
		return llmspec.Response{}, fmt.Errorf("llm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llmspec.Response{}, fmt.Errorf("llm: empty choices in response")
	}

	out := llmspec.Response{
		Content: resp.Choices[0].Message.ContentString(),
		Model:   b.model,
	}
	if resp.Usage != nil {
		out.Usage = llmspec.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (b *anyLLMBackend) stream(ctx context.Context, req llmspec.Request) (<-chan string, error) {
	chunks, errs := b.backend.CompletionStream(ctx, b.buildParams(req))

	ch := make(chan string, 32)
	go func() {
		defer close(ch)
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case ch <- text:
			case <-ctx.Done():
				return
			}
		}
		if err := <-errs; err != nil {
			slog.Warn("llm: stream ended with error", "model", b.model, "error", err)
		}
	}()
	return ch, nil
}

func (b *anyLLMBackend) vision(ctx context.Context, prompt string, images []llmspec.Image) (llmspec.Response, error) {
	if b.vis == nil {
		return llmspec.Response{}, fmt.Errorf("llm: client %q backend does not serve vision", b.model)
	}
	return b.vis.describe(ctx, prompt, images)
}

func (b *anyLLMBackend) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if b.emb == nil {
		return nil, fmt.Errorf("llm: client %q backend does not serve embeddings", b.model)
	}
	return b.emb.embed(ctx, texts)
}

func (b *anyLLMBackend) buildParams(req llmspec.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{
		Model:    b.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
