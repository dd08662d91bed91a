package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// embeddingClient computes text embeddings through the OpenAI embeddings API.
type embeddingClient struct {
	client oai.Client
	model  string
}

// newEmbeddingClient builds an embedding client from the same config table as
// the chat backend. The embedding_model key selects the model, defaulting to
// text-embedding-3-small. With no api_key the SDK reads OPENAI_API_KEY itself.
func newEmbeddingClient(table map[string]any) *embeddingClient {
	model, _ := table["embedding_model"].(string)
	if model == "" {
		model = oai.EmbeddingModelTextEmbedding3Small
	}

	var opts []option.RequestOption
	if key, _ := table["api_key"].(string); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if base, _ := table["base_url"].(string); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))

	return &embeddingClient{client: oai.NewClient(opts...), model: model}
}

func (e *embeddingClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("llm: embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("llm: embeddings: vector index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
