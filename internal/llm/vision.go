package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	llmspec "github.com/vtuberkit/stagehand/pkg/provider/llm"
)

// visionClient sends image+text prompts through the OpenAI chat API.
type visionClient struct {
	client oai.Client
	model  string
}

// newVisionClient builds a vision client from the same config table as the
// chat backend. With no api_key the SDK reads OPENAI_API_KEY itself.
func newVisionClient(table map[string]any, model string) *visionClient {
	var opts []option.RequestOption
	if key, _ := table["api_key"].(string); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if base, _ := table["base_url"].(string); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}))

	return &visionClient{client: oai.NewClient(opts...), model: model}
}

func (v *visionClient) describe(ctx context.Context, prompt string, images []llmspec.Image) (llmspec.Response, error) {
	parts := []oai.ChatCompletionContentPartUnionParam{
		oai.TextContentPart(prompt),
	}
	for _, img := range images {
		url := img.URL
		if url == "" {
			if len(img.Data) == 0 {
				return llmspec.Response{}, fmt.Errorf("llm: vision image needs a URL or data")
			}
			mime := img.MimeType
			if mime == "" {
				mime = "image/png"
			}
			url = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
		}
		parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: url}))
	}

	resp, err := v.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(v.model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(parts)},
	})
	if err != nil {
		return llmspec.Response{}, fmt.Errorf("llm: vision completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llmspec.Response{}, fmt.Errorf("llm: vision: empty choices in response")
	}

	return llmspec.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   v.model,
		Usage: llmspec.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
