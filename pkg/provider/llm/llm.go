// Package llm defines the request/response types and the [Service] contract
// for the unified LLM client pool. The pool holds multiple named clients
// ("llm", "llm_fast", "vlm", …) so that callers pick a latency/quality tier
// per call without knowing which backend serves it.
//
// Implementations live in internal; this package exists so that providers and
// extensions can depend on the contract alone.
package llm

import "context"

// Message is one turn of an LLM conversation.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the text of the turn.
	Content string
}

// Request carries everything a chat call needs.
type Request struct {
	// Messages is the ordered conversation history; the last entry drives the
	// response.
	Messages []Message

	// SystemPrompt is an optional instruction injected ahead of Messages.
	SystemPrompt string

	// Temperature in [0, 2]; zero means the backend default.
	Temperature float64

	// MaxTokens caps the completion length; zero means backend default.
	MaxTokens int
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the uniform result shape of [Service.Chat] and [Service.Vision].
// Failed calls set Success=false and Error rather than returning a Go error,
// so that callers can treat backend failures as data (fallback chains depend
// on this).
type Response struct {
	Success bool
	Content string
	Error   string
	Model   string
	Usage   Usage
}

// Image is one vision input: either a URL or raw bytes with a MIME type.
type Image struct {
	URL      string
	Data     []byte
	MimeType string
}

// Service is the unified client pool contract.
//
// Implementations must be safe for concurrent use.
type Service interface {
	// Chat sends req to the named client and waits for the full response.
	// Transport-level errors after retries are reported inside the Response;
	// the returned error is non-nil only for caller mistakes (unknown client,
	// cancelled context).
	Chat(ctx context.Context, client string, req Request) (Response, error)

	// StreamChat sends req and returns a channel of text fragments. The
	// channel is closed when generation finishes or ctx is cancelled; callers
	// must drain it.
	StreamChat(ctx context.Context, client string, req Request) (<-chan string, error)

	// Vision sends a prompt with images to the named vision-capable client.
	Vision(ctx context.Context, client string, prompt string, images []Image) (Response, error)

	// Embed computes one embedding vector per input text through the named
	// client. Unlike Chat, failures are returned as errors: callers treat an
	// unavailable embedding backend as "skip semantic recall", not as data.
	Embed(ctx context.Context, client string, texts []string) ([][]float32, error)

	// HasClient reports whether a client is registered under name.
	HasClient(name string) bool
}
