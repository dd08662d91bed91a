// Package provider defines the dependency bundle handed to every Stagehand
// provider at construction ([Context]) and the narrow service interfaces it
// carries.
//
// Providers receive the Context exactly once, in their factory, and must
// treat it as read-only. The bundle exposes interface handles rather than
// concrete manager types so that providers never hold back-references into
// the core's ownership graph.
//
// The three layer contracts live in the input, decision and output
// subpackages; each provider package registers its factory with the registry
// from an explicit registration call in the assembly code.
package provider

import (
	"context"

	"github.com/vtuberkit/stagehand/pkg/audio"
	"github.com/vtuberkit/stagehand/pkg/event"
	"github.com/vtuberkit/stagehand/pkg/memory"
	"github.com/vtuberkit/stagehand/pkg/provider/llm"
)

// EventBus is the publish surface handed to providers. Emit dispatches in the
// background and returns immediately; EmitSync waits for all handlers.
type EventBus interface {
	Emit(ctx context.Context, payload event.Payload, source string) error
	EmitSync(ctx context.Context, payload event.Payload, source string) error
}

// ConfigService serves read-only config lookups.
type ConfigService interface {
	// GetSection returns the sub-table at a dotted path, empty when missing.
	GetSection(dotted string) map[string]any

	// Get returns key inside the dotted section, or def when missing.
	Get(key string, def any, section string) any
}

// PromptService renders prompt templates.
type PromptService interface {
	// Render substitutes {name} variables in the named template. Missing
	// variables are an error.
	Render(name string, vars map[string]any) (string, error)

	// RenderSafe is Render but silently leaves missing variables in place.
	RenderSafe(name string, vars map[string]any) string

	// ExtractSection renders one "## heading" section of the named template.
	ExtractSection(name, section string, vars map[string]any) (string, error)
}

// Context is the immutable dependency bundle. Fields may be nil when the
// corresponding subsystem is not configured; providers must tolerate that for
// every service they do not strictly require.
type Context struct {
	// Bus is the event publish surface. Never nil.
	Bus EventBus

	// Config serves section lookups beyond the provider's own merged config.
	Config ConfigService

	// LLM is the unified client pool. Nil when no clients are configured.
	LLM llm.Service

	// Prompts renders prompt templates. Nil when no template dir is configured.
	Prompts PromptService

	// Audio is the chunk fan-out channel shared by TTS publishers and
	// lip-sync subscribers. Never nil.
	Audio *audio.StreamChannel

	// Memory is the conversation store. Never nil (an in-process ring store
	// is the default).
	Memory memory.Store
}
