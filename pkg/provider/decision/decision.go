// Package decision defines the contract for decision providers: the single
// active component that turns a normalized message into exactly one published
// intent.
//
// Decide is fire-and-forget. A provider must publish exactly one
// [event.IntentPayload] per call (on success from its primary path, on
// failure from a fallback path) and must never let an unreachable backend
// raise out of Decide; the pipeline keeps flowing no matter what.
package decision

import (
	"context"

	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Provider is the abstraction over any decision strategy (LLM, rule engine,
// keyword matcher, echo).
//
// Implementations must be safe for concurrent Decide calls.
type Provider interface {
	// Name returns the provider's registry name (e.g., "llm").
	Name() string

	// Start wires the provider to the bus and initialises its backend.
	// A failed Start leaves the provider unusable; the manager restores the
	// previous provider in that case.
	Start(ctx context.Context, bus provider.EventBus) error

	// Decide processes msg and publishes exactly one decision.intent event.
	// It must not return an error for backend failures; those take the
	// provider's fallback path instead.
	Decide(ctx context.Context, msg vtuber.NormalizedMessage)

	// Stop signals shutdown and releases resources via Cleanup.
	Stop() error

	// Cleanup releases external resources.
	Cleanup() error
}
