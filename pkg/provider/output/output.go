// Package output defines the contract for output providers: the renderers
// that turn a published intent into a visible/audible side effect (subtitle
// text, avatar motion, synthesized speech).
package output

import (
	"context"
	"time"

	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Provider is the abstraction over any output renderer.
//
// Execute is invoked by the output manager for every intent; the manager
// bounds each call with the provider's RenderTimeout and reports the outcome
// as a render.completed or render.failed event. Implementations must be safe
// for concurrent use when the manager runs providers in parallel.
type Provider interface {
	// Name returns the provider's registry name (e.g., "subtitle").
	Name() string

	// OutputType classifies the render surface ("subtitle", "avatar",
	// "speech", …) for event reporting.
	OutputType() string

	// Start opens the provider's resources (socket connections, devices) and
	// registers any audio subscriptions it needs.
	Start(ctx context.Context) error

	// Execute renders the intent. The ctx carries the render timeout; the
	// provider must respect cancellation.
	Execute(ctx context.Context, intent vtuber.Intent) error

	// RenderTimeout bounds one Execute call. Non-positive means the manager
	// default.
	RenderTimeout() time.Duration

	// Stop signals shutdown and releases resources via Cleanup.
	Stop() error

	// Cleanup releases external resources.
	Cleanup() error
}
