// Package input defines the contract every input provider implements: a
// source of [vtuber.NormalizedMessage] values pulled from some external
// system (live-chat socket, console, screen-text capture, …).
//
// Lifecycle: the manager calls Start once, consumes the returned channel
// until it closes, then calls Stop (which is expected to invoke Cleanup).
// A provider failure closes its own channel only; sibling providers are
// unaffected.
package input

import (
	"context"

	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Provider is the abstraction over any input source.
//
// Implementations must be safe for concurrent use of Stop against a running
// Start stream.
type Provider interface {
	// Name returns the provider's registry name (e.g., "console_input").
	Name() string

	// Start opens the provider's resources and returns the message stream.
	// Every value sent on the channel must be fully normalized and satisfy
	// [vtuber.NormalizedMessage.Valid]. The channel is closed when the source
	// ends, the provider fails, or ctx is cancelled.
	Start(ctx context.Context) (<-chan vtuber.NormalizedMessage, error)

	// Stop signals the stream to end and releases resources via Cleanup.
	// Safe to call more than once.
	Stop() error

	// Cleanup releases external resources (sockets, files). Called by Stop;
	// exposed separately so managers can enforce release after a failed Start.
	Cleanup() error
}
