package bus

import (
	"context"

	"github.com/vtuberkit/stagehand/pkg/event"
)

// Surface narrows a [Bus] to the two-method publish interface handed to
// providers. Emit on the underlying bus is variadic, so the interface cannot
// be satisfied directly.
type Surface struct {
	b *Bus
}

// NewSurface wraps b.
func NewSurface(b *Bus) *Surface { return &Surface{b: b} }

// Emit publishes fire-and-forget.
func (s *Surface) Emit(ctx context.Context, payload event.Payload, source string) error {
	return s.b.Emit(ctx, payload, source)
}

// EmitSync publishes and waits for all handlers to complete.
func (s *Surface) EmitSync(ctx context.Context, payload event.Payload, source string) error {
	return s.b.Emit(ctx, payload, source, WithWait())
}
