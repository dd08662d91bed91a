// Package bus implements the in-process typed publish/subscribe dispatcher at
// the heart of Stagehand.
//
// Every published value is a typed [event.Payload]. Handlers subscribe with a
// concrete payload type via the generic [On] and are started in ascending
// priority order for each emit; execution is concurrent, so completion order
// is undefined. Handler errors are isolated by default (one failing
// subscriber never aborts its siblings) and counted in per-event statistics.
//
// Ordering across separate emits is NOT guaranteed unless the caller passes
// [WithWait] on each emit; each fire-and-forget emit dispatches on its own
// goroutine.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vtuberkit/stagehand/pkg/event"
)

// ErrClosed is returned by [Bus.Emit] after [Bus.Close] has completed.
var ErrClosed = errors.New("bus: closed")

// ErrBadPayload is returned synchronously by [Bus.Emit] when the payload
// fails validation or conflicts with the event's registered payload type.
var ErrBadPayload = errors.New("bus: bad payload")

// ErrShutdownTimeout is returned by [Bus.Close] when in-flight emits do not
// finish within the timeout and force was false. The bus re-opens.
var ErrShutdownTimeout = errors.New("bus: shutdown timed out with emits in flight")

// Handler is the untyped subscriber signature stored internally. Use [On] to
// subscribe with a concrete payload type.
type Handler func(ctx context.Context, payload event.Payload, source string) error

// Subscription identifies one registered handler. Keep it to call [Bus.Off].
type Subscription struct {
	id       uint64
	event    string
	priority int
}

// Event returns the event name this subscription listens on.
func (s *Subscription) Event() string { return s.event }

type subscriber struct {
	id       uint64
	priority int
	seq      uint64 // insertion order, tie-breaker for equal priorities
	fn       Handler
	errCount atomic.Int64
}

// Bus is the typed publish/subscribe dispatcher. Safe for concurrent use.
type Bus struct {
	registry *event.Registry

	mu     sync.RWMutex
	subs   map[string][]*subscriber
	nextID uint64
	nextSq uint64

	closed atomic.Bool

	// inflight tracks fire-and-forget emits so Close can wait for them.
	// closeMu orders the closed check against inflight.Add: Emit holds the
	// read side across check+Add, Close holds the write side while flipping
	// closed, so no emit can join inflight after Close has begun waiting.
	closeMu  sync.RWMutex
	inflight sync.WaitGroup

	// baseCtx is cancelled by a forced Close to abort in-flight handlers.
	baseCtx context.Context
	cancel  context.CancelFunc

	stats *statsTable
}

// New returns a ready-to-use [Bus] backed by the given event registry.
// A nil registry gets a fresh one.
func New(registry *event.Registry) *Bus {
	if registry == nil {
		registry = event.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		registry: registry,
		subs:     make(map[string][]*subscriber),
		baseCtx:  ctx,
		cancel:   cancel,
		stats:    newStatsTable(),
	}
}

// Registry returns the event registry backing this bus.
func (b *Bus) Registry() *event.Registry { return b.registry }

// On subscribes fn to the named event with a concrete payload type T.
// Handlers with lower priority values start earlier within one emit; equal
// priorities start in subscription order. Subscribing implicitly binds the
// event name to T in the registry.
//
// If a published payload cannot be asserted to T (possible only for events
// bound before this subscription with a different type), the handler is
// skipped for that emit and the error is counted; sibling handlers still run.
func On[T event.Payload](b *Bus, name string, priority int, fn func(ctx context.Context, payload T, source string) error) (*Subscription, error) {
	var zero T
	if err := b.registry.Bind(name, fmt.Sprintf("%T", zero)); err != nil {
		return nil, err
	}

	wrapped := func(ctx context.Context, p event.Payload, source string) error {
		typed, ok := p.(T)
		if !ok {
			return fmt.Errorf("%w: handler for %q expects %T, got %T", ErrBadPayload, name, zero, p)
		}
		if err := typed.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return fn(ctx, typed, source)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.nextSq++
	sub := &subscriber{id: b.nextID, priority: priority, seq: b.nextSq, fn: wrapped}
	b.subs[name] = append(b.subs[name], sub)
	return &Subscription{id: sub.id, event: name, priority: priority}, nil
}

// Off removes the subscription. Removing an already-removed subscription is a
// no-op. Each subscription corresponds to exactly one registration, so
// subscribing the same function twice requires two Off calls.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// EmitOption adjusts the behaviour of a single [Bus.Emit] call.
type EmitOption func(*emitOptions)

type emitOptions struct {
	wait      bool
	noIsolate bool
}

// WithWait makes Emit run all handlers synchronously and return once they
// have completed.
func WithWait() EmitOption { return func(o *emitOptions) { o.wait = true } }

// WithoutIsolation makes Emit propagate the first handler error to the caller
// instead of logging and counting it. Implies [WithWait].
func WithoutIsolation() EmitOption { return func(o *emitOptions) { o.noIsolate = true; o.wait = true } }

// Emit publishes payload under its [event.Payload.EventName] on behalf of
// source. The payload is validated synchronously; a validation or
// type-binding failure returns [ErrBadPayload] and no handler runs.
//
// Without [WithWait], dispatch runs on a tracked background goroutine and
// Emit returns immediately. After the bus is closed, emits are dropped with a
// warning and [ErrClosed].
func (b *Bus) Emit(ctx context.Context, payload event.Payload, source string, opts ...EmitOption) error {
	if b.closed.Load() {
		slog.Warn("bus: emit after close dropped", "event", payload.EventName(), "source", source)
		return ErrClosed
	}

	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	name := payload.EventName()
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := b.registry.Check(name, fmt.Sprintf("%T", payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	// First emit under an unbound name claims it.
	if err := b.registry.Bind(name, fmt.Sprintf("%T", payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	snapshot := b.snapshot(name)
	b.stats.recordEmit(name, len(snapshot))
	logEmit(name, source, payload, len(snapshot))

	if o.wait {
		return b.dispatch(ctx, name, payload, source, snapshot, o.noIsolate)
	}

	b.closeMu.RLock()
	if b.closed.Load() {
		b.closeMu.RUnlock()
		slog.Warn("bus: emit after close dropped", "event", name, "source", source)
		return ErrClosed
	}
	b.inflight.Add(1)
	b.closeMu.RUnlock()

	go func() {
		defer b.inflight.Done()
		// Fire-and-forget dispatch is bounded by the bus lifetime, not by the
		// caller's context, so a returning caller does not cancel handlers.
		_ = b.dispatch(b.baseCtx, name, payload, source, snapshot, false)
	}()
	return nil
}

// snapshot copies and priority-sorts the subscriber list for one event.
func (b *Bus) snapshot(name string) []*subscriber {
	b.mu.RLock()
	list := b.subs[name]
	out := make([]*subscriber, len(list))
	copy(out, list)
	b.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// dispatch starts every handler in snapshot order and waits for completion.
// With noIsolate, the first handler error is returned; otherwise errors are
// logged and counted only.
func (b *Bus) dispatch(ctx context.Context, name string, payload event.Payload, source string, snapshot []*subscriber, noIsolate bool) error {
	if len(snapshot) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(snapshot))

	start := time.Now()
	for _, sub := range snapshot {
		wg.Add(1)
		go func(sub *subscriber) {
			defer wg.Done()
			if err := sub.fn(ctx, payload, source); err != nil {
				sub.errCount.Add(1)
				b.stats.recordError(name)
				if noIsolate {
					errCh <- err
					return
				}
				slog.Error("bus: handler failed", "event", name, "source", source, "error", err)
			}
		}(sub)
	}
	wg.Wait()
	close(errCh)
	b.stats.recordDuration(name, time.Since(start))

	if noIsolate {
		for err := range errCh {
			return err
		}
	}
	return nil
}

// Clear drops all subscriptions and statistics. Intended for tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()
	b.stats.clear()
}

// Stats returns a deep copy of the per-event statistics for name.
// The zero value is returned for events that never emitted.
func (b *Bus) Stats(name string) EventStats { return b.stats.get(name) }

// AllStats returns a deep copy of all per-event statistics.
func (b *Bus) AllStats() map[string]EventStats { return b.stats.all() }

// Close marks the bus closed and waits up to timeout for in-flight emits.
//
// With force=false, a timeout re-opens the bus and returns
// [ErrShutdownTimeout] so the caller can retry or force. With force=true,
// remaining handlers are cancelled via their context and Close returns nil.
// After a successful Close there are no active emits and no background
// goroutines owned by the bus.
func (b *Bus) Close(timeout time.Duration, force bool) error {
	b.closeMu.Lock()
	swapped := b.closed.CompareAndSwap(false, true)
	b.closeMu.Unlock()
	if !swapped {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-time.After(timeout):
	}

	if !force {
		b.closed.Store(false)
		return ErrShutdownTimeout
	}

	b.cancel()
	<-done
	return nil
}

// logEmit writes the single human-readable emit line.
func logEmit(name, source string, payload event.Payload, listeners int) {
	var repr string
	if lf, ok := payload.(event.LogFormatter); ok {
		repr = lf.LogFormat()
	} else {
		repr = fmt.Sprintf("%+v", payload)
	}
	slog.Info("bus: emit", "event", name, "source", source, "listeners", listeners, "payload", repr)
}
