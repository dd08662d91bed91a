package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Strategy selects what happens when a subscriber's queue is full.
type Strategy string

const (
	// Block makes the publisher wait for a free slot.
	Block Strategy = "block"

	// DropNewest discards the incoming chunk.
	DropNewest Strategy = "drop_newest"

	// DropOldest evicts the oldest queued chunk to make room.
	DropOldest Strategy = "drop_oldest"

	// FailFast reports an error for that subscriber; others still receive.
	FailFast Strategy = "fail_fast"
)

// IsValid reports whether s is a recognised backpressure strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case Block, DropNewest, DropOldest, FailFast:
		return true
	}
	return false
}

// ErrQueueFull is reported per-subscriber by [StreamChannel.Publish] under the
// [FailFast] strategy.
var ErrQueueFull = errors.New("audio: subscriber queue full")

// ErrChannelClosed is returned by publish-side methods after [StreamChannel.Close].
var ErrChannelClosed = errors.New("audio: stream channel closed")

// ErrSubscriberGone is reported per-subscriber by [StreamChannel.Publish] when
// the subscriber was removed while the publish was in flight.
var ErrSubscriberGone = errors.New("audio: subscriber removed")

const (
	defaultQueueSize = 100
	maxQueueSize     = 1000
)

// SubscriberConfig tunes one subscription.
type SubscriberConfig struct {
	// QueueSize bounds the subscriber's chunk queue. Defaults to 100 and is
	// clamped to [1, 1000].
	QueueSize int

	// Backpressure selects the full-queue policy. Defaults to [Block].
	Backpressure Strategy

	// DegradationThreshold in [0, 1]: when the subscriber's drop rate exceeds
	// it, a degradation warning is logged once per utterance.
	DegradationThreshold float64
}

func (c SubscriberConfig) normalized() SubscriberConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.QueueSize > maxQueueSize {
		c.QueueSize = maxQueueSize
	}
	if !c.Backpressure.IsValid() {
		c.Backpressure = Block
	}
	return c
}

// Callbacks receive one subscriber's view of the stream. OnChunk runs on the
// subscriber's dedicated consumer goroutine in FIFO order; OnStart and OnEnd
// run on the publisher's goroutine with errors isolated per subscriber.
type Callbacks struct {
	OnStart func(Metadata) error
	OnChunk func(Chunk) error
	OnEnd   func(Metadata) error
}

// PublishResult summarises one [StreamChannel.Publish] call.
type PublishResult struct {
	// SuccessCount is the number of subscribers whose queue accepted the chunk.
	SuccessCount int

	// DropCount is the number of subscribers that dropped a chunk (theirs or
	// an older one) to absorb this publish.
	DropCount int

	// Errors maps subscriber name → failure message ([FailFast] or closed).
	Errors map[string]string
}

// subscriberState owns one subscription. The queue channel is never closed:
// concurrent publishers may still hold a reference to it after removal, so
// shutdown is signalled through stop instead. The consumer goroutine closes
// done once it has drained the queue and exited.
type subscriberState struct {
	id    string
	name  string
	cfg   SubscriberConfig
	cb    Callbacks
	queue chan Chunk
	stop  chan struct{}
	done  chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
	alerted   atomic.Bool
}

// StreamChannel fans audio chunks out from a single publisher (the active TTS
// provider during one utterance) to any number of subscribers, each with its
// own bounded queue, consumer goroutine, and backpressure policy.
//
// Safe for concurrent use; Publish calls for one utterance are expected to
// come from a single goroutine so that chunk sequences stay monotonic.
type StreamChannel struct {
	mu     sync.RWMutex
	subs   map[string]*subscriberState // id → state
	closed bool
}

// NewStreamChannel returns an empty, ready-to-use [StreamChannel].
func NewStreamChannel() *StreamChannel {
	return &StreamChannel{subs: make(map[string]*subscriberState)}
}

// Subscribe registers cb under name and starts the subscriber's consumer
// goroutine. The returned subscription id is passed to [StreamChannel.Unsubscribe].
func (sc *StreamChannel) Subscribe(name string, cb Callbacks, cfg SubscriberConfig) (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return "", ErrChannelClosed
	}

	cfg = cfg.normalized()
	st := &subscriberState{
		id:    uuid.NewString(),
		name:  name,
		cfg:   cfg,
		cb:    cb,
		queue: make(chan Chunk, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	sc.subs[st.id] = st

	go st.consume()

	slog.Debug("audio: subscriber added", "name", name, "queue_size", cfg.QueueSize, "strategy", cfg.Backpressure)
	return st.id, nil
}

// consume drains the subscriber's queue in FIFO order until stop is
// signalled, then delivers what is still queued and exits.
func (st *subscriberState) consume() {
	defer close(st.done)
	for {
		select {
		case chunk := <-st.queue:
			st.handle(chunk)
		case <-st.stop:
			for {
				select {
				case chunk := <-st.queue:
					st.handle(chunk)
				default:
					return
				}
			}
		}
	}
}

func (st *subscriberState) handle(chunk Chunk) {
	if st.cb.OnChunk == nil {
		return
	}
	if err := st.cb.OnChunk(chunk); err != nil {
		slog.Error("audio: chunk callback failed", "subscriber", st.name, "seq", chunk.Sequence, "error", err)
	}
}

// Unsubscribe removes the subscription and stops its consumer goroutine after
// the queued chunks are delivered. A publisher parked on the subscriber's full
// queue is released with [ErrSubscriberGone] in its result. Unknown ids are a
// no-op.
func (sc *StreamChannel) Unsubscribe(id string) {
	sc.mu.Lock()
	st, ok := sc.subs[id]
	if ok {
		delete(sc.subs, id)
	}
	sc.mu.Unlock()
	if ok {
		close(st.stop)
		<-st.done
	}
}

// NotifyStart announces the beginning of one utterance to every subscriber.
// Callback errors are isolated and logged. Per-utterance drop accounting is
// reset here.
func (sc *StreamChannel) NotifyStart(meta Metadata) error {
	snapshot, err := sc.snapshot()
	if err != nil {
		return err
	}
	for _, st := range snapshot {
		st.delivered.Store(0)
		st.dropped.Store(0)
		st.alerted.Store(false)
		if st.cb.OnStart == nil {
			continue
		}
		if err := st.cb.OnStart(meta); err != nil {
			slog.Error("audio: start callback failed", "subscriber", st.name, "error", err)
		}
	}
	return nil
}

// Publish distributes chunk to every subscriber according to its backpressure
// strategy and returns the per-call accounting. Under [Block] the supplied
// ctx bounds the wait.
func (sc *StreamChannel) Publish(ctx context.Context, chunk Chunk) (PublishResult, error) {
	snapshot, err := sc.snapshot()
	if err != nil {
		return PublishResult{}, err
	}

	res := PublishResult{Errors: make(map[string]string)}
	for _, st := range snapshot {
		select {
		case <-st.stop:
			res.Errors[st.name] = ErrSubscriberGone.Error()
			continue
		default:
		}

		switch st.cfg.Backpressure {
		case Block:
			select {
			case st.queue <- chunk:
				st.delivered.Add(1)
				res.SuccessCount++
			case <-st.stop:
				res.Errors[st.name] = ErrSubscriberGone.Error()
			case <-ctx.Done():
				res.Errors[st.name] = ctx.Err().Error()
			}

		case DropNewest:
			select {
			case st.queue <- chunk:
				st.delivered.Add(1)
				res.SuccessCount++
			default:
				st.dropped.Add(1)
				res.DropCount++
			}

		case DropOldest:
			for {
				select {
				case st.queue <- chunk:
					st.delivered.Add(1)
					res.SuccessCount++
				case <-st.stop:
					res.Errors[st.name] = ErrSubscriberGone.Error()
				default:
					select {
					case <-st.queue:
						st.dropped.Add(1)
						res.DropCount++
						continue
					default:
						// Consumer raced us and emptied the queue; retry the send.
						continue
					}
				}
				break
			}

		case FailFast:
			select {
			case st.queue <- chunk:
				st.delivered.Add(1)
				res.SuccessCount++
			default:
				st.dropped.Add(1)
				res.Errors[st.name] = fmt.Sprintf("%v (queue_size=%d)", ErrQueueFull, st.cfg.QueueSize)
			}
		}

		st.maybeAlert()
	}
	return res, nil
}

// maybeAlert logs a one-shot degradation warning when the subscriber's drop
// rate for the current utterance exceeds its threshold.
func (st *subscriberState) maybeAlert() {
	threshold := st.cfg.DegradationThreshold
	if threshold <= 0 || threshold > 1 {
		return
	}
	dropped := st.dropped.Load()
	total := dropped + st.delivered.Load()
	if total == 0 {
		return
	}
	if rate := float64(dropped) / float64(total); rate > threshold && st.alerted.CompareAndSwap(false, true) {
		slog.Warn("audio: subscriber degraded",
			"subscriber", st.name,
			"drop_rate", rate,
			"threshold", threshold,
		)
	}
}

// NotifyEnd announces the end of one utterance. Callback errors are isolated
// and logged.
func (sc *StreamChannel) NotifyEnd(meta Metadata) error {
	snapshot, err := sc.snapshot()
	if err != nil {
		return err
	}
	for _, st := range snapshot {
		if st.cb.OnEnd == nil {
			continue
		}
		if err := st.cb.OnEnd(meta); err != nil {
			slog.Error("audio: end callback failed", "subscriber", st.name, "error", err)
		}
	}
	return nil
}

// DropCount returns the number of chunks dropped for the named subscriber in
// the current utterance, summed across same-named subscriptions.
func (sc *StreamChannel) DropCount(name string) int64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	var total int64
	for _, st := range sc.subs {
		if st.name == name {
			total += st.dropped.Load()
		}
	}
	return total
}

// Close stops every consumer goroutine after its queued chunks are delivered.
// Publish-side calls after Close return [ErrChannelClosed]. In-flight
// callbacks are not interrupted.
func (sc *StreamChannel) Close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	subs := sc.subs
	sc.subs = make(map[string]*subscriberState)
	sc.mu.Unlock()

	for _, st := range subs {
		close(st.stop)
	}
	for _, st := range subs {
		<-st.done
	}
}

func (sc *StreamChannel) snapshot() ([]*subscriberState, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.closed {
		return nil, ErrChannelClosed
	}
	out := make([]*subscriberState, 0, len(sc.subs))
	for _, st := range sc.subs {
		out = append(out, st)
	}
	return out, nil
}
