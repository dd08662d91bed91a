// Package pipeline applies an ordered chain of filters to each normalized
// message between input normalization and bus publication.
//
// Each stage can rewrite the message, pass it through, or drop it. A dropped
// message never reaches the bus. Stage failures are bounded by a per-stage
// timeout and handled according to the stage's error policy, so a single
// misbehaving filter cannot stall the input path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// ErrStageTimeout marks a stage that exceeded its timeout. It is routed
// through the stage's error policy like any other stage error.
var ErrStageTimeout = errors.New("pipeline: stage timed out")

// defaultStageTimeout bounds stages that report no timeout of their own.
const defaultStageTimeout = 5 * time.Second

// ErrorPolicy selects what the manager does when a stage fails.
type ErrorPolicy string

const (
	// PolicyContinue keeps the pre-stage message and moves on.
	PolicyContinue ErrorPolicy = "continue"
	// PolicyStop aborts processing with a [*Error].
	PolicyStop ErrorPolicy = "stop"
	// PolicyDrop discards the message as if the stage had dropped it.
	PolicyDrop ErrorPolicy = "drop"
)

// IsValid reports whether p is a known policy.
func (p ErrorPolicy) IsValid() bool {
	switch p {
	case PolicyContinue, PolicyStop, PolicyDrop:
		return true
	}
	return false
}

// Pipeline is one filter stage.
//
// Process returns (nil, nil) to drop the message, (m, nil) to pass m on, or
// (nil, err) on failure. The manager owns timeout enforcement; Process should
// still honour ctx cancellation for long work.
type Pipeline interface {
	Name() string
	Priority() int
	Enabled() bool
	ErrorPolicy() ErrorPolicy
	Timeout() time.Duration
	Process(ctx context.Context, msg vtuber.NormalizedMessage) (*vtuber.NormalizedMessage, error)
}

// Error wraps a stage failure under [PolicyStop].
type Error struct {
	Pipeline string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline %q: %v", e.Pipeline, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Stats is a point-in-time copy of one stage's counters.
type Stats struct {
	Processed       int64
	Dropped         int64
	Errors          int64
	TotalDurationMS float64
	AvgDurationMS   float64
}

type stageStats struct {
	processed int64
	dropped   int64
	errors    int64
	totalMS   float64
}

// Manager runs registered stages in priority order.
type Manager struct {
	mu    sync.RWMutex
	chain []Pipeline
	stats map[string]*stageStats
}

// NewManager returns an empty manager; messages pass through untouched until
// stages are registered.
func NewManager() *Manager {
	return &Manager{stats: make(map[string]*stageStats)}
}

// Register adds a stage and re-sorts the chain. Stages with equal priority
// keep registration order.
func (m *Manager) Register(p Pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = append(m.chain, p)
	sort.SliceStable(m.chain, func(i, j int) bool {
		return m.chain[i].Priority() < m.chain[j].Priority()
	})
	if _, ok := m.stats[p.Name()]; !ok {
		m.stats[p.Name()] = &stageStats{}
	}
}

// Unregister removes the first stage with the given name.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.chain {
		if p.Name() == name {
			m.chain = append(m.chain[:i], m.chain[i+1:]...)
			return
		}
	}
}

// Process runs msg through every enabled stage in priority order.
//
// It returns (nil, nil) when a stage drops the message, (nil, *Error) when a
// stop-policy stage fails, and the final message otherwise. A failing
// continue-policy stage contributes nothing: the message that entered it is
// what the next stage sees.
func (m *Manager) Process(ctx context.Context, msg vtuber.NormalizedMessage) (*vtuber.NormalizedMessage, error) {
	m.mu.RLock()
	chain := make([]Pipeline, len(m.chain))
	copy(chain, m.chain)
	m.mu.RUnlock()

	current := msg
	for _, p := range chain {
		if !p.Enabled() {
			continue
		}

		start := time.Now()
		out, err := runStage(ctx, p, current)
		m.record(p.Name(), time.Since(start), out == nil && err == nil, err != nil)

		if err != nil {
			switch p.ErrorPolicy() {
			case PolicyStop:
				return nil, &Error{Pipeline: p.Name(), Err: err}
			case PolicyDrop:
				return nil, nil
			default: // continue: keep the pre-stage message
			}
			continue
		}
		if out == nil {
			return nil, nil
		}
		current = *out
	}
	return &current, nil
}

// runStage bounds one Process call with the stage's timeout. The stage
// goroutine is left to finish on its own after a timeout; its result is
// discarded via the buffered channel.
func runStage(ctx context.Context, p Pipeline, msg vtuber.NormalizedMessage) (*vtuber.NormalizedMessage, error) {
	timeout := p.Timeout()
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		msg *vtuber.NormalizedMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := p.Process(sctx, msg)
		done <- result{msg: out, err: err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-sctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrStageTimeout
	}
}

func (m *Manager) record(name string, dur time.Duration, dropped, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[name]
	if !ok {
		s = &stageStats{}
		m.stats[name] = s
	}
	s.processed++
	s.totalMS += float64(dur.Microseconds()) / 1000.0
	if dropped {
		s.dropped++
	}
	if failed {
		s.errors++
	}
}

// Stats returns a copy of the named stage's counters.
func (m *Manager) Stats(name string) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[name]
	if !ok {
		return Stats{}
	}
	out := Stats{
		Processed:       s.processed,
		Dropped:         s.dropped,
		Errors:          s.errors,
		TotalDurationMS: s.totalMS,
	}
	if s.processed > 0 {
		out.AvgDurationMS = s.totalMS / float64(s.processed)
	}
	return out
}

// AllStats returns copies of every stage's counters keyed by stage name.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	names := make([]string, 0, len(m.stats))
	for name := range m.stats {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]Stats, len(names))
	for _, name := range names {
		out[name] = m.Stats(name)
	}
	return out
}
