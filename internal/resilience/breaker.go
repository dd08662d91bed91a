// Package resilience provides the failure-handling primitives shared by the
// LLM client pool and the decision fallback chain: a three-state circuit
// breaker, an ordered fallback [Chain], and retry with exponential backoff.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// Closed forwards every call.
	Closed BreakerState = iota

	// Open rejects every call with [ErrOpen] until the cooldown elapses.
	Open

	// Probing lets a limited number of calls through; their outcome decides
	// whether the breaker closes again or re-opens.
	Probing
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Probing:
		return "probing"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero fields get defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// Threshold is the consecutive-failure count that trips the breaker.
	// Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// ProbeBudget is how many probe calls Probing allows. Default 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker (closed → open → probing).
type Breaker struct {
	name        string
	threshold   int
	cooldown    time.Duration
	probeBudget int

	mu         sync.Mutex
	state      BreakerState
	failStreak int
	trippedAt  time.Time
	probes     int
	probeFails int
}

// NewBreaker builds a closed [Breaker] from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		threshold:   cfg.Threshold,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
	}
}

// Do runs fn unless the breaker rejects the call. fn's error both trips the
// accounting and is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.trippedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = Probing
		b.probes = 0
		b.probeFails = 0
		slog.Info("breaker probing", "name", b.name)
	case Probing:
		if b.probes >= b.probeBudget {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == Probing
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

func (b *Breaker) onFailure(probing bool) {
	b.trippedAt = time.Now()
	if probing {
		b.probeFails++
		b.state = Open
		b.failStreak = b.threshold
		slog.Warn("breaker re-opened after failed probe", "name", b.name)
		return
	}
	b.failStreak++
	if b.failStreak >= b.threshold {
		b.state = Open
		slog.Warn("breaker opened", "name", b.name, "fail_streak", b.failStreak)
	}
}

func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeBudget {
			b.state = Closed
			b.failStreak = 0
			b.probes = 0
			b.probeFails = 0
			slog.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failStreak = 0
}

// State reports the effective state: an open breaker whose cooldown has
// elapsed reads as [Probing] even though the transition happens on the next
// [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.trippedAt) >= b.cooldown {
		return Probing
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failStreak = 0
	b.probes = 0
	b.probeFails = 0
}
