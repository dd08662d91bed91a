package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every link in a [Chain] fails or sits behind
// an open breaker.
var ErrExhausted = errors.New("resilience: all fallbacks exhausted")

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain is an ordered list of same-typed fallbacks, each behind its own
// breaker. The decision domain uses it to step from the LLM to the rule
// engine to echo; the LLM pool uses it to step across backends.
type Chain[T any] struct {
	links []link[T]
	cfg   BreakerConfig
}

// NewChain creates a chain whose per-link breakers share cfg (Name is
// overridden per link). Links are tried in [Chain.Add] order.
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a link.
func (c *Chain[T]) Add(name string, value T) {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Len returns the number of links.
func (c *Chain[T]) Len() int { return len(c.links) }

// Run tries fn against each link until one succeeds. Open-breaker links are
// skipped. When everything fails the last error is wrapped in [ErrExhausted].
func (c *Chain[T]) Run(fn func(name string, value T) error) error {
	var lastErr error
	for i := range c.links {
		l := &c.links[i]
		err := l.breaker.Do(func() error { return fn(l.name, l.value) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping fallback link (breaker open)", "link", l.name)
		} else {
			slog.Warn("fallback link failed, trying next", "link", l.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// RunValue is [Chain.Run] with a result value. Package-level because Go
// methods cannot add type parameters.
func RunValue[T, R any](c *Chain[T], fn func(name string, value T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.links {
		l := &c.links[i]
		var out R
		err := l.breaker.Do(func() error {
			var ferr error
			out, ferr = fn(l.name, l.value)
			return ferr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping fallback link (breaker open)", "link", l.name)
		} else {
			slog.Warn("fallback link failed, trying next", "link", l.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}
