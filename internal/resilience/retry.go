package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry]. Zero fields get defaults.
type RetryConfig struct {
	// MaxAttempts counts the first try. Default 3.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt. Default 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Default 10s.
	MaxBackoff time.Duration

	// Multiplier grows the delay between attempts. Default 2.
	Multiplier float64

	// Jitter in [0,1] randomises each delay by ±Jitter/2. Default 0.2.
	Jitter float64
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.2
	}
	return c
}

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff and
// jitter between attempts. It returns nil on the first success, ctx.Err() if
// the context ends while waiting, and the last fn error otherwise.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	cfg = cfg.normalized()

	var lastErr error
	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := jittered(backoff, cfg.Jitter)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}

// RetryValue is [Retry] with a result value.
func RetryValue[R any](ctx context.Context, cfg RetryConfig, fn func(attempt int) (R, error)) (R, error) {
	var out R
	err := Retry(ctx, cfg, func(attempt int) error {
		var ferr error
		out, ferr = fn(attempt)
		return ferr
	})
	return out, err
}

// jittered spreads d by ±frac/2.
func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
}
