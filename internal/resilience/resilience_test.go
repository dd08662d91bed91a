package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vtuberkit/stagehand/internal/resilience"
)

var errBackend = errors.New("backend down")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "llm", Threshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state = %v, want open", got)
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Threshold: 3, Cooldown: time.Hour})

	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })

	if got := b.State(); got != resilience.Closed {
		t.Fatalf("state = %v, want closed (streak reset by success)", got)
	}
}

func TestBreakerProbesAndCloses(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond, ProbeBudget: 2})

	b.Do(func() error { return errBackend })
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != resilience.Probing {
		t.Fatalf("state = %v, want probing after cooldown", got)
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != resilience.Closed {
		t.Fatalf("state = %v, want closed after successful probes", got)
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond})

	b.Do(func() error { return errBackend })
	time.Sleep(20 * time.Millisecond)
	b.Do(func() error { return errBackend }) // failed probe
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state = %v, want re-opened", got)
	}
}

func TestChainFallsThrough(t *testing.T) {
	c := resilience.NewChain[string](resilience.BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	c.Add("llm", "llm")
	c.Add("rule_engine", "rules")
	c.Add("echo", "echo")

	var tried []string
	got, err := resilience.RunValue(c, func(name, value string) (string, error) {
		tried = append(tried, name)
		if name != "rule_engine" {
			return "", errBackend
		}
		return value, nil
	})
	if err != nil || got != "rules" {
		t.Fatalf("RunValue = (%q, %v)", got, err)
	}
	if len(tried) != 2 || tried[0] != "llm" || tried[1] != "rule_engine" {
		t.Fatalf("tried = %v, want [llm rule_engine]", tried)
	}

	// llm's breaker tripped above; the next run must skip straight past it.
	tried = nil
	_, err = resilience.RunValue(c, func(name, value string) (string, error) {
		tried = append(tried, name)
		return value, nil
	})
	if err != nil {
		t.Fatalf("RunValue: %v", err)
	}
	if len(tried) != 1 || tried[0] != "rule_engine" {
		t.Fatalf("tried = %v, want [rule_engine] (llm skipped)", tried)
	}
}

func TestChainExhausted(t *testing.T) {
	c := resilience.NewChain[int](resilience.BreakerConfig{Threshold: 5, Cooldown: time.Hour})
	c.Add("a", 1)
	c.Add("b", 2)

	err := c.Run(func(name string, value int) error { return errBackend })
	if !errors.Is(err, resilience.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	cfg := resilience.RetryConfig{MaxAttempts: 4, InitialBackoff: time.Millisecond, Jitter: 0}

	attempts := 0
	out, err := resilience.RetryValue(context.Background(), cfg, func(attempt int) (string, error) {
		attempts++
		if attempt < 3 {
			return "", errBackend
		}
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("RetryValue = (%q, %v)", out, err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryGivesUpWithLastError(t *testing.T) {
	cfg := resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}

	err := resilience.Retry(context.Background(), cfg, func(int) error { return errBackend })
	if !errors.Is(err, errBackend) {
		t.Fatalf("err = %v, want last backend error", err)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := resilience.RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour}

	err := resilience.Retry(ctx, cfg, func(int) error { return errBackend })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
