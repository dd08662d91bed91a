package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// RateLimit drops messages once a sliding-window count is exceeded, globally
// or per user. Windows are plain timestamp slices; each check evicts entries
// older than the window before counting, and user buckets that empty out are
// garbage-collected so drive-by chatters do not accumulate state.
type RateLimit struct {
	priority    int
	enabled     bool
	errPolicy   ErrorPolicy
	timeout     time.Duration
	globalLimit int
	userLimit   int
	window      time.Duration

	// now is swapped out by tests.
	now func() time.Time

	mu     sync.Mutex
	global []time.Time
	users  map[string][]time.Time
}

var _ Pipeline = (*RateLimit)(nil)

// NewRateLimit builds the stage from its pipelines.rate_limit.input table.
func NewRateLimit(opts Options) *RateLimit {
	return &RateLimit{
		priority:    opts.Int("priority", 100),
		enabled:     opts.Bool("enabled", true),
		errPolicy:   opts.policy(),
		timeout:     opts.Seconds("timeout_seconds", defaultStageTimeout),
		globalLimit: opts.Int("global_rate_limit", 100),
		userLimit:   opts.Int("user_rate_limit", 10),
		window:      opts.Seconds("window_size_seconds", time.Minute),
		now:         time.Now,
		users:       make(map[string][]time.Time),
	}
}

// SetClock replaces the time source. Test hook.
func (r *RateLimit) SetClock(now func() time.Time) { r.now = now }

func (r *RateLimit) Name() string             { return "rate_limit" }
func (r *RateLimit) Priority() int            { return r.priority }
func (r *RateLimit) Enabled() bool            { return r.enabled }
func (r *RateLimit) ErrorPolicy() ErrorPolicy { return r.errPolicy }
func (r *RateLimit) Timeout() time.Duration   { return r.timeout }

func (r *RateLimit) Process(ctx context.Context, msg vtuber.NormalizedMessage) (*vtuber.NormalizedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	r.global = evict(r.global, cutoff)
	user := msg.UserID()
	bucket := evict(r.users[user], cutoff)
	if len(bucket) == 0 {
		delete(r.users, user)
	} else {
		r.users[user] = bucket
	}

	if len(r.global) >= r.globalLimit || len(bucket) >= r.userLimit {
		return nil, nil
	}

	r.global = append(r.global, now)
	r.users[user] = append(bucket, now)
	return &msg, nil
}

// evict drops timestamps at or before cutoff. Slices are append-ordered, so a
// single scan from the front suffices.
func evict(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
