package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// SimilarityFilter drops a message when its text is near-identical to a
// recently seen one. Spammy chat ("666", "6666", "66666") collapses to the
// first occurrence inside the window.
//
// The score for a candidate pair is the best of three measures: the longest
// common subsequence ratio 2*lcs/(len1+len2), a containment ratio when the
// shorter text appears inside the longer one and covers at least half of it,
// and normalized Levenshtein similarity. Comparison is case-insensitive on
// trimmed text.
type SimilarityFilter struct {
	priority  int
	enabled   bool
	errPolicy ErrorPolicy
	timeout   time.Duration

	threshold float64
	window    time.Duration
	minLength int
	crossUser bool

	now func() time.Time

	mu   sync.Mutex
	seen map[string][]seenEntry
}

type seenEntry struct {
	text string
	at   time.Time
}

var _ Pipeline = (*SimilarityFilter)(nil)

// NewSimilarityFilter builds the stage from its
// pipelines.similarity_filter.input table.
func NewSimilarityFilter(opts Options) *SimilarityFilter {
	return &SimilarityFilter{
		priority:  opts.Int("priority", 200),
		enabled:   opts.Bool("enabled", true),
		errPolicy: opts.policy(),
		timeout:   opts.Seconds("timeout_seconds", defaultStageTimeout),
		threshold: opts.Float("similarity_threshold", 0.85),
		window:    opts.Seconds("time_window_seconds", 5*time.Second),
		minLength: opts.Int("min_text_length", 3),
		crossUser: opts.Bool("cross_user_filter", false),
		now:       time.Now,
		seen:      make(map[string][]seenEntry),
	}
}

// SetClock replaces the time source. Test hook.
func (f *SimilarityFilter) SetClock(now func() time.Time) { f.now = now }

func (f *SimilarityFilter) Name() string             { return "similarity_filter" }
func (f *SimilarityFilter) Priority() int            { return f.priority }
func (f *SimilarityFilter) Enabled() bool            { return f.enabled }
func (f *SimilarityFilter) ErrorPolicy() ErrorPolicy { return f.errPolicy }
func (f *SimilarityFilter) Timeout() time.Duration   { return f.timeout }

func (f *SimilarityFilter) Process(ctx context.Context, msg vtuber.NormalizedMessage) (*vtuber.NormalizedMessage, error) {
	text := strings.ToLower(strings.TrimSpace(msg.Text))
	if utf8.RuneCountInString(text) < f.minLength {
		return &msg, nil
	}

	group := "global"
	if !f.crossUser {
		group = msg.UserID()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	cutoff := now.Add(-f.window)
	fresh := f.seen[group][:0:0]
	for _, e := range f.seen[group] {
		if e.at.After(cutoff) {
			fresh = append(fresh, e)
		}
	}

	for _, e := range fresh {
		if similarity(text, e.text) >= f.threshold {
			f.seen[group] = fresh
			return nil, nil
		}
	}

	f.seen[group] = append(fresh, seenEntry{text: text, at: now})
	return &msg, nil
}

// similarity scores two non-empty strings in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 || lb == 0 {
		return 0
	}

	score := 2 * float64(lcsLength(ra, rb)) / float64(la+lb)

	shorter, longer := a, b
	ls, ll := la, lb
	if ls > ll {
		shorter, longer = b, a
		ls, ll = ll, la
	}
	if 2*ls >= ll && strings.Contains(longer, shorter) {
		if c := float64(ls) / float64(ll); c > score {
			score = c
		}
	}

	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if lev := 1 - float64(matchr.Levenshtein(a, b))/float64(maxLen); lev > score {
		score = lev
	}
	return score
}

// lcsLength computes the longest common subsequence length with a rolling
// single-row table.
func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	row := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				row[j] = prev[j-1] + 1
			} else if prev[j] >= row[j-1] {
				row[j] = prev[j]
			} else {
				row[j] = row[j-1]
			}
		}
		prev, row = row, prev
	}
	return prev[len(b)]
}
