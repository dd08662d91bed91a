package bus

import (
	"sync"
	"time"
)

// EventStats holds the per-event counters maintained by the bus.
// Values returned by [Bus.Stats] are copies; mutating them has no effect on
// the bus's internal counters.
type EventStats struct {
	EmitCount        int64
	ListenerCount    int
	ErrorCount       int64
	LastEmitTime     time.Time
	LastErrorTime    time.Time
	TotalExecutionMS float64
}

// statsTable guards the per-event counters with a single mutex. Updates are
// tiny; contention is negligible next to handler execution.
type statsTable struct {
	mu    sync.Mutex
	table map[string]*EventStats
}

func newStatsTable() *statsTable {
	return &statsTable{table: make(map[string]*EventStats)}
}

func (t *statsTable) entry(name string) *EventStats {
	s, ok := t.table[name]
	if !ok {
		s = &EventStats{}
		t.table[name] = s
	}
	return s
}

func (t *statsTable) recordEmit(name string, listeners int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(name)
	s.EmitCount++
	s.ListenerCount = listeners
	s.LastEmitTime = time.Now()
}

func (t *statsTable) recordError(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(name)
	s.ErrorCount++
	s.LastErrorTime = time.Now()
}

func (t *statsTable) recordDuration(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(name).TotalExecutionMS += float64(d) / float64(time.Millisecond)
}

func (t *statsTable) get(name string) EventStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.table[name]; ok {
		return *s
	}
	return EventStats{}
}

func (t *statsTable) all() map[string]EventStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]EventStats, len(t.table))
	for name, s := range t.table {
		out[name] = *s
	}
	return out
}

func (t *statsTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table = make(map[string]*EventStats)
}
