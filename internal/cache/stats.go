package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks per-instance cache counters plus a bounded rolling window of
// durable-tier latencies. It is owned by one Cache and safe for concurrent
// use; Reset returns every counter to zero.
type Stats struct {
	fastHits      atomic.Int64
	fastMisses    atomic.Int64
	durableHits   atomic.Int64
	durableMisses atomic.Int64
	durableErrors atomic.Int64
	slowOps       atomic.Int64

	mu       sync.Mutex
	window   []time.Duration
	next     int
	recorded int
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FastHits       int64
	FastMisses     int64
	DurableHits    int64
	DurableMisses  int64
	DurableErrors  int64
	SlowOps        int64
	AverageLatency time.Duration
	Samples        int
}

func newStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = defaultLatencyWindow
	}
	return &Stats{window: make([]time.Duration, windowSize)}
}

func (s *Stats) recordLatency(d time.Duration, slow bool) {
	if slow {
		s.slowOps.Add(1)
	}
	s.mu.Lock()
	s.window[s.next] = d
	s.next = (s.next + 1) % len(s.window)
	if s.recorded < len(s.window) {
		s.recorded++
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of all counters and the rolling average latency.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		FastHits:      s.fastHits.Load(),
		FastMisses:    s.fastMisses.Load(),
		DurableHits:   s.durableHits.Load(),
		DurableMisses: s.durableMisses.Load(),
		DurableErrors: s.durableErrors.Load(),
		SlowOps:       s.slowOps.Load(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Samples = s.recorded
	if s.recorded == 0 {
		return snap
	}
	var total time.Duration
	for i := 0; i < s.recorded; i++ {
		total += s.window[i]
	}
	snap.AverageLatency = total / time.Duration(s.recorded)
	return snap
}

// Reset zeroes every counter and clears the latency window.
func (s *Stats) Reset() {
	s.fastHits.Store(0)
	s.fastMisses.Store(0)
	s.durableHits.Store(0)
	s.durableMisses.Store(0)
	s.durableErrors.Store(0)
	s.slowOps.Store(0)
	s.mu.Lock()
	s.next = 0
	s.recorded = 0
	s.mu.Unlock()
}
