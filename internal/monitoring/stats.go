package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

// MessageStats counts ingest activity per source key. Counters are updated on
// the hot path and read only by Sampler.
type MessageStats struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	counters  map[string]*counter
	lastReset time.Time
	latest    *StatsSnapshot
}

type counter struct {
	received  int64
	malformed int64
	drained   int64
	cleared   int64
	triggers  int64
}

// SourceRates holds per-second rates for a single key.
type SourceRates struct {
	Key         string  `json:"key"`
	ReceivedPS  float64 `json:"received_per_sec"`
	DrainedPS   float64 `json:"drained_per_sec"`
	Malformed   int64   `json:"malformed"`
	Cleared     int64   `json:"cleared_queues"`
	TriggersPS  float64 `json:"triggers_per_sec"`
	Received    int64   `json:"received"`
	Drained     int64   `json:"drained"`
	TriggerSeen int64   `json:"triggers"`
}

// StatsSnapshot is one sampling interval.
type StatsSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Interval  time.Duration `json:"interval"`
	Sources   []SourceRates `json:"sources"`
}

// NewMessageStats creates an empty counter set.
func NewMessageStats(clock timeutil.Clock) *MessageStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MessageStats{
		clock:     clock,
		counters:  make(map[string]*counter),
		lastReset: clock.Now(),
	}
}

func (s *MessageStats) get(key string) *counter {
	c, ok := s.counters[key]
	if !ok {
		c = &counter{}
		s.counters[key] = c
	}
	return c
}

// AddReceived counts a decoded message accepted by key.
func (s *MessageStats) AddReceived(key string) {
	s.mu.Lock()
	s.get(key).received++
	s.mu.Unlock()
}

// AddMalformed counts a datagram dropped by the decoder.
func (s *MessageStats) AddMalformed(key string) {
	s.mu.Lock()
	s.get(key).malformed++
	s.mu.Unlock()
}

// AddDrained counts records emitted by a drain.
func (s *MessageStats) AddDrained(key string, n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.get(key).drained += int64(n)
	s.mu.Unlock()
}

// AddCleared counts a queue cleared after a consistency failure.
func (s *MessageStats) AddCleared(key string) {
	s.mu.Lock()
	s.get(key).cleared++
	s.mu.Unlock()
}

// AddTrigger counts a stimulation trigger.
func (s *MessageStats) AddTrigger(key string) {
	s.mu.Lock()
	s.get(key).triggers++
	s.mu.Unlock()
}

// GetAndReset computes rates over the interval since the last call and resets
// the rate counters. Malformed and cleared counts are cumulative.
func (s *MessageStats) GetAndReset() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	interval := now.Sub(s.lastReset)
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}

	snap := StatsSnapshot{Timestamp: now, Interval: interval}
	for key, c := range s.counters {
		snap.Sources = append(snap.Sources, SourceRates{
			Key:         key,
			ReceivedPS:  float64(c.received) / secs,
			DrainedPS:   float64(c.drained) / secs,
			TriggersPS:  float64(c.triggers) / secs,
			Malformed:   c.malformed,
			Cleared:     c.cleared,
			Received:    c.received,
			Drained:     c.drained,
			TriggerSeen: c.triggers,
		})
		c.received = 0
		c.drained = 0
		c.triggers = 0
	}
	sort.Slice(snap.Sources, func(i, j int) bool { return snap.Sources[i].Key < snap.Sources[j].Key })

	s.lastReset = now
	s.latest = &snap
	return snap
}

// Latest returns the most recent snapshot, or nil before the first sample.
func (s *MessageStats) Latest() *StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// LogStats samples the counters and writes one line per active key.
func (s *MessageStats) LogStats() {
	snap := s.GetAndReset()
	for _, src := range snap.Sources {
		if src.Received == 0 && src.Drained == 0 && src.TriggerSeen == 0 {
			continue
		}
		Logf("[%s] %.1f msg/s received, %.1f/s drained, %d malformed, %d cleared queues, %.2f triggers/s",
			src.Key, src.ReceivedPS, src.DrainedPS, src.Malformed, src.Cleared, src.TriggersPS)
	}
}

// Sampler calls LogStats on a fixed interval until ctx is cancelled.
type Sampler struct {
	Stats    *MessageStats
	Clock    timeutil.Clock
	Interval time.Duration
}

// Run blocks until ctx is done.
func (p *Sampler) Run(ctx context.Context) {
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	_ = timeutil.Every(ctx, clock, interval, func(time.Time) { p.Stats.LogStats() })
}
