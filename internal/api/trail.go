package api

import (
	"fmt"
	"sort"
	"sync"

	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/position"
	"github.com/CINPLA/tracking-plugin/internal/queue"
)

// DefaultTrailLength is the number of positions kept per source.
const DefaultTrailLength = 600

// TrailPoint is one drawn position.
type TrailPoint struct {
	Sample int64   `json:"sample"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// SourceTrail is the recent path of one source.
type SourceTrail struct {
	Key    string       `json:"key"`
	Color  string       `json:"color"`
	Points []TrailPoint `json:"points"`
}

// Trail is an events.Sink that keeps the most recent positions of every
// source for the live chart.
type Trail struct {
	length int

	mu      sync.Mutex
	sources map[string]*trailSource
}

type trailSource struct {
	color  string
	points *queue.Ring[TrailPoint]
}

// NewTrail keeps up to length positions per source.
func NewTrail(length int) *Trail {
	if length <= 0 {
		length = DefaultTrailLength
	}
	return &Trail{length: length, sources: make(map[string]*trailSource)}
}

func trailKey(m events.Metadata) string {
	if m.Address != "" {
		return fmt.Sprintf("%d%s", m.Port, m.Address)
	}
	return fmt.Sprintf("%d", m.Port)
}

// HandleEvents records position events.
func (t *Trail) HandleEvents(c *events.Cycle, evs []events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range evs {
		if e.Kind != events.Binary {
			continue
		}
		var s position.Sample
		if err := s.UnmarshalBinary(e.Payload); err != nil {
			continue
		}
		if s.X == 0 && s.Y == 0 {
			continue
		}
		key := trailKey(e.Metadata)
		src, ok := t.sources[key]
		if !ok {
			src = &trailSource{points: queue.NewRing[TrailPoint](t.length)}
			t.sources[key] = src
		}
		src.color = e.Metadata.Color
		src.points.Push(TrailPoint{Sample: c.Sample, X: float64(s.X), Y: float64(s.Y)})
	}
}

// SetAcquisition clears the trails when acquisition starts.
func (t *Trail) SetAcquisition(active bool) {
	if !active {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources = make(map[string]*trailSource)
}

// Snapshot returns every trail ordered by key.
func (t *Trail) Snapshot() []SourceTrail {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SourceTrail, 0, len(t.sources))
	for key, src := range t.sources {
		out = append(out, SourceTrail{Key: key, Color: src.color, Points: src.points.Snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
