// Package host drives the processing graph: it owns the acquisition and
// recording gates and the sample clock, and runs every processor once per
// cycle at a fixed rate.
package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

const (
	// DefaultSampleRate is the sample clock rate in Hz.
	DefaultSampleRate = 30000
	// DefaultCycleHz is the number of processing cycles per second.
	DefaultCycleHz = 100
)

// Processor is run once per cycle in graph order.
type Processor interface {
	Name() string
	Process(c *events.Cycle)
}

// EventHandler is implemented by processors that consume events emitted by
// processors earlier in the graph.
type EventHandler interface {
	HandleEvent(c *events.Cycle, e events.Event)
}

// AcquisitionAware processors and sinks are told when acquisition starts and
// stops.
type AcquisitionAware interface {
	SetAcquisition(active bool)
}

// RecordingAware processors and sinks are told when recording starts and
// stops.
type RecordingAware interface {
	SetRecording(active bool)
}

// Config contains configuration options for a Graph.
type Config struct {
	Clock      timeutil.Clock
	SampleRate float64
	CycleHz    float64
}

// Status is a snapshot of the graph gates and counters.
type Status struct {
	Acquiring  bool      `json:"acquiring"`
	Recording  bool      `json:"recording"`
	AcqStart   time.Time `json:"acq_start,omitempty"`
	Sample     int64     `json:"sample"`
	Cycles     int64     `json:"cycles"`
	SampleRate float64   `json:"sample_rate"`
	CycleHz    float64   `json:"cycle_hz"`
	Processors []string  `json:"processors"`
}

// Graph is an ordered list of processors and a set of sinks. Step is not
// reentrant; Run calls it from a single goroutine.
type Graph struct {
	clock      timeutil.Clock
	sampleRate float64
	cycleHz    float64

	stepMu sync.Mutex

	mu         sync.Mutex
	processors []Processor
	sinks      []events.Sink
	acquiring  bool
	recording  bool
	acqStart   time.Time
	lastSample int64
	cycles     int64
	injected   []events.Event
}

// NewGraph returns an empty graph.
func NewGraph(cfg Config) *Graph {
	g := &Graph{
		clock:      cfg.Clock,
		sampleRate: cfg.SampleRate,
		cycleHz:    cfg.CycleHz,
	}
	if g.clock == nil {
		g.clock = timeutil.RealClock{}
	}
	if g.sampleRate <= 0 {
		g.sampleRate = DefaultSampleRate
	}
	if g.cycleHz <= 0 {
		g.cycleHz = DefaultCycleHz
	}
	return g
}

// Add appends a processor.
func (g *Graph) Add(p Processor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.processors = append(g.processors, p)
}

// AddSink registers a sink that receives every cycle's events.
func (g *Graph) AddSink(s events.Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks = append(g.sinks, s)
}

// SampleRate returns the sample clock rate.
func (g *Graph) SampleRate() float64 { return g.sampleRate }

// SetAcquisition starts or stops acquisition and forwards the edge to
// every AcquisitionAware processor and sink. Stopping acquisition also stops
// recording.
func (g *Graph) SetAcquisition(active bool) {
	g.mu.Lock()
	if g.acquiring == active {
		g.mu.Unlock()
		return
	}
	g.acquiring = active
	if active {
		g.acqStart = g.clock.Now()
		g.lastSample = 0
	}
	stopRecording := !active && g.recording
	if stopRecording {
		g.recording = false
	}
	targets := g.gateTargetsLocked()
	g.mu.Unlock()

	for _, t := range targets {
		if stopRecording {
			if r, ok := t.(RecordingAware); ok {
				r.SetRecording(false)
			}
		}
		if a, ok := t.(AcquisitionAware); ok {
			a.SetAcquisition(active)
		}
	}
	monitoring.Logf("acquisition %s", onOff(active))
}

// ErrNotAcquiring is returned when recording is started without
// acquisition.
var ErrNotAcquiring = errors.New("recording requires acquisition")

// SetRecording starts or stops recording. Recording can only start while
// acquiring.
func (g *Graph) SetRecording(active bool) error {
	g.mu.Lock()
	if active && !g.acquiring {
		g.mu.Unlock()
		return ErrNotAcquiring
	}
	if g.recording == active {
		g.mu.Unlock()
		return nil
	}
	g.recording = active
	targets := g.gateTargetsLocked()
	g.mu.Unlock()

	for _, t := range targets {
		if r, ok := t.(RecordingAware); ok {
			r.SetRecording(active)
		}
	}
	monitoring.Logf("recording %s", onOff(active))
	return nil
}

// gateTargetsLocked returns the processors followed by the sinks; either
// may implement AcquisitionAware or RecordingAware.
func (g *Graph) gateTargetsLocked() []interface{} {
	targets := make([]interface{}, 0, len(g.processors)+len(g.sinks))
	for _, p := range g.processors {
		targets = append(targets, p)
	}
	for _, s := range g.sinks {
		targets = append(targets, s)
	}
	return targets
}

func onOff(b bool) string {
	if b {
		return "started"
	}
	return "stopped"
}

// Inject queues an external event, such as a TTL input edge, for delivery
// to every EventHandler at the start of the next cycle.
func (g *Graph) Inject(e events.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.injected = append(g.injected, e)
}

// Step runs one cycle at now. It returns nil when not acquiring.
func (g *Graph) Step(now time.Time) *events.Cycle {
	g.stepMu.Lock()
	defer g.stepMu.Unlock()

	g.mu.Lock()
	if !g.acquiring {
		g.injected = nil
		g.mu.Unlock()
		return nil
	}
	sample := timeutil.SamplesBetween(g.acqStart, now, g.sampleRate)
	numSamples := int(sample - g.lastSample)
	g.lastSample = sample
	c := &events.Cycle{
		Now:        now,
		Sample:     sample - int64(numSamples),
		NumSamples: numSamples,
		SampleRate: g.sampleRate,
		Acquiring:  true,
		Recording:  g.recording,
	}
	procs := append([]Processor(nil), g.processors...)
	sinks := append([]events.Sink(nil), g.sinks...)
	injected := g.injected
	g.injected = nil
	g.cycles++
	g.mu.Unlock()

	for _, e := range injected {
		for _, p := range procs {
			if h, ok := p.(EventHandler); ok {
				h.HandleEvent(c, e)
			}
		}
	}

	for i, p := range procs {
		before := len(c.Events())
		p.Process(c)
		emitted := c.Events()[before:]
		if len(emitted) == 0 {
			continue
		}
		for _, later := range procs[i+1:] {
			h, ok := later.(EventHandler)
			if !ok {
				continue
			}
			for _, e := range emitted {
				h.HandleEvent(c, e)
			}
		}
	}

	if evs := c.Events(); len(evs) > 0 {
		for _, s := range sinks {
			s.HandleEvents(c, evs)
		}
	}
	return c
}

// Run steps the graph at the configured cycle rate until ctx is done.
func (g *Graph) Run(ctx context.Context) error {
	return timeutil.Every(ctx, g.clock, timeutil.Interval(g.cycleHz), func(now time.Time) { g.Step(now) })
}

// Status returns a snapshot of the gates and counters.
func (g *Graph) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		Acquiring:  g.acquiring,
		Recording:  g.recording,
		Sample:     g.lastSample,
		Cycles:     g.cycles,
		SampleRate: g.sampleRate,
		CycleHz:    g.cycleHz,
	}
	if g.acquiring {
		st.AcqStart = g.acqStart
	}
	for _, p := range g.processors {
		st.Processors = append(st.Processors, p.Name())
	}
	return st
}
