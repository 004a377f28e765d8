// Package events defines the discrete events exchanged between processors
// during a processing cycle.
package events

import "time"

// Kind distinguishes event payload types.
type Kind int

const (
	// Binary events carry an opaque payload, e.g. an encoded position.
	Binary Kind = iota
	// TTL events carry a line state change.
	TTL
)

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case TTL:
		return "ttl"
	default:
		return "unknown"
	}
}

// Metadata describes the source of a binary event.
type Metadata struct {
	Color   string `json:"color" msgpack:"color"`
	Port    int    `json:"port" msgpack:"port"`
	Address string `json:"address" msgpack:"address"`
}

// Event is a single timestamped event. Binary events are stamped in
// milliseconds from the acquisition or recording anchor; TTL events in
// samples since acquisition start.
type Event struct {
	Kind      Kind     `json:"kind" msgpack:"kind"`
	Processor string   `json:"processor" msgpack:"processor"`
	Channel   int      `json:"channel" msgpack:"channel"`
	Timestamp int64    `json:"timestamp" msgpack:"timestamp"`
	Payload   []byte   `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Metadata  Metadata `json:"metadata" msgpack:"metadata"`
	Line      int      `json:"line" msgpack:"line"`
	State     bool     `json:"state" msgpack:"state"`
}

// Cycle is the context for one processing cycle. Processors emit into it and
// later processors in the same cycle see those events.
type Cycle struct {
	// Now is the wall-clock time the cycle started.
	Now time.Time
	// Sample is the sample index of the first sample in the cycle.
	Sample int64
	// NumSamples is the cycle length in samples.
	NumSamples int
	// SampleRate is the sample clock rate in Hz.
	SampleRate float64
	// Acquiring reports whether acquisition is active.
	Acquiring bool
	// Recording reports whether recording is active.
	Recording bool

	events []Event
}

// Emit appends e to the cycle's event list.
func (c *Cycle) Emit(e Event) {
	c.events = append(c.events, e)
}

// Events returns the events emitted so far.
func (c *Cycle) Events() []Event {
	return c.events
}

// Sink receives every event emitted in a cycle after the cycle completes.
type Sink interface {
	HandleEvents(c *Cycle, evs []Event)
}
