// Package publish republishes processing-cycle events to an MQTT broker as
// msgpack-encoded messages.
package publish

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/position"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "tracking"

const queueSize = 512

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Message is the msgpack body of a published event.
type Message struct {
	Kind      string  `msgpack:"kind"`
	Processor string  `msgpack:"processor"`
	Sample    int64   `msgpack:"sample"`
	Timestamp int64   `msgpack:"timestamp"`
	Port      int     `msgpack:"port,omitempty"`
	Address   string  `msgpack:"address,omitempty"`
	Color     string  `msgpack:"color,omitempty"`
	X         float32 `msgpack:"x,omitempty"`
	Y         float32 `msgpack:"y,omitempty"`
	Width     float32 `msgpack:"width,omitempty"`
	Height    float32 `msgpack:"height,omitempty"`
	Line      int     `msgpack:"line,omitempty"`
	State     bool    `msgpack:"state,omitempty"`
	Recording bool    `msgpack:"recording,omitempty"`
}

// NewMessage converts an event emitted in cycle c.
func NewMessage(c *events.Cycle, e events.Event) (Message, error) {
	m := Message{
		Kind:      e.Kind.String(),
		Processor: e.Processor,
		Sample:    c.Sample,
		Timestamp: e.Timestamp,
		Recording: c.Recording,
	}
	switch e.Kind {
	case events.Binary:
		var s position.Sample
		if err := s.UnmarshalBinary(e.Payload); err != nil {
			return m, err
		}
		m.Port, m.Address, m.Color = e.Metadata.Port, e.Metadata.Address, e.Metadata.Color
		m.X, m.Y, m.Width, m.Height = s.X, s.Y, s.Width, s.Height
	case events.TTL:
		m.Line, m.State = e.Line, e.State
	}
	return m, nil
}

// Topic returns the topic an event is published on: positions under
// <prefix>/position/<address>, TTL edges under <prefix>/ttl/<line>.
func Topic(prefix string, e events.Event) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	switch e.Kind {
	case events.Binary:
		addr := strings.Trim(e.Metadata.Address, "/")
		if addr == "" {
			addr = fmt.Sprintf("port%d", e.Metadata.Port)
		}
		return prefix + "/position/" + addr
	default:
		return fmt.Sprintf("%s/ttl/%d", prefix, e.Line)
	}
}

type outgoing struct {
	topic   string
	payload []byte
}

// Sink is an events.Sink that hands events to a Publisher from its own
// goroutine. HandleEvents drops messages when the publisher falls behind.
type Sink struct {
	pub    Publisher
	prefix string
	out    chan outgoing

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewSink creates a sink publishing under prefix.
func NewSink(pub Publisher, prefix string) *Sink {
	return &Sink{
		pub:    pub,
		prefix: prefix,
		out:    make(chan outgoing, queueSize),
	}
}

// HandleEvents encodes and queues every event.
func (s *Sink) HandleEvents(c *events.Cycle, evs []events.Event) {
	for _, e := range evs {
		m, err := NewMessage(c, e)
		if err != nil {
			s.failed.Add(1)
			continue
		}
		payload, err := msgpack.Marshal(&m)
		if err != nil {
			s.failed.Add(1)
			continue
		}
		select {
		case s.out <- outgoing{topic: Topic(s.prefix, e), payload: payload}:
		default:
			s.dropped.Add(1)
		}
	}
}

// Run publishes queued messages until ctx is done.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-s.out:
			if err := s.pub.Publish(o.topic, o.payload); err != nil {
				if s.failed.Add(1) == 1 {
					monitoring.Logf("publish: %v", err)
				}
				continue
			}
			s.published.Add(1)
		}
	}
}

// Stats is a snapshot of the sink counters.
type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Stats returns the sink counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}
