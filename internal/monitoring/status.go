package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/queue"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

// StatusSink receives short user-visible status messages such as bind
// failures, cleared queues or a missing pulse generator.
type StatusSink interface {
	Status(msg string)
}

// StatusFunc adapts a plain function to StatusSink.
type StatusFunc func(msg string)

// Status calls f(msg).
func (f StatusFunc) Status(msg string) { f(msg) }

// Statusf formats a message and sends it to sink. A nil sink is ignored.
func Statusf(sink StatusSink, format string, v ...interface{}) {
	if sink == nil {
		return
	}
	sink.Status(fmt.Sprintf(format, v...))
}

// StatusEntry is one retained status message.
type StatusEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// DefaultStatusHistory is the number of messages a StatusLog keeps.
const DefaultStatusHistory = 64

// StatusLog logs each status message and keeps the most recent ones for the
// HTTP API.
type StatusLog struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	entries *queue.Ring[StatusEntry]
	forward []StatusSink
}

// NewStatusLog creates a StatusLog retaining up to history messages.
func NewStatusLog(history int, clock timeutil.Clock) *StatusLog {
	if history <= 0 {
		history = DefaultStatusHistory
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &StatusLog{
		clock:   clock,
		entries: queue.NewRing[StatusEntry](history),
	}
}

// Forward registers an additional sink that receives every message.
func (s *StatusLog) Forward(sink StatusSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forward = append(s.forward, sink)
}

// Status records msg.
func (s *StatusLog) Status(msg string) {
	Logf("status: %s", msg)

	s.mu.Lock()
	s.entries.Push(StatusEntry{Time: s.clock.Now(), Message: msg})
	forward := s.forward
	s.mu.Unlock()

	for _, f := range forward {
		f.Status(msg)
	}
}

// Recent returns the retained messages, oldest first.
func (s *StatusLog) Recent() []StatusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Snapshot()
}
