// Package tracking ingests position messages from one or more tracked sources,
// stamps them against the acquisition or recording clock and republishes them
// as binary events once per processing cycle.
package tracking

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/network"
	"github.com/CINPLA/tracking-plugin/internal/position"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

const (
	// DefaultPort is the port of the first source when none is configured.
	DefaultPort = 27020
	// UnsetPort marks a source whose port has not been chosen.
	UnsetPort = -1
)

var (
	// ErrPortInUse is returned when another source already uses the port.
	ErrPortInUse = errors.New("port already used by another source")
	// ErrNoSuchSource is returned for an out-of-range source index.
	ErrNoSuchSource = errors.New("no such source")
)

// Config contains configuration options for a Node.
type Config struct {
	// Name identifies the node in emitted events.
	Name string
	// Registry shares listeners between sources. Required.
	Registry *network.Registry
	Clock    timeutil.Clock
	Status   monitoring.StatusSink
	Stats    *monitoring.MessageStats
	// QueueMode selects the per-source buffer; defaults to QueueRing.
	QueueMode QueueMode
	// QueueCapacity is the slot count for QueueRing.
	QueueCapacity int
}

// SourceInfo describes a configured source.
type SourceInfo struct {
	Index    int    `json:"index"`
	Port     int    `json:"port"`
	Address  string `json:"address"`
	Color    string `json:"color"`
	Active   bool   `json:"active"`
	Buffered int    `json:"buffered"`
}

// Node is the ingest orchestrator. cfgMu serialises configuration calls
// (AddSource, SetPort and friends) and is held across listener bind and
// release. mu guards the queues, the gates and every field the listener
// goroutines or Process read; it is the only lock those paths take, and
// writers take it briefly under cfgMu.
type Node struct {
	name     string
	registry *network.Registry
	clock    timeutil.Clock
	status   monitoring.StatusSink
	stats    *monitoring.MessageStats
	mode     QueueMode
	capacity int

	cfgMu   sync.RWMutex
	sources []*source

	mu            sync.Mutex
	acquiring     bool
	recording     bool
	acqTimeLogged bool
	recTimeLogged bool
	acqStart      time.Time
	recStart      time.Time
	received      int64
	clearedQueues int64

	positionUpdated atomic.Bool
}

// source is one tracked entity. It is the network.Sink registered with its
// listener; the listener dispatches to it only for its exact address.
type source struct {
	node    *Node
	port    int
	address string
	color   string
	queue   recordQueue
	bound   bool
}

func (s *source) OSCAddress() string {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return s.address
}

func (s *source) ReceivePosition(_ string, p position.Sample) {
	s.node.receive(s, p)
}

func (s *source) key() string {
	return fmt.Sprintf("%d%s", s.port, s.address)
}

// NewNode creates a node with no sources.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Registry == nil {
		return nil, errors.New("tracking: registry is required")
	}
	if _, err := newRecordQueue(cfg.QueueMode, cfg.QueueCapacity); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	name := cfg.Name
	if name == "" {
		name = "tracking"
	}
	return &Node{
		name:     name,
		registry: cfg.Registry,
		clock:    clock,
		status:   cfg.Status,
		stats:    cfg.Stats,
		mode:     cfg.QueueMode,
		capacity: cfg.QueueCapacity,
	}, nil
}

// Name returns the node name used in emitted events.
func (n *Node) Name() string { return n.name }

// AddSource binds a new source. On a bind failure nothing is added, the
// failure is reported as a status message and returned.
func (n *Node) AddSource(port int, address, color string) (int, error) {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	if n.portUsedLocked(port, -1) {
		monitoring.Statusf(n.status, "Port %d is already used by another source", port)
		return -1, fmt.Errorf("add source on port %d: %w", port, ErrPortInUse)
	}
	if color == "" {
		color = PaletteColor(len(n.sources))
	}

	s := n.newSource(port, address, color)
	if err := n.bindLocked(s); err != nil {
		return -1, err
	}
	n.mu.Lock()
	n.sources = append(n.sources, s)
	n.mu.Unlock()
	monitoring.Logf("added source %d: port %d address %q color %s", len(n.sources)-1, port, address, color)
	return len(n.sources) - 1, nil
}

// AddEmptySource appends a placeholder source with no port or address. It
// binds once both are set.
func (n *Node) AddEmptySource() int {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	s := n.newSource(UnsetPort, "", PaletteColor(len(n.sources)))
	n.mu.Lock()
	n.sources = append(n.sources, s)
	n.mu.Unlock()
	return len(n.sources) - 1
}

// RemoveSource stops the source's listener and then releases its queue.
func (n *Node) RemoveSource(i int) error {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	if i < 0 || i >= len(n.sources) {
		return fmt.Errorf("remove source %d: %w", i, ErrNoSuchSource)
	}
	s := n.sources[i]
	n.unbindLocked(s)

	n.mu.Lock()
	n.sources = append(n.sources[:i:i], n.sources[i+1:]...)
	s.queue.Clear()
	n.mu.Unlock()
	return nil
}

// SetPort moves source i to port. If the source has an address the old
// listener is released before the new one is bound; a bind failure leaves
// the source configured but inactive.
func (n *Node) SetPort(i, port int) error {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	s, err := n.sourceLocked(i)
	if err != nil {
		return err
	}
	if n.portUsedLocked(port, i) {
		monitoring.Statusf(n.status, "Port %d is already used by another source", port)
		return fmt.Errorf("set port %d on source %d: %w", port, i, ErrPortInUse)
	}

	n.unbindLocked(s)
	n.mu.Lock()
	s.port = port
	n.mu.Unlock()
	if s.address == "" || port == UnsetPort {
		return nil
	}
	return n.bindLocked(s)
}

// SetAddress changes the address pattern of source i and rebinds it if its
// port is set.
func (n *Node) SetAddress(i int, address string) error {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	s, err := n.sourceLocked(i)
	if err != nil {
		return err
	}

	n.unbindLocked(s)
	n.mu.Lock()
	s.address = address
	n.mu.Unlock()
	if s.port == UnsetPort {
		return nil
	}
	return n.bindLocked(s)
}

// SetColor changes the display color of source i.
func (n *Node) SetColor(i int, color string) error {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	s, err := n.sourceLocked(i)
	if err != nil {
		return err
	}
	n.mu.Lock()
	s.color = color
	n.mu.Unlock()
	return nil
}

// Port returns the port of source i, or UnsetPort if i is out of range.
func (n *Node) Port(i int) int {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	if i < 0 || i >= len(n.sources) {
		return UnsetPort
	}
	return n.sources[i].port
}

// Address returns the address of source i, or "" if i is out of range.
func (n *Node) Address(i int) string {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	if i < 0 || i >= len(n.sources) {
		return ""
	}
	return n.sources[i].address
}

// Color returns the color of source i, or "" if i is out of range.
func (n *Node) Color(i int) string {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	if i < 0 || i >= len(n.sources) {
		return ""
	}
	return n.sources[i].color
}

// NumSources returns the number of configured sources.
func (n *Node) NumSources() int {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	return len(n.sources)
}

// SourceIndex returns the index of the last source configured with port and
// address, or -1.
func (n *Node) SourceIndex(port int, address string) int {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	index := -1
	for i, s := range n.sources {
		if s.port == port && s.address == address {
			index = i
		}
	}
	return index
}

// Sources describes every configured source.
func (n *Node) Sources() []SourceInfo {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]SourceInfo, 0, len(n.sources))
	for i, s := range n.sources {
		out = append(out, SourceInfo{
			Index:    i,
			Port:     s.port,
			Address:  s.address,
			Color:    s.color,
			Active:   s.bound,
			Buffered: s.queue.Len(),
		})
	}
	return out
}

// SetAcquisition updates the acquisition gate. The clock is anchored by the
// first sample that arrives after the rising edge.
func (n *Node) SetAcquisition(active bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acquiring = active
	if !active {
		n.acqTimeLogged = false
	}
}

// SetRecording updates the recording gate. The clock is anchored by the
// first sample that arrives after the rising edge.
func (n *Node) SetRecording(active bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recording = active
	if !active {
		n.recTimeLogged = false
	}
}

// Received returns the number of samples buffered since the last recording
// start.
func (n *Node) Received() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.received
}

// ClearedQueues returns how many times a queue was cleared after failing its
// consistency check.
func (n *Node) ClearedQueues() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clearedQueues
}

// Close stops every listener, then releases the queues.
func (n *Node) Close() {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	for _, s := range n.sources {
		n.unbindLocked(s)
	}
	n.mu.Lock()
	for _, s := range n.sources {
		s.queue.Clear()
	}
	n.sources = nil
	n.mu.Unlock()
}

// receive runs on a listener goroutine.
func (n *Node) receive(s *source, p position.Sample) {
	now := n.clock.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.recording {
		if !n.recTimeLogged {
			n.received = 0
			n.recStart = now
			n.recTimeLogged = true
			n.clearQueuesLocked()
			monitoring.Statusf(n.status, "Clearing queue before start recording")
		}
	} else {
		n.recTimeLogged = false
	}

	if !n.acquiring {
		n.acqTimeLogged = false
		return
	}

	if !n.acqTimeLogged {
		n.acqStart = now
		n.acqTimeLogged = true
		n.clearQueuesLocked()
		monitoring.Statusf(n.status, "Clearing queue before start acquisition")
	}

	anchor := n.acqStart
	if n.recording {
		anchor = n.recStart
	}
	s.queue.Push(position.Record{
		Timestamp: timeutil.MillisSince(anchor, now),
		Position:  p,
	})
	n.received++
	n.positionUpdated.Store(true)
	if n.stats != nil {
		n.stats.AddReceived(s.key())
	}

	if !s.queue.Consistent() {
		s.queue.Clear()
		n.clearedQueues++
		if n.stats != nil {
			n.stats.AddCleared(s.key())
		}
		monitoring.Statusf(n.status, "Cleared input queue %d times. Received: %d", n.clearedQueues, n.received)
	}
}

// Process drains every source queue into binary events. It returns at once
// when nothing arrived since the last call.
func (n *Node) Process(c *events.Cycle) {
	if !n.positionUpdated.Load() {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for i, s := range n.sources {
		meta := events.Metadata{
			Color:   strings.ToLower(s.color),
			Port:    s.port,
			Address: strings.ToLower(s.address),
		}
		drained := 0
		for {
			rec, ok := s.queue.Pop()
			if !ok {
				break
			}
			payload, _ := rec.Position.MarshalBinary()
			c.Emit(events.Event{
				Kind:      events.Binary,
				Processor: n.name,
				Channel:   i,
				Timestamp: rec.Timestamp,
				Payload:   payload,
				Metadata:  meta,
			})
			drained++
		}
		if n.stats != nil {
			n.stats.AddDrained(s.key(), drained)
		}
	}
	n.positionUpdated.Store(false)
}

func (n *Node) newSource(port int, address, color string) *source {
	// the mode was validated in NewNode
	q, _ := newRecordQueue(n.mode, n.capacity)
	return &source{node: n, port: port, address: address, color: color, queue: q}
}

func (n *Node) sourceLocked(i int) (*source, error) {
	if i < 0 || i >= len(n.sources) {
		return nil, fmt.Errorf("source %d: %w", i, ErrNoSuchSource)
	}
	return n.sources[i], nil
}

func (n *Node) portUsedLocked(port, except int) bool {
	if port == UnsetPort {
		return false
	}
	for i, s := range n.sources {
		if i != except && s.port == port {
			return true
		}
	}
	return false
}

func (n *Node) bindLocked(s *source) error {
	_, err := n.registry.Attach(s.port, s)

	n.mu.Lock()
	s.bound = err == nil
	n.mu.Unlock()

	if err != nil {
		monitoring.Statusf(n.status, "Could not bind port %d for %s: %v", s.port, s.address, err)
		return err
	}
	return nil
}

func (n *Node) unbindLocked(s *source) {
	if !s.bound {
		return
	}
	n.registry.Detach(s.port, s)

	n.mu.Lock()
	s.bound = false
	n.mu.Unlock()
}

func (n *Node) clearQueuesLocked() {
	for _, s := range n.sources {
		s.queue.Clear()
	}
}
