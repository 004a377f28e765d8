package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidPort is returned by Attach for a port outside 1-65535. Port 0
// would bind an ephemeral port that Detach could never find again.
var ErrInvalidPort = errors.New("port must be in 1-65535")

// Registry shares listeners between sinks on the same port. Listeners are
// created on first Attach and stopped by Sweep once no sink remains.
type Registry struct {
	base ListenerConfig

	mu        sync.Mutex
	listeners map[int]*Listener
}

// NewRegistry creates a registry whose listeners use base with the port
// replaced per call.
func NewRegistry(base ListenerConfig) *Registry {
	return &Registry{
		base:      base,
		listeners: make(map[int]*Listener),
	}
}

// Attach registers s on port, binding a new listener if none exists yet. The
// registry is swept first so a port released earlier can be rebound.
func (r *Registry) Attach(port int, s Sink) (*Listener, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("attach %d: %w", port, ErrInvalidPort)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	l, ok := r.listeners[port]
	if !ok {
		cfg := r.base
		cfg.Port = port
		var err error
		l, err = Listen(cfg)
		if err != nil {
			return nil, err
		}
		r.listeners[port] = l
	}
	l.AddSink(s)
	return l, nil
}

// Detach unregisters s from port and sweeps, stopping the listener if s was
// its last sink.
func (r *Registry) Detach(port int, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.listeners[port]; ok {
		l.RemoveSink(s)
	}
	r.sweepLocked()
}

// Sweep stops and evicts every listener without sinks. It returns the number
// evicted.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked()
}

func (r *Registry) sweepLocked() int {
	evicted := 0
	for port, l := range r.listeners {
		if l.SinkCount() == 0 {
			l.Stop()
			delete(r.listeners, port)
			evicted++
		}
	}
	return evicted
}

// Lookup returns the listener bound to port, if any.
func (r *Registry) Lookup(port int) (*Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[port]
	return l, ok
}

// Ports returns the bound ports in ascending order.
func (r *Registry) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]int, 0, len(r.listeners))
	for p := range r.listeners {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Close stops every listener regardless of sinks.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port, l := range r.listeners {
		l.Stop()
		delete(r.listeners, port)
	}
}
