// Package network receives OSC position messages over UDP and dispatches them
// to the sinks registered for each address.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/osc"
	"github.com/CINPLA/tracking-plugin/internal/position"
)

const (
	// DefaultHost is the interface listeners bind to.
	DefaultHost = "localhost"
	// DefaultJoinTimeout bounds how long Stop waits for the receive loop.
	DefaultJoinTimeout = 2 * time.Second

	readDeadline = 100 * time.Millisecond
	maxDatagram  = 2048
)

// BindError reports a listener that could not bind its port.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind udp port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Sink receives decoded positions whose address exactly matches OSCAddress.
// ReceivePosition runs on the listener goroutine and must not block.
type Sink interface {
	OSCAddress() string
	ReceivePosition(address string, p position.Sample)
}

// ListenerConfig contains configuration options for a Listener.
type ListenerConfig struct {
	Host        string
	Port        int
	RcvBuf      int
	Decode      osc.DecodeOptions
	Sockets     UDPSocketFactory
	Stats       *monitoring.MessageStats
	JoinTimeout time.Duration
}

// Listener owns one UDP port and its receive goroutine.
type Listener struct {
	port        int
	decode      osc.DecodeOptions
	conn        UDPSocket
	stats       *monitoring.MessageStats
	statsKey    string
	joinTimeout time.Duration
	logf        func(format string, v ...interface{})

	mu    sync.RWMutex
	sinks []Sink

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Listen binds the configured port and starts the receive goroutine. A bind
// failure is returned as *BindError and leaves nothing running.
func Listen(cfg ListenerConfig) (*Listener, error) {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	sockets := cfg.Sockets
	if sockets == nil {
		sockets = RealUDPSocketFactory{}
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(cfg.Port)))
	if err != nil {
		return nil, &BindError{Port: cfg.Port, Err: err}
	}
	conn, err := sockets.ListenUDP("udp", addr)
	if err != nil {
		return nil, &BindError{Port: cfg.Port, Err: err}
	}

	port := cfg.Port
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = la.Port
	}

	l := &Listener{
		port:        port,
		decode:      cfg.Decode,
		conn:        conn,
		stats:       cfg.Stats,
		statsKey:    fmt.Sprintf("udp:%d", port),
		joinTimeout: joinTimeout,
		logf:        monitoring.Prefixed(fmt.Sprintf("osc:%d", port)),
		done:        make(chan struct{}),
	}

	if cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(cfg.RcvBuf); err != nil {
			l.logf("Warning: failed to set UDP receive buffer size to %d: %v", cfg.RcvBuf, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)

	l.logf("listening on %s", conn.LocalAddr())
	return l, nil
}

// Port returns the bound port.
func (l *Listener) Port() int { return l.port }

// AddSink registers s. Several sinks may share a port with distinct addresses.
func (l *Listener) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.sinks {
		if existing == s {
			return
		}
	}
	sinks := make([]Sink, 0, len(l.sinks)+1)
	sinks = append(sinks, l.sinks...)
	l.sinks = append(sinks, s)
}

// RemoveSink unregisters s. It reports whether s was registered.
func (l *Listener) RemoveSink(s Sink) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.sinks {
		if existing == s {
			// copy so an in-flight dispatch keeps its own slice
			sinks := make([]Sink, 0, len(l.sinks)-1)
			sinks = append(sinks, l.sinks[:i]...)
			l.sinks = append(sinks, l.sinks[i+1:]...)
			return true
		}
	}
	return false
}

// SinkCount returns the number of registered sinks.
func (l *Listener) SinkCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sinks)
}

// Done is closed when the receive goroutine has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Stop breaks the receive loop and waits up to the join timeout for it to
// exit. A timeout is logged, not returned. Stop is idempotent.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		if err := l.conn.Close(); err != nil {
			l.logf("close: %v", err)
		}
		select {
		case <-l.done:
		case <-time.After(l.joinTimeout):
			l.logf("receive loop did not exit within %v", l.joinTimeout)
		}
	})
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set read deadline to allow checking context cancellation
		_ = l.conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, addr, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logf("UDP read error: %v", err)
			continue
		}

		l.handlePacket(buffer[:n], addr)
	}
}

// handlePacket decodes one datagram and dispatches every well-formed message.
func (l *Listener) handlePacket(packet []byte, from *net.UDPAddr) {
	msgs, err := osc.Parse(packet)
	if err != nil {
		l.dropped(from, err)
		return
	}

	for _, msg := range msgs {
		values, err := osc.Floats(msg, 4, l.decode)
		if err != nil {
			l.dropped(from, err)
			continue
		}
		sample, _ := position.FromFloats(values)
		l.dispatch(msg.Address, sample)
	}
}

func (l *Listener) dispatch(address string, sample position.Sample) {
	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()

	for _, s := range sinks {
		if s.OSCAddress() == address {
			s.ReceivePosition(address, sample)
		}
	}
}

func (l *Listener) dropped(from *net.UDPAddr, err error) {
	if l.stats != nil {
		l.stats.AddMalformed(l.statsKey)
	}
	l.logf("dropping message from %v: %v", from, err)
}
