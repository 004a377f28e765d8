package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn used by Listener.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket implements UDPSocket for testing. Queued packets are returned
// in order; once exhausted, reads behave like a deadline expiring.
type MockUDPSocket struct {
	mu           sync.Mutex
	packets      []MockUDPPacket
	closed       bool
	readBuffer   int
	localAddress *net.UDPAddr
	delivered    chan struct{}
}

// MockUDPPacket represents a packet for mock testing.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a MockUDPSocket bound to the given port.
func NewMockUDPSocket(port int, packets ...MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets:      packets,
		localAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		delivered:    make(chan struct{}, 1),
	}
}

// Enqueue adds packets to be returned by later reads.
func (m *MockUDPSocket) Enqueue(packets ...MockUDPPacket) {
	m.mu.Lock()
	m.packets = append(m.packets, packets...)
	m.mu.Unlock()
}

// Drained is signalled each time the socket reports a timeout with no queued
// packets, i.e. after everything enqueued so far has been read.
func (m *MockUDPSocket) Drained() <-chan struct{} { return m.delivered }

// ReadFromUDP returns the next queued packet.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if len(m.packets) == 0 {
		m.mu.Unlock()
		select {
		case m.delivered <- struct{}{}:
		default:
		}
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.packets[0]
	m.packets = m.packets[1:]
	m.mu.Unlock()
	return copy(b, pkt.Data), pkt.Addr, nil
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.readBuffer = bytes
	m.mu.Unlock()
	return nil
}

// SetReadDeadline is a no-op.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr { return m.localAddress }

// MockUDPSocketFactory hands out MockUDPSockets keyed by port.
type MockUDPSocketFactory struct {
	mu      sync.Mutex
	Sockets map[int]*MockUDPSocket
	// InUse lists ports that fail to bind.
	InUse map[int]bool
	Calls []int
}

// NewMockUDPSocketFactory creates an empty factory.
func NewMockUDPSocketFactory() *MockUDPSocketFactory {
	return &MockUDPSocketFactory{
		Sockets: make(map[int]*MockUDPSocket),
		InUse:   make(map[int]bool),
	}
}

// ListenUDP returns the socket for laddr.Port, creating it if necessary.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, laddr.Port)
	if f.InUse[laddr.Port] {
		return nil, &net.OpError{Op: "listen", Net: network, Addr: laddr, Err: errAddrInUse}
	}
	s, ok := f.Sockets[laddr.Port]
	if !ok || s.Closed() {
		s = NewMockUDPSocket(laddr.Port)
		f.Sockets[laddr.Port] = s
	}
	return s, nil
}

// Socket returns the socket most recently created for port.
func (f *MockUDPSocketFactory) Socket(port int) *MockUDPSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Sockets[port]
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type addrInUseError struct{}

func (addrInUseError) Error() string { return "address already in use" }

var errAddrInUse error = addrInUseError{}
