package network

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/osc"
	"github.com/CINPLA/tracking-plugin/internal/position"
)

type recordingSink struct {
	address string

	mu       sync.Mutex
	received []position.Sample
	got      chan struct{}
}

func newRecordingSink(address string) *recordingSink {
	return &recordingSink{address: address, got: make(chan struct{}, 64)}
}

func (s *recordingSink) OSCAddress() string { return s.address }

func (s *recordingSink) ReceivePosition(_ string, p position.Sample) {
	s.mu.Lock()
	s.received = append(s.received, p)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *recordingSink) samples() []position.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]position.Sample(nil), s.received...)
}

func packet(t *testing.T, address string, values ...float32) MockUDPPacket {
	t.Helper()
	data, err := osc.EncodeFloats(address, values...)
	require.NoError(t, err)
	return MockUDPPacket{Data: data, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}}
}

func waitDrained(t *testing.T, sock *MockUDPSocket) {
	t.Helper()
	// One signal may be buffered and one in flight from before the enqueue;
	// the third comes from a read that found the queue empty afterwards.
	for i := 0; i < 3; i++ {
		select {
		case <-sock.Drained():
		case <-time.After(2 * time.Second):
			t.Fatal("socket never drained")
		}
	}
}

func muteLogs(t *testing.T) {
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

func TestListener_DispatchesByExactAddress(t *testing.T) {
	muteLogs(t)
	sockets := NewMockUDPSocketFactory()
	stats := monitoring.NewMessageStats(nil)

	l, err := Listen(ListenerConfig{Port: 27020, Sockets: sockets, Stats: stats})
	require.NoError(t, err)
	defer l.Stop()

	red := newRecordingSink("/red")
	green := newRecordingSink("/green")
	l.AddSink(red)
	l.AddSink(green)
	l.AddSink(red) // duplicate ignored
	assert.Equal(t, 2, l.SinkCount())

	sock := sockets.Socket(27020)
	sock.Enqueue(
		packet(t, "/red", 0.1, 0.2, 0.3, 0.4),
		packet(t, "/green", 0.5, 0.6, 0.7, 0.8),
		packet(t, "/red/extra", 1, 1, 1, 1),
		packet(t, "/red", 1, 2, 3), // wrong arity
	)
	waitDrained(t, sock)

	assert.Equal(t, []position.Sample{{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}}, red.samples())
	assert.Equal(t, []position.Sample{{X: 0.5, Y: 0.6, Width: 0.7, Height: 0.8}}, green.samples())

	snap := stats.GetAndReset()
	require.Len(t, snap.Sources, 1)
	assert.Equal(t, "udp:27020", snap.Sources[0].Key)
	assert.Equal(t, int64(1), snap.Sources[0].Malformed)
}

func TestListener_IntCoercion(t *testing.T) {
	muteLogs(t)
	sockets := NewMockUDPSocketFactory()

	l, err := Listen(ListenerConfig{Port: 9100, Sockets: sockets, Decode: osc.DecodeOptions{AcceptInt32: true}})
	require.NoError(t, err)
	defer l.Stop()

	sink := newRecordingSink("/blob")
	l.AddSink(sink)

	data, err := osc.NewMessage("/blob", int32(1), float32(0.5), int32(0), float32(2)).MarshalBinary()
	require.NoError(t, err)
	sockets.Socket(9100).Enqueue(MockUDPPacket{Data: data})
	waitDrained(t, sockets.Socket(9100))

	assert.Equal(t, []position.Sample{{X: 1, Y: 0.5, Width: 0, Height: 2}}, sink.samples())
}

func TestListener_BindFailure(t *testing.T) {
	muteLogs(t)
	sockets := NewMockUDPSocketFactory()
	sockets.InUse[9000] = true

	l, err := Listen(ListenerConfig{Port: 9000, Sockets: sockets})
	require.Error(t, err)
	assert.Nil(t, l)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, 9000, bindErr.Port)
}

func TestListener_StopJoins(t *testing.T) {
	muteLogs(t)
	sockets := NewMockUDPSocketFactory()
	l, err := Listen(ListenerConfig{Port: 9200, Sockets: sockets})
	require.NoError(t, err)

	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Fatal("receive loop still running after Stop")
	}
	assert.True(t, sockets.Socket(9200).Closed())
	l.Stop() // idempotent
}

func TestListener_Loopback(t *testing.T) {
	muteLogs(t)
	l, err := Listen(ListenerConfig{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer l.Stop()
	require.NotZero(t, l.Port())

	sink := newRecordingSink("/red")
	l.AddSink(sink)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.Port()})
	require.NoError(t, err)
	defer conn.Close()

	data, err := osc.EncodeFloats("/red", 0.5, 0.5, 0.1, 0.1)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no message received over loopback")
	}
	assert.Equal(t, []position.Sample{{X: 0.5, Y: 0.5, Width: 0.1, Height: 0.1}}, sink.samples())
}
