package tracking

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/network"
	"github.com/CINPLA/tracking-plugin/internal/osc"
	"github.com/CINPLA/tracking-plugin/internal/position"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

type statusRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (s *statusRecorder) Status(msg string) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *statusRecorder) contains(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

type fixture struct {
	node    *Node
	sockets *network.MockUDPSocketFactory
	clock   *timeutil.MockClock
	status  *statusRecorder
	stats   *monitoring.MessageStats
}

func newFixture(t *testing.T, mode QueueMode) *fixture {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })

	f := &fixture{
		sockets: network.NewMockUDPSocketFactory(),
		clock:   timeutil.NewMockClock(time.Unix(1700000000, 0)),
		status:  &statusRecorder{},
	}
	f.stats = monitoring.NewMessageStats(f.clock)
	registry := network.NewRegistry(network.ListenerConfig{Sockets: f.sockets})
	t.Cleanup(registry.Close)

	node, err := NewNode(Config{
		Registry:  registry,
		Clock:     f.clock,
		Status:    f.status,
		Stats:     f.stats,
		QueueMode: mode,
	})
	require.NoError(t, err)
	t.Cleanup(node.Close)
	f.node = node
	return f
}

// push delivers a sample to source i as its listener would.
func (f *fixture) push(i int, p position.Sample) {
	f.node.cfgMu.RLock()
	s := f.node.sources[i]
	f.node.cfgMu.RUnlock()
	s.ReceivePosition(s.address, p)
}

func drain(n *Node) []events.Event {
	c := &events.Cycle{}
	n.Process(c)
	return c.Events()
}

func TestNode_AcquisitionAnchorsFirstSampleAtZero(t *testing.T) {
	f := newFixture(t, QueueRing)
	_, err := f.node.AddSource(27020, "/red", "Red")
	require.NoError(t, err)

	// samples before acquisition are dropped
	f.push(0, position.Sample{X: 0.9, Y: 0.9})
	assert.Empty(t, drain(f.node))

	f.node.SetAcquisition(true)
	f.clock.Advance(3 * time.Second)
	f.push(0, position.Sample{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4})
	f.clock.Advance(50 * time.Millisecond)
	f.push(0, position.Sample{X: 0.5, Y: 0.5, Width: 0.3, Height: 0.4})

	evs := drain(f.node)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(0), evs[0].Timestamp)
	assert.Equal(t, int64(50), evs[1].Timestamp)
	assert.True(t, f.status.contains("Clearing queue before start acquisition"))

	var got position.Sample
	require.NoError(t, got.UnmarshalBinary(evs[0].Payload))
	assert.Equal(t, position.Sample{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}, got)
	assert.Equal(t, events.Metadata{Color: "red", Port: 27020, Address: "/red"}, evs[0].Metadata)
	assert.Equal(t, events.Binary, evs[0].Kind)
	assert.Equal(t, 0, evs[0].Channel)

	// nothing new: the drain is a no-op
	assert.Empty(t, drain(f.node))
}

func TestNode_FallingEdgeReanchors(t *testing.T) {
	f := newFixture(t, QueueRing)
	_, err := f.node.AddSource(27020, "/red", "red")
	require.NoError(t, err)

	f.node.SetAcquisition(true)
	f.push(0, position.Sample{X: 0.1, Y: 0.1})
	f.clock.Advance(time.Second)
	f.push(0, position.Sample{X: 0.1, Y: 0.1})

	// stop before draining: buffered samples are discarded on the next start
	f.node.SetAcquisition(false)
	f.clock.Advance(time.Second)
	f.node.SetAcquisition(true)
	f.clock.Advance(time.Second)
	f.push(0, position.Sample{X: 0.2, Y: 0.2})

	evs := drain(f.node)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(0), evs[0].Timestamp)
}

func TestNode_RecordingClockGoverns(t *testing.T) {
	f := newFixture(t, QueueRing)
	_, err := f.node.AddSource(27020, "/red", "red")
	require.NoError(t, err)

	f.node.SetAcquisition(true)
	f.push(0, position.Sample{X: 0.1, Y: 0.1})
	f.clock.Advance(2 * time.Second)
	f.push(0, position.Sample{X: 0.1, Y: 0.1})
	assert.Equal(t, int64(2), f.node.Received())

	f.node.SetRecording(true)
	f.clock.Advance(500 * time.Millisecond)
	f.push(0, position.Sample{X: 0.3, Y: 0.3})
	f.clock.Advance(100 * time.Millisecond)
	f.push(0, position.Sample{X: 0.4, Y: 0.4})

	evs := drain(f.node)
	require.Len(t, evs, 2, "samples buffered before recording are cleared")
	assert.Equal(t, int64(0), evs[0].Timestamp)
	assert.Equal(t, int64(100), evs[1].Timestamp)
	assert.Equal(t, int64(2), f.node.Received(), "received counter resets on recording start")
	assert.True(t, f.status.contains("Clearing queue before start recording"))

	// after recording stops the acquisition anchor applies again
	f.node.SetRecording(false)
	f.clock.Advance(400 * time.Millisecond)
	f.push(0, position.Sample{X: 0.5, Y: 0.5})
	evs = drain(f.node)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(3000), evs[0].Timestamp)
}

func TestNode_PortUniqueness(t *testing.T) {
	f := newFixture(t, QueueRing)
	_, err := f.node.AddSource(9000, "/a", "red")
	require.NoError(t, err)

	_, err = f.node.AddSource(9000, "/b", "green")
	require.ErrorIs(t, err, ErrPortInUse)
	assert.Equal(t, 1, f.node.NumSources())

	i, err := f.node.AddSource(9001, "/b", "")
	require.NoError(t, err)
	assert.Equal(t, "green", f.node.Color(i), "empty color takes the next palette entry")

	require.ErrorIs(t, f.node.SetPort(i, 9000), ErrPortInUse)
	assert.Equal(t, 9001, f.node.Port(i))
}

func TestNode_BindFailure(t *testing.T) {
	f := newFixture(t, QueueRing)
	f.sockets.InUse[9005] = true

	_, err := f.node.AddSource(9005, "/a", "red")
	var bindErr *network.BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, 0, f.node.NumSources(), "a source that failed to bind is not added")
	assert.True(t, f.status.contains("Could not bind port 9005"))

	i, err := f.node.AddSource(9006, "/a", "red")
	require.NoError(t, err)
	err = f.node.SetPort(i, 9005)
	require.Error(t, err)

	info := f.node.Sources()
	require.Len(t, info, 1)
	assert.Equal(t, 9005, info[0].Port)
	assert.False(t, info[0].Active, "rebind failure leaves the source disabled")
	assert.True(t, f.sockets.Socket(9006).Closed(), "old listener released before rebinding")
}

func TestNode_EmptySourceBindsWhenComplete(t *testing.T) {
	f := newFixture(t, QueueRing)
	i := f.node.AddEmptySource()
	assert.Equal(t, UnsetPort, f.node.Port(i))
	assert.Equal(t, "", f.node.Address(i))
	assert.Equal(t, "red", f.node.Color(i))

	require.NoError(t, f.node.SetAddress(i, "/red"))
	assert.False(t, f.node.Sources()[0].Active)

	require.NoError(t, f.node.SetPort(i, 27030))
	assert.True(t, f.node.Sources()[0].Active)
	assert.Equal(t, i, f.node.SourceIndex(27030, "/red"))
	assert.Equal(t, -1, f.node.SourceIndex(27030, "/blue"))

	require.NoError(t, f.node.SetColor(i, "blue"))
	assert.Equal(t, "blue", f.node.Color(i))
}

func TestNode_OutOfRange(t *testing.T) {
	f := newFixture(t, QueueRing)
	assert.Equal(t, UnsetPort, f.node.Port(3))
	assert.Equal(t, "", f.node.Address(-1))
	assert.Equal(t, "", f.node.Color(7))
	assert.ErrorIs(t, f.node.SetPort(0, 1), ErrNoSuchSource)
	assert.ErrorIs(t, f.node.SetAddress(0, "/a"), ErrNoSuchSource)
	assert.ErrorIs(t, f.node.SetColor(0, "red"), ErrNoSuchSource)
	assert.ErrorIs(t, f.node.RemoveSource(0), ErrNoSuchSource)
}

func TestNode_RemoveSourceStopsListener(t *testing.T) {
	f := newFixture(t, QueueRing)
	_, err := f.node.AddSource(9010, "/a", "red")
	require.NoError(t, err)
	_, err = f.node.AddSource(9011, "/b", "green")
	require.NoError(t, err)

	require.NoError(t, f.node.RemoveSource(0))
	assert.True(t, f.sockets.Socket(9010).Closed())
	assert.False(t, f.sockets.Socket(9011).Closed())
	assert.Equal(t, 1, f.node.NumSources())
	assert.Equal(t, "/b", f.node.Address(0))
}

func TestNode_ByteQueueOverflowClears(t *testing.T) {
	f := newFixture(t, QueueBytes)
	_, err := f.node.AddSource(9020, "/a", "red")
	require.NoError(t, err)
	f.node.SetAcquisition(true)

	// 4096/16 = 256 slots; one more laps the consumer
	for i := 0; i < 257; i++ {
		f.push(0, position.Sample{X: 0.5, Y: 0.5})
	}
	assert.Equal(t, int64(1), f.node.ClearedQueues())
	assert.True(t, f.status.contains("Cleared input queue 1 times. Received: 257"))
	assert.Empty(t, drain(f.node))

	f.push(0, position.Sample{X: 0.5, Y: 0.5})
	assert.Len(t, drain(f.node), 1)
}

func TestNode_RingQueueKeepsMostRecent(t *testing.T) {
	f := newFixture(t, QueueRing)
	f.node.capacity = 4
	_, err := f.node.AddSource(9021, "/a", "red")
	require.NoError(t, err)
	f.node.SetAcquisition(true)

	for i := 1; i <= 6; i++ {
		f.push(0, position.Sample{X: float32(i), Y: 1})
	}
	evs := drain(f.node)
	require.Len(t, evs, 4)
	var first position.Sample
	require.NoError(t, first.UnmarshalBinary(evs[0].Payload))
	assert.Equal(t, float32(3), first.X)
	assert.Equal(t, int64(0), f.node.ClearedQueues())
}

func TestNode_EndToEndThroughListener(t *testing.T) {
	f := newFixture(t, QueueRing)
	_, err := f.node.AddSource(9000, "/a", "red")
	require.NoError(t, err)
	_, err = f.node.AddSource(9001, "/b", "green")
	require.NoError(t, err)
	f.node.SetAcquisition(true)

	send := func(port int, address string) {
		data, err := osc.EncodeFloats(address, 0.5, 0.5, 0.1, 0.1)
		require.NoError(t, err)
		sock := f.sockets.Socket(port)
		sock.Enqueue(network.MockUDPPacket{Data: data, Addr: &net.UDPAddr{Port: 1}})
		for i := 0; i < 3; i++ {
			select {
			case <-sock.Drained():
			case <-time.After(2 * time.Second):
				t.Fatal("socket never drained")
			}
		}
	}

	send(9001, "/a") // wrong address for port 9001
	assert.Empty(t, drain(f.node))

	send(9001, "/b")
	evs := drain(f.node)
	require.Len(t, evs, 1)
	assert.Equal(t, 1, evs[0].Channel)
	assert.Equal(t, "green", evs[0].Metadata.Color)
}

func TestNewNode_Validation(t *testing.T) {
	_, err := NewNode(Config{})
	assert.Error(t, err)

	registry := network.NewRegistry(network.ListenerConfig{Sockets: network.NewMockUDPSocketFactory()})
	_, err = NewNode(Config{Registry: registry, QueueMode: "lifo"})
	assert.Error(t, err)
}
