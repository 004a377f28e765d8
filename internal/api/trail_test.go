package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/position"
	"github.com/CINPLA/tracking-plugin/internal/stim"
)

func trailEvent(t *testing.T, port int, address, color string, x, y float32) events.Event {
	t.Helper()
	payload, err := position.Sample{X: x, Y: y, Width: 1, Height: 1}.MarshalBinary()
	require.NoError(t, err)
	return events.Event{
		Kind:     events.Binary,
		Payload:  payload,
		Metadata: events.Metadata{Color: color, Port: port, Address: address},
	}
}

func TestTrail(t *testing.T) {
	tr := NewTrail(3)
	for i := 1; i <= 5; i++ {
		tr.HandleEvents(&events.Cycle{Sample: int64(i * 300)}, []events.Event{
			trailEvent(t, 27020, "/red", "red", float32(i)/10, 0.5),
			trailEvent(t, 27021, "", "green", 0, 0),
			{Kind: events.TTL, Line: 1, State: true},
		})
	}

	got := tr.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "27020/red", got[0].Key)
	assert.Equal(t, "red", got[0].Color)
	require.Len(t, got[0].Points, 3)
	assert.Equal(t, int64(900), got[0].Points[0].Sample)
	assert.InDelta(t, 0.5, got[0].Points[2].X, 1e-6)

	tr.SetAcquisition(false)
	assert.Len(t, tr.Snapshot(), 1)
	tr.SetAcquisition(true)
	assert.Empty(t, tr.Snapshot())
}

func TestRegionOutline(t *testing.T) {
	circle := regionOutline(stim.NewCircle(0.5, 0.5, 0.1, true))
	require.Len(t, circle, outlinePoints)
	first := circle[0].Value.([]interface{})
	assert.InDelta(t, 0.6, first[0].(float64), 1e-9)
	assert.InDelta(t, 0.5, first[1].(float64), 1e-9)

	rect := regionOutline(stim.NewRect(0.5, 0.5, 0.2, 0.4, true))
	require.Len(t, rect, outlinePoints)
	corner := rect[0].Value.([]interface{})
	assert.InDelta(t, 0.4, corner[0].(float64), 1e-9)
	assert.InDelta(t, 0.3, corner[1].(float64), 1e-9)
}
