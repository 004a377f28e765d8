package stim

import (
	"math"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/position"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

// SimulatedRate is the sample rate of the simulated trajectory in Hz.
const SimulatedRate = 20

const (
	simMaxRadius = 0.5
	simStep      = 0.002
)

// Trajectory generates a spiral around (0.5, 0.5) whose radius sweeps out to
// 0.5 and back.
type Trajectory struct {
	count   int
	radius  float64
	forward bool
	last    time.Time
}

// NewTrajectory returns a trajectory starting at the centre.
func NewTrajectory() *Trajectory {
	return &Trajectory{forward: true}
}

// Next returns a new sample when at least one simulated period has passed
// since the previous one.
func (t *Trajectory) Next(now time.Time) (position.Sample, bool) {
	if !t.last.IsZero() && now.Sub(t.last) < timeutil.Interval(SimulatedRate) {
		return position.Sample{}, false
	}

	theta := float64(t.count) / 20
	if t.forward {
		if t.radius < simMaxRadius {
			t.radius += simStep
		} else {
			t.forward = false
		}
	} else {
		if t.radius > 0 {
			t.radius -= simStep
		} else {
			t.forward = true
		}
	}

	t.last = now
	t.count++
	return position.Sample{
		X:      float32(t.radius*math.Cos(theta) + 0.5),
		Y:      float32(t.radius*math.Sin(theta) + 0.5),
		Width:  1,
		Height: 1,
	}, true
}

// Radius returns the current sweep radius.
func (t *Trajectory) Radius() float64 { return t.radius }
