// Package position holds the tracked-position data model shared by the
// listener, the ingest node and the stimulator.
package position

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PayloadSize is the length of an encoded Sample.
const PayloadSize = 16

// Sample is one detection from the tracking software, in normalised
// coordinates.
type Sample struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Record is a sample stamped with the ingest time, in milliseconds relative
// to the governing clock anchor.
type Record struct {
	Timestamp int64  `json:"timestamp"`
	Position  Sample `json:"position"`
}

// FromFloats builds a sample from an (x, y, width, height) tuple.
func FromFloats(v []float32) (Sample, error) {
	if len(v) != 4 {
		return Sample{}, fmt.Errorf("position: need 4 values, got %d", len(v))
	}
	return Sample{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

// HasLocation reports whether x and y carry a detection. NaN or an exact zero
// in either coordinate means the tracker lost the target.
func (s Sample) HasLocation() bool {
	return valid(s.X) && valid(s.Y)
}

func valid(v float32) bool {
	return !math.IsNaN(float64(v)) && v != 0
}

// Merge applies an update to s. Location only changes when the update has
// one; width and height are guarded independently.
func (s Sample) Merge(update Sample) Sample {
	if update.HasLocation() {
		s.X = update.X
		s.Y = update.Y
	}
	if !math.IsNaN(float64(update.Width)) && !math.IsNaN(float64(update.Height)) {
		s.Width = update.Width
		s.Height = update.Height
	}
	return s
}

// AspectRatio returns width/height, or 1 when height is unusable.
func (s Sample) AspectRatio() float32 {
	if s.Height == 0 || math.IsNaN(float64(s.Height)) || math.IsNaN(float64(s.Width)) {
		return 1
	}
	return s.Width / s.Height
}

// MarshalBinary encodes the sample as four little-endian float32 values.
func (s Sample) MarshalBinary() ([]byte, error) {
	b := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(s.X))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(s.Y))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(s.Width))
	binary.LittleEndian.PutUint32(b[12:], math.Float32bits(s.Height))
	return b, nil
}

// UnmarshalBinary decodes a payload written by MarshalBinary.
func (s *Sample) UnmarshalBinary(b []byte) error {
	if len(b) != PayloadSize {
		return errors.New("position: payload must be 16 bytes")
	}
	s.X = math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))
	s.Y = math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	s.Width = math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))
	s.Height = math.Float32frombits(binary.LittleEndian.Uint32(b[12:]))
	return nil
}
