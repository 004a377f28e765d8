package timeutil

import (
	"math"
	"time"
)

// MillisSince returns the whole milliseconds elapsed between start and now.
// A zero start means the clock was never anchored and yields 0.
func MillisSince(start, now time.Time) int64 {
	if start.IsZero() {
		return 0
	}
	return now.Sub(start).Milliseconds()
}

// SamplesFor converts a duration in milliseconds to a sample count at the
// given rate, rounding up so a non-zero duration never collapses to 0.
func SamplesFor(ms float64, sampleRate float64) int64 {
	if ms <= 0 || sampleRate <= 0 {
		return 0
	}
	return int64(math.Ceil(ms * sampleRate / 1000))
}

// SamplesBetween converts the wall-clock span between start and now to a
// sample index at the given rate.
func SamplesBetween(start, now time.Time, sampleRate float64) int64 {
	if start.IsZero() || sampleRate <= 0 {
		return 0
	}
	return int64(now.Sub(start).Seconds() * sampleRate)
}

// Interval converts a frequency in Hz into a period.
func Interval(hz float64) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}
