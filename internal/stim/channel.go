package stim

import (
	"errors"
	"fmt"
	"math"
)

// NumChannels is the number of pulse-generator output channels.
const NumChannels = 4

// Channel parameter defaults. Durations are in milliseconds.
const (
	DefaultPhaseDuration = 1
	DefaultInterPhase    = 1
	DefaultInterPulse    = 5
	DefaultRepetitions   = 1
	DefaultTrainDuration = 10
	DefaultVoltage       = 5
	DefaultFrequency     = 2
	DefaultSD            = 0.5
)

// ErrInconsistentTrain reports that a channel's timing did not fit its train
// duration and was corrected.
var ErrInconsistentTrain = errors.New("pulse timing does not fit the train duration")

// Priority picks which of repetitions and train duration is authoritative when
// the two disagree.
type Priority int

const (
	// RepetitionsFirst recomputes the train duration from the repetitions.
	RepetitionsFirst Priority = iota
	// TrainFirst recomputes the repetitions from the train duration.
	TrainFirst
)

// ParsePriority maps "repetitions" or "train" to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "repetitions", "rep", "":
		return RepetitionsFirst, nil
	case "train":
		return TrainFirst, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// ChannelConfig is the pulse train programmed on one output channel.
type ChannelConfig struct {
	Frequency     float64 `json:"freq"`
	SD            float64 `json:"sd"`
	Uniform       bool    `json:"uniform"`
	Biphasic      bool    `json:"biphasic"`
	NegativeFirst bool    `json:"negative_first"`
	PhaseDuration float64 `json:"phase_ms"`
	InterPhase    float64 `json:"interphase_ms"`
	Repetitions   int     `json:"repetitions"`
	TrainDuration float64 `json:"train_ms"`
	Voltage       float64 `json:"voltage"`
	InterPulse    float64 `json:"interpulse_ms"`
}

// DefaultChannelConfig returns a biphasic, negative-first single pulse.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Frequency:     DefaultFrequency,
		SD:            DefaultSD,
		Uniform:       true,
		Biphasic:      true,
		NegativeFirst: true,
		PhaseDuration: DefaultPhaseDuration,
		InterPhase:    DefaultInterPhase,
		Repetitions:   DefaultRepetitions,
		TrainDuration: DefaultTrainDuration,
		Voltage:       DefaultVoltage,
		InterPulse:    DefaultInterPulse,
	}
}

// Validate checks ranges independently of train consistency.
func (c ChannelConfig) Validate() error {
	switch {
	case c.Frequency <= 0:
		return errors.New("frequency must be positive")
	case c.SD <= 0 || c.SD >= 1:
		return errors.New("sd must be in (0, 1)")
	case c.PhaseDuration <= 0:
		return errors.New("phase duration must be positive")
	case c.InterPhase < 0 || c.InterPulse < 0 || c.TrainDuration < 0:
		return errors.New("intervals must not be negative")
	case c.Repetitions < 1:
		return errors.New("repetitions must be at least 1")
	case math.IsNaN(c.Voltage) || math.Abs(c.Voltage) > 10:
		return errors.New("voltage must be within ±10 V")
	}
	return nil
}

// PulseWidth is the length of one pulse in milliseconds.
func (c ChannelConfig) PulseWidth() float64 {
	if c.Biphasic {
		return 2*c.PhaseDuration + c.InterPhase
	}
	return c.PhaseDuration
}

// PulsePeriod is the onset-to-onset spacing of pulses in milliseconds.
func (c ChannelConfig) PulsePeriod() float64 {
	return c.PulseWidth() + c.InterPulse
}

// CheckConsistency reports whether the pulses fit the train. A single
// repetition always fits; its train duration is snapped to one pulse.
func (c *ChannelConfig) CheckConsistency() bool {
	if c.Repetitions > 1 {
		return c.PulsePeriod() <= c.TrainDuration
	}
	c.TrainDuration = c.PulseWidth()
	return true
}

// Resolve makes repetitions and train duration agree, keeping the field p
// names.
func (c *ChannelConfig) Resolve(p Priority) {
	if p == RepetitionsFirst {
		if c.Repetitions > 1 {
			c.TrainDuration = c.PulsePeriod() * float64(c.Repetitions)
		} else {
			c.TrainDuration = c.PulseWidth()
		}
		return
	}
	if n := int(c.TrainDuration / c.PulsePeriod()); n > 1 {
		c.Repetitions = n
		return
	}
	c.Repetitions = 1
	c.TrainDuration = c.PulseWidth()
}

// Normalize validates c and corrects an inconsistent train using p. The
// returned error wraps ErrInconsistentTrain when a correction was applied;
// the returned config is usable in that case.
func (c ChannelConfig) Normalize(p Priority) (ChannelConfig, error) {
	if err := c.Validate(); err != nil {
		return c, err
	}
	if c.CheckConsistency() {
		return c, nil
	}
	before := c
	c.Resolve(p)
	return c, fmt.Errorf("%w: repetitions %d train %gms corrected to repetitions %d train %gms",
		ErrInconsistentTrain, before.Repetitions, before.TrainDuration, c.Repetitions, c.TrainDuration)
}
