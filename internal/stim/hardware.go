package stim

import (
	"errors"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/pulsegen"
)

// ErrHardwareNotConnected is returned by hardware operations when the pulse
// generator reported no firmware version.
var ErrHardwareNotConnected = errors.New("pulse generator is not connected")

// Sync pulse shape, a short monophasic TTL-like train.
const (
	syncPhase   = 5 * time.Millisecond
	syncTrain   = 10 * time.Millisecond
	syncVoltage = 5.0
)

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

// ProgramFor converts a channel configuration into a hardware program.
func ProgramFor(c ChannelConfig) pulsegen.Program {
	p := pulsegen.Program{
		Biphasic:           c.Biphasic,
		Phase1Duration:     ms(c.PhaseDuration),
		TrainDuration:      ms(c.TrainDuration),
		InterPulseInterval: ms(c.InterPulse),
		Phase1Voltage:      c.Voltage,
	}
	if c.NegativeFirst {
		p.Phase1Voltage = -c.Voltage
	}
	if c.Biphasic {
		p.Phase2Duration = ms(c.PhaseDuration)
		p.InterPhaseInterval = ms(c.InterPhase)
		p.Phase2Voltage = -p.Phase1Voltage
	}
	return p
}

// SyncProgram is the temporary program used by a sync stimulation.
func SyncProgram(c ChannelConfig) pulsegen.Program {
	return pulsegen.Program{
		Phase1Duration:     syncPhase,
		Phase1Voltage:      syncVoltage,
		TrainDuration:      syncTrain,
		InterPulseInterval: ms(c.InterPulse),
	}
}

func connected(g pulsegen.Generator) bool {
	return g != nil && g.FirmwareVersion() != 0
}
