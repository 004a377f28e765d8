// Package pulsegen drives an external multi-channel pulse generator over a
// line-oriented serial protocol.
//
// Commands are ASCII lines. HELLO is answered with "PULSEGEN <firmware>";
// every other command is answered with OK or "ERR <reason>", which the
// driver does not wait for.
//
//	SET <ch> <param> <value>   program one parameter (times in seconds)
//	TRIG <mask>                 trigger the channels in the bit mask
//	DISPLAY <text>              write to the front-panel display
package pulsegen

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/serialmux"
)

// Channels is the number of outputs, numbered from 1.
const Channels = 4

// ErrNotConnected is returned when no handshake has succeeded.
var ErrNotConnected = errors.New("pulse generator is not connected")

// Generator is the hardware interface the stimulator programs and triggers.
// A zero FirmwareVersion means no device answered.
type Generator interface {
	FirmwareVersion() uint32
	Program(channel int, p Program) error
	Trigger(channels ...int) error
}

// Program is the full parameter set of one output channel.
type Program struct {
	Biphasic           bool
	Phase1Duration     time.Duration
	Phase2Duration     time.Duration
	InterPhaseInterval time.Duration
	InterPulseInterval time.Duration
	TrainDuration      time.Duration
	Phase1Voltage      float64
	Phase2Voltage      float64
}

// Commands renders p as SET lines for channel.
func (p Program) Commands(channel int) []string {
	biphasic := 0
	if p.Biphasic {
		biphasic = 1
	}
	set := func(param, value string) string {
		return fmt.Sprintf("SET %d %s %s", channel, param, value)
	}
	return []string{
		set("BIPHASIC", strconv.Itoa(biphasic)),
		set("PHASE1", seconds(p.Phase1Duration)),
		set("PHASE2", seconds(p.Phase2Duration)),
		set("INTERPHASE", seconds(p.InterPhaseInterval)),
		set("VOLT1", strconv.FormatFloat(p.Phase1Voltage, 'g', -1, 64)),
		set("VOLT2", strconv.FormatFloat(p.Phase2Voltage, 'g', -1, 64)),
		set("TRAIN", seconds(p.TrainDuration)),
		set("INTERPULSE", seconds(p.InterPulseInterval)),
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Device is a pulse generator attached through a serial mux.
type Device struct {
	mux     serialmux.SerialMuxInterface
	timeout time.Duration

	mu       sync.Mutex
	firmware uint32
}

// NewDevice wraps mux. The mux's Monitor must be running before Connect.
func NewDevice(mux serialmux.SerialMuxInterface) *Device {
	return &Device{mux: mux, timeout: 2 * time.Second}
}

// Connect performs the HELLO handshake and records the firmware version. A
// failed handshake leaves the device disconnected.
func (d *Device) Connect(ctx context.Context) (uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	line, err := d.mux.Query(ctx, "HELLO", func(l string) bool {
		return strings.HasPrefix(l, "PULSEGEN ")
	})
	if err != nil {
		d.setFirmware(0)
		return 0, fmt.Errorf("pulse generator handshake: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "PULSEGEN ")), 10, 32)
	if err != nil || v == 0 {
		d.setFirmware(0)
		return 0, fmt.Errorf("pulse generator handshake: bad reply %q", line)
	}
	d.setFirmware(uint32(v))
	monitoring.Logf("pulse generator connected, firmware %d", v)

	if err := d.mux.SendCommand("DISPLAY tracking connected"); err != nil {
		monitoring.Logf("pulse generator display: %v", err)
	}
	return uint32(v), nil
}

func (d *Device) setFirmware(v uint32) {
	d.mu.Lock()
	d.firmware = v
	d.mu.Unlock()
}

func (d *Device) FirmwareVersion() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

// Program sends every parameter of p for channel.
func (d *Device) Program(channel int, p Program) error {
	if err := d.check(channel); err != nil {
		return err
	}
	for _, cmd := range p.Commands(channel) {
		if err := d.mux.SendCommand(cmd); err != nil {
			return fmt.Errorf("program channel %d: %w", channel, err)
		}
	}
	return nil
}

// Trigger starts the trains on channels at once.
func (d *Device) Trigger(channels ...int) error {
	mask := 0
	for _, ch := range channels {
		if err := d.check(ch); err != nil {
			return err
		}
		mask |= 1 << (ch - 1)
	}
	if mask == 0 {
		return nil
	}
	if err := d.mux.SendCommand(fmt.Sprintf("TRIG %d", mask)); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	return nil
}

func (d *Device) check(channel int) error {
	if d.FirmwareVersion() == 0 {
		return ErrNotConnected
	}
	if channel < 1 || channel > Channels {
		return fmt.Errorf("channel %d out of range 1-%d", channel, Channels)
	}
	return nil
}

// Disconnected is the Generator used when no device is configured.
type Disconnected struct{}

func (Disconnected) FirmwareVersion() uint32 { return 0 }
func (Disconnected) Program(int, Program) error { return ErrNotConnected }
func (Disconnected) Trigger(...int) error { return ErrNotConnected }
