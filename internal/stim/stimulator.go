// Package stim implements closed-loop stimulation driven by tracked
// position: spatial gating against a set of regions, probabilistic or
// edge-triggered firing, TTL output events and an optional hardware pulse
// generator.
package stim

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/CINPLA/tracking-plugin/internal/events"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/position"
	"github.com/CINPLA/tracking-plugin/internal/pulsegen"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
)

// MaxOutput is the number of TTL output lines.
const MaxOutput = 8

// DefaultPulseDuration is the TTL pulse length in milliseconds.
const DefaultPulseDuration = 50

// Mode selects how firing is timed inside a region.
type Mode int

const (
	// ModeUniform fires at a fixed mean rate.
	ModeUniform Mode = iota
	// ModeGaussian lowers the rate with distance from the region centre.
	ModeGaussian
	// ModeTTL fires once each time the position enters a region.
	ModeTTL
)

func (m Mode) String() string {
	switch m {
	case ModeUniform:
		return "uniform"
	case ModeGaussian:
		return "gaussian"
	case ModeTTL:
		return "ttl"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "uniform", "":
		return ModeUniform, nil
	case "gaussian", "gauss":
		return ModeGaussian, nil
	case "ttl":
		return ModeTTL, nil
	}
	return 0, fmt.Errorf("unknown stimulation mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Settings are the stimulator parameters that are not per region or per
// hardware channel.
type Settings struct {
	Mode Mode `json:"mode"`
	// Frequency is the target rate in Hz inside a region.
	Frequency float64 `json:"freq"`
	// SD is the gaussian falloff, the fraction of Frequency left at the
	// region edge.
	SD float64 `json:"sd"`
	// DurationMs is the TTL pulse length.
	DurationMs float64 `json:"duration_ms"`
	// Output is the TTL line that fires.
	Output int `json:"output"`
	// Source is the tracked source index followed, -1 for none.
	Source int `json:"source"`
	// UseHardware also triggers the pulse generator, and takes the timing
	// parameters from the selected hardware channel.
	UseHardware bool `json:"use_hardware"`
	// Channel is the selected hardware channel, from 0.
	Channel int `json:"channel"`
	// TTLSyncChannel is the input line whose rising edge starts a sync
	// stimulation on StimSyncChannel.
	TTLSyncChannel  int  `json:"ttl_sync_chan"`
	StimSyncChannel int  `json:"stim_sync_chan"`
	Simulate        bool `json:"simulate"`
}

// DefaultSettings returns uniform 2 Hz stimulation on line 0 following
// source 0.
func DefaultSettings() Settings {
	return Settings{
		Mode:            ModeUniform,
		Frequency:       DefaultFrequency,
		SD:              DefaultSD,
		DurationMs:      DefaultPulseDuration,
		StimSyncChannel: NumChannels - 1,
	}
}

// Validate checks parameter ranges.
func (s Settings) Validate() error {
	switch {
	case s.Mode < ModeUniform || s.Mode > ModeTTL:
		return fmt.Errorf("invalid mode %d", s.Mode)
	case !(s.Frequency > 0) || math.IsInf(s.Frequency, 0):
		return errors.New("frequency must be positive")
	case !(s.SD > 0 && s.SD < 1):
		return errors.New("sd must be in (0, 1)")
	case !(s.DurationMs > 0):
		return errors.New("pulse duration must be positive")
	case s.Output < 0 || s.Output >= MaxOutput:
		return fmt.Errorf("output line %d out of range 0-%d", s.Output, MaxOutput-1)
	case s.Source < -1:
		return fmt.Errorf("invalid source %d", s.Source)
	case s.Channel < 0 || s.Channel >= NumChannels:
		return fmt.Errorf("hardware channel %d out of range 0-%d", s.Channel, NumChannels-1)
	case s.StimSyncChannel < 0 || s.StimSyncChannel >= NumChannels:
		return fmt.Errorf("sync channel %d out of range 0-%d", s.StimSyncChannel, NumChannels-1)
	case s.TTLSyncChannel < 0 || s.TTLSyncChannel >= MaxOutput:
		return fmt.Errorf("ttl sync line %d out of range 0-%d", s.TTLSyncChannel, MaxOutput-1)
	}
	return nil
}

// Drawer yields uniform draws in [0, 1).
type Drawer interface {
	Rand() float64
}

// Config contains configuration options for a Stimulator.
type Config struct {
	Name      string
	Status    monitoring.StatusSink
	Stats     *monitoring.MessageStats
	Drawer    Drawer
	Generator pulsegen.Generator
	Settings  Settings
}

// SourceState is the last known position of one upstream source.
type SourceState struct {
	Index    int             `json:"index"`
	Color    string          `json:"color"`
	Port     int             `json:"port"`
	Address  string          `json:"address"`
	Position position.Sample `json:"position"`
}

// State is a snapshot for display.
type State struct {
	On              bool            `json:"on"`
	Settings        Settings        `json:"settings"`
	Position        position.Sample `json:"position"`
	AspectRatio     float32         `json:"aspect_ratio"`
	Region          int             `json:"region"`
	Regions         []Region        `json:"-"`
	SelectedRegion  int             `json:"selected_region"`
	Channels        []ChannelConfig `json:"channels"`
	Sources         []SourceState   `json:"sources"`
	Triggers        int64           `json:"triggers"`
	Warnings        int64           `json:"warnings"`
	FirmwareVersion uint32          `json:"firmware_version"`
}

// Stimulator is a processor that consumes position events and emits TTL
// trigger events. Its methods are safe for concurrent use; Process and
// HandleEvent are called from the host cycle, the rest from control paths.
type Stimulator struct {
	name   string
	status monitoring.StatusSink
	stats  *monitoring.MessageStats
	drawer Drawer
	gen    pulsegen.Generator

	mu              sync.Mutex
	settings        Settings
	on              bool
	regions         *RegionSet
	channels        [NumChannels]ChannelConfig
	sources         []SourceState
	current         position.Sample
	positionUpdated bool
	matched         int
	lastTrigger     time.Time
	latched         bool
	triggers        int64
	warnings        int64
	lastWarning     time.Time
	trajectory      *Trajectory
}

// New creates a stimulator. It starts disarmed.
func New(cfg Config) (*Stimulator, error) {
	settings := cfg.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("stim: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = "stimulator"
	}
	drawer := cfg.Drawer
	if drawer == nil {
		drawer = distuv.Uniform{Min: 0, Max: 1}
	}
	gen := cfg.Generator
	if gen == nil {
		gen = pulsegen.Disconnected{}
	}
	s := &Stimulator{
		name:       name,
		status:     cfg.Status,
		stats:      cfg.Stats,
		drawer:     drawer,
		gen:        gen,
		settings:   settings,
		regions:    NewRegionSet(),
		current:    position.Sample{X: -1, Y: -1, Width: 1, Height: 1},
		matched:    -1,
		trajectory: NewTrajectory(),
	}
	for i := range s.channels {
		s.channels[i] = DefaultChannelConfig()
	}
	return s, nil
}

// Name returns the processor name used in emitted events.
func (s *Stimulator) Name() string { return s.name }

// Start arms the stimulator. The elapsed-time clock restarts at the next
// cycle.
func (s *Stimulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = true
	s.lastTrigger = time.Time{}
	s.latched = false
}

// Stop disarms the stimulator.
func (s *Stimulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = false
}

// IsOn reports whether the stimulator is armed.
func (s *Stimulator) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Settings returns the current settings.
func (s *Stimulator) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings validates and applies new settings.
func (s *Stimulator) SetSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.Simulate && !s.settings.Simulate {
		s.trajectory = NewTrajectory()
	}
	follow := settings.Source != s.settings.Source || (s.settings.Simulate && !settings.Simulate)
	s.settings = settings
	if follow && !settings.Simulate {
		s.followSelectedLocked()
	}
	return nil
}

// HandleEvent consumes position events and TTL sync inputs.
func (s *Stimulator) HandleEvent(c *events.Cycle, e events.Event) {
	switch e.Kind {
	case events.Binary:
		s.handlePosition(e)
	case events.TTL:
		s.handleTTL(e)
	}
}

func (s *Stimulator) handlePosition(e events.Event) {
	var p position.Sample
	if err := p.UnmarshalBinary(e.Payload); err != nil {
		monitoring.Logf("%s: dropping position event from %s: %v", s.name, e.Processor, err)
		return
	}
	if e.Channel < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.sources) <= e.Channel {
		s.sources = append(s.sources, SourceState{
			Index:    len(s.sources),
			Position: position.Sample{X: -1, Y: -1, Width: -1, Height: -1},
		})
	}
	src := &s.sources[e.Channel]
	src.Position = src.Position.Merge(p)
	src.Color = e.Metadata.Color
	src.Port = e.Metadata.Port
	src.Address = e.Metadata.Address

	if !s.settings.Simulate {
		s.followSelectedLocked()
	}
}

// followSelectedLocked copies the selected source into the current position.
func (s *Stimulator) followSelectedLocked() {
	sel := s.settings.Source
	if sel >= 0 && sel < len(s.sources) {
		s.current = s.sources[sel].Position
	} else {
		s.current = position.Sample{X: -1, Y: -1, Width: 1, Height: 1}
	}
	s.positionUpdated = true
}

func (s *Stimulator) handleTTL(e events.Event) {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	if !e.State || !settings.UseHardware || e.Line != settings.TTLSyncChannel {
		return
	}
	if err := s.SyncStimulation(settings.StimSyncChannel); err == nil {
		monitoring.Statusf(s.status, "Sent trigger sync event!")
	}
}

// Process runs the closed-loop decision for one cycle.
func (s *Stimulator) Process(c *events.Cycle) {
	s.mu.Lock()
	if s.settings.Simulate {
		if p, ok := s.trajectory.Next(c.Now); ok {
			s.current = p
			s.positionUpdated = true
		}
	}
	if !s.on {
		s.mu.Unlock()
		return
	}

	fire := s.decideLocked(c.Now)
	if fire {
		s.emitLocked(c)
	}
	hardware := fire && s.settings.UseHardware
	channel := s.settings.Channel
	s.mu.Unlock()

	if hardware {
		if err := s.gen.Trigger(channel + 1); err != nil {
			monitoring.Logf("%s: pulse generator trigger: %v", s.name, err)
		}
	}
}

func (s *Stimulator) decideLocked(now time.Time) bool {
	if s.lastTrigger.IsZero() {
		s.lastTrigger = now
	}
	x, y := float64(s.current.X), float64(s.current.Y)
	s.matched = s.regions.Match(x, y)
	if s.matched < 0 {
		s.latched = false
		return false
	}
	mode, freq, sd := s.timingLocked()
	if mode == ModeTTL {
		if s.latched {
			return false
		}
		s.latched = true
		return true
	}

	region, _ := s.regions.At(s.matched)
	elapsed := now.Sub(s.lastTrigger).Seconds()
	p := Probability(mode, freq, sd, region, x, y, elapsed)
	if p > 1 {
		s.warnings++
		if now.Sub(s.lastWarning) >= time.Second {
			s.lastWarning = now
			monitoring.Logf("WARNING: %s: stimulation frequency is higher than the cycle rate (p=%.2f)", s.name, p)
		}
	}
	return s.drawer.Rand() < p
}

// timingLocked returns the mode and rate parameters in force: the selected
// hardware channel's when hardware is used, the settings' otherwise.
func (s *Stimulator) timingLocked() (Mode, float64, float64) {
	if !s.settings.UseHardware || s.settings.Mode == ModeTTL {
		return s.settings.Mode, s.settings.Frequency, s.settings.SD
	}
	ch := s.channels[s.settings.Channel]
	mode := ModeGaussian
	if ch.Uniform {
		mode = ModeUniform
	}
	return mode, ch.Frequency, ch.SD
}

// emitLocked emits the rising edge at the cycle start and the falling edge
// one pulse duration later.
func (s *Stimulator) emitLocked(c *events.Cycle) {
	line := s.settings.Output
	off := c.Sample + timeutil.SamplesFor(s.settings.DurationMs, c.SampleRate)
	c.Emit(events.Event{
		Kind:      events.TTL,
		Processor: s.name,
		Channel:   line,
		Timestamp: c.Sample,
		Payload:   []byte{byte(1 << line)},
		Line:      line,
		State:     true,
	})
	c.Emit(events.Event{
		Kind:      events.TTL,
		Processor: s.name,
		Channel:   line,
		Timestamp: off,
		Payload:   []byte{0},
		Line:      line,
		State:     false,
	})
	s.lastTrigger = c.Now
	s.triggers++
	if s.stats != nil {
		s.stats.AddTrigger(s.name)
	}
}

// TriggerInterval returns the target seconds between triggers at (x, y)
// inside r.
func TriggerInterval(mode Mode, freq, sd float64, r Region, x, y float64) float64 {
	if mode != ModeGaussian {
		return 1 / freq
	}
	d := r.Distance(x, y) / r.Extent()
	k := -1 / math.Log(sd)
	return 1 / (freq * math.Exp(-d*d/k))
}

// Probability is the chance of firing this cycle given the seconds elapsed
// since the last trigger. Values above 1 mean the cycle rate cannot keep up
// with the requested frequency.
func Probability(mode Mode, freq, sd float64, r Region, x, y, elapsed float64) float64 {
	interval := TriggerInterval(mode, freq, sd, r, x, y)
	if math.IsInf(interval, 1) || math.IsNaN(interval) {
		return 0
	}
	return elapsed / interval
}

// TakePositionUpdate returns the current position and whether it changed
// since the previous call.
func (s *Stimulator) TakePositionUpdate() (position.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := s.positionUpdated
	s.positionUpdated = false
	return s.current, updated
}

// State returns a snapshot of the stimulator.
func (s *Stimulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		On:              s.on,
		Settings:        s.settings,
		Position:        s.current,
		AspectRatio:     s.current.AspectRatio(),
		Region:          s.matched,
		Regions:         s.regions.All(),
		SelectedRegion:  s.regions.Selected(),
		Channels:        append([]ChannelConfig(nil), s.channels[:]...),
		Sources:         append([]SourceState(nil), s.sources...),
		Triggers:        s.triggers,
		Warnings:        s.warnings,
		FirmwareVersion: s.gen.FirmwareVersion(),
	}
}

// Regions returns the regions in order.
func (s *Stimulator) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.All()
}

// AddRegion appends a region.
func (s *Stimulator) AddRegion(r Region) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.Add(r)
}

// EditRegion replaces region i.
func (s *Stimulator) EditRegion(i int, r Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.Edit(i, r)
}

// DeleteRegion removes region i.
func (s *Stimulator) DeleteRegion(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.Delete(i)
}

// DisableRegions switches every region off.
func (s *Stimulator) DisableRegions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions.DisableAll()
}

// SelectRegion selects region i for editing, -1 for none.
func (s *Stimulator) SelectRegion(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.Select(i)
}

// SetRegions replaces every region.
func (s *Stimulator) SetRegions(rs []Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.Replace(rs)
}

// Channel returns hardware channel i.
func (s *Stimulator) Channel(i int) (ChannelConfig, error) {
	if i < 0 || i >= NumChannels {
		return ChannelConfig{}, fmt.Errorf("channel %d out of range 0-%d", i, NumChannels-1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[i], nil
}

// SetChannel stores the configuration of hardware channel i. An
// inconsistent train is corrected with p, reported as a status message and
// signalled by an error wrapping ErrInconsistentTrain; the corrected
// configuration is stored and returned.
func (s *Stimulator) SetChannel(i int, cfg ChannelConfig, p Priority) (ChannelConfig, error) {
	if i < 0 || i >= NumChannels {
		return cfg, fmt.Errorf("channel %d out of range 0-%d", i, NumChannels-1)
	}
	fixed, err := cfg.Normalize(p)
	if err != nil && !errors.Is(err, ErrInconsistentTrain) {
		return cfg, err
	}
	if err != nil {
		monitoring.Statusf(s.status, "Channel %d: %v", i+1, err)
	}
	s.mu.Lock()
	s.channels[i] = fixed
	s.mu.Unlock()
	return fixed, err
}

// UpdateHardware programs the selected channel on the pulse generator.
func (s *Stimulator) UpdateHardware() error {
	s.mu.Lock()
	ch := s.settings.Channel
	cfg := s.channels[ch]
	s.mu.Unlock()

	if !connected(s.gen) {
		return ErrHardwareNotConnected
	}
	return s.gen.Program(ch+1, ProgramFor(cfg))
}

// TestStimulation triggers the selected channel once.
func (s *Stimulator) TestStimulation() error {
	s.mu.Lock()
	ch := s.settings.Channel
	s.mu.Unlock()

	if !connected(s.gen) {
		monitoring.Statusf(s.status, "Pulse generator is not connected!")
		return ErrHardwareNotConnected
	}
	return s.gen.Trigger(ch + 1)
}

// SyncStimulation fires a short sync pulse on channel and then restores the
// channel's own program. The restore is attempted whenever the sync program
// was written, even if the trigger failed.
func (s *Stimulator) SyncStimulation(channel int) (err error) {
	cfg, err := s.Channel(channel)
	if err != nil {
		return err
	}
	if !connected(s.gen) {
		monitoring.Statusf(s.status, "Pulse generator is not connected!")
		return ErrHardwareNotConnected
	}
	hw := channel + 1
	if err := s.gen.Program(hw, SyncProgram(cfg)); err != nil {
		return fmt.Errorf("sync channel %d: %w", hw, err)
	}
	defer func() {
		if rerr := s.gen.Program(hw, ProgramFor(cfg)); rerr != nil {
			monitoring.Statusf(s.status, "Could not restore channel %d after sync pulse", hw)
			err = errors.Join(err, fmt.Errorf("restore channel %d: %w", hw, rerr))
		}
	}()
	if err := s.gen.Trigger(hw); err != nil {
		return fmt.Errorf("sync channel %d: %w", hw, err)
	}
	return nil
}
