// Package config loads and saves the persisted service configuration: the
// tracked sources, the stimulation regions and settings, the pulse generator
// channels and the serial link.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/serialmux"
	"github.com/CINPLA/tracking-plugin/internal/stim"
	"github.com/CINPLA/tracking-plugin/internal/tracking"
)

// DefaultConfigPath is where the service looks for its configuration when no
// path is given.
const DefaultConfigPath = "config/tracking.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Source is one tracked source.
type Source struct {
	Port    int    `json:"port" yaml:"port"`
	Address string `json:"address" yaml:"address"`
	Color   string `json:"color" yaml:"color"`
}

// Region is one stimulation region. Circles use Rad, rectangles W and H.
type Region struct {
	ID    int      `json:"id" yaml:"id"`
	Shape string   `json:"shape,omitempty" yaml:"shape,omitempty"`
	X     float64  `json:"x" yaml:"x"`
	Y     float64  `json:"y" yaml:"y"`
	Rad   *float64 `json:"rad,omitempty" yaml:"rad,omitempty"`
	W     *float64 `json:"w,omitempty" yaml:"w,omitempty"`
	H     *float64 `json:"h,omitempty" yaml:"h,omitempty"`
	On    bool     `json:"on" yaml:"on"`
}

// Stimulator holds the stimulation settings. Omitted fields take the
// stimulator defaults.
type Stimulator struct {
	Mode         *string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	Freq         *float64 `json:"freq,omitempty" yaml:"freq,omitempty"`
	SD           *float64 `json:"sd,omitempty" yaml:"sd,omitempty"`
	DurationMs   *float64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	Output       *int     `json:"output,omitempty" yaml:"output,omitempty"`
	Source       *int     `json:"source,omitempty" yaml:"source,omitempty"`
	UseHardware  *bool    `json:"use_hardware,omitempty" yaml:"use_hardware,omitempty"`
	Channel      *int     `json:"channel,omitempty" yaml:"channel,omitempty"`
	TTLSyncChan  *int     `json:"ttl_sync_chan,omitempty" yaml:"ttl_sync_chan,omitempty"`
	StimSyncChan *int     `json:"stim_sync_chan,omitempty" yaml:"stim_sync_chan,omitempty"`
	Simulate     *bool    `json:"simulate,omitempty" yaml:"simulate,omitempty"`
	// Priority is "repetitions" or "train".
	Priority *string `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Channel is the pulse train of one pulse generator channel.
type Channel struct {
	Freq          float64 `json:"freq" yaml:"freq"`
	SD            float64 `json:"sd" yaml:"sd"`
	Uniform       bool    `json:"uniform" yaml:"uniform"`
	Biphasic      bool    `json:"biphasic" yaml:"biphasic"`
	NegativeFirst bool    `json:"negative_first" yaml:"negative_first"`
	PhaseMs       float64 `json:"phase_ms" yaml:"phase_ms"`
	InterPhaseMs  float64 `json:"interphase_ms" yaml:"interphase_ms"`
	Repetitions   int     `json:"repetitions" yaml:"repetitions"`
	TrainMs       float64 `json:"train_ms" yaml:"train_ms"`
	Voltage       float64 `json:"voltage" yaml:"voltage"`
	InterPulseMs  float64 `json:"interpulse_ms" yaml:"interpulse_ms"`
}

// Serial is the pulse generator link. An empty Path means no hardware.
type Serial struct {
	Path                  string `json:"path" yaml:"path"`
	serialmux.PortOptions `yaml:",inline"`
}

// MQTT enables event republishing when Broker is set.
type MQTT struct {
	Broker      string `json:"broker" yaml:"broker"`
	TopicPrefix string `json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty"`
	ClientID    string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// Config is the root of the configuration file. Pointer fields are optional
// and read through the Get* methods, which supply defaults.
type Config struct {
	ListenHost    *string  `json:"listen_host,omitempty" yaml:"listen_host,omitempty"`
	QueueMode     *string  `json:"queue_mode,omitempty" yaml:"queue_mode,omitempty"`
	SampleRate    *float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	CycleHz       *float64 `json:"cycle_hz,omitempty" yaml:"cycle_hz,omitempty"`
	AcceptIntArgs *bool    `json:"accept_int_args,omitempty" yaml:"accept_int_args,omitempty"`

	Sources    []Source   `json:"sources" yaml:"sources"`
	Regions    []Region   `json:"regions" yaml:"regions"`
	Stimulator Stimulator `json:"stimulator" yaml:"stimulator"`
	Channels   []Channel  `json:"channels,omitempty" yaml:"channels,omitempty"`
	Serial     *Serial    `json:"serial,omitempty" yaml:"serial,omitempty"`
	MQTT       *MQTT      `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Default returns the configuration used when no file exists: a single
// source on the default port and no regions.
func Default() *Config {
	return &Config{
		Sources: []Source{{Port: tracking.DefaultPort, Address: "/red", Color: tracking.PaletteColor(0)}},
	}
}

type format int

const (
	formatJSON format = iota
	formatYAML
)

func formatOf(path string) (format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}
}

// Load reads a configuration file. The extension selects JSON or YAML.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	f, err := formatOf(cleanPath)
	if err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch f {
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file cannot be
// read or is invalid. The failure is reported on status.
func LoadOrDefault(path string, status monitoring.StatusSink) *Config {
	cfg, err := Load(path)
	if err != nil {
		monitoring.Logf("config: %v", err)
		monitoring.Statusf(status, "Could not load %s, using defaults", filepath.Base(path))
		return Default()
	}
	return cfg
}

// Save writes cfg to path in the format its extension selects.
func Save(path string, cfg *Config) error {
	cleanPath := filepath.Clean(path)
	f, err := formatOf(cleanPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var data []byte
	switch f {
	case formatYAML:
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	tmp := cleanPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, cleanPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.QueueMode != nil {
		switch tracking.QueueMode(*c.QueueMode) {
		case tracking.QueueRing, tracking.QueueBytes:
		default:
			return fmt.Errorf("queue_mode must be %q or %q, got %q", tracking.QueueRing, tracking.QueueBytes, *c.QueueMode)
		}
	}
	if c.SampleRate != nil && !(*c.SampleRate > 0) {
		return fmt.Errorf("sample_rate must be positive, got %f", *c.SampleRate)
	}
	if c.CycleHz != nil && !(*c.CycleHz > 0) {
		return fmt.Errorf("cycle_hz must be positive, got %f", *c.CycleHz)
	}

	ports := make(map[int]int, len(c.Sources))
	for i, s := range c.Sources {
		if s.Port == tracking.UnsetPort {
			continue
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("sources[%d]: invalid port %d (1-65535, or -1 for unset)", i, s.Port)
		}
		if j, dup := ports[s.Port]; dup {
			return fmt.Errorf("sources[%d]: port %d already used by sources[%d]", i, s.Port, j)
		}
		ports[s.Port] = i
		if s.Color != "" && !tracking.ValidColor(s.Color) {
			return fmt.Errorf("sources[%d]: unknown color %q", i, s.Color)
		}
	}

	if len(c.Regions) > stim.MaxRegions {
		return fmt.Errorf("at most %d regions, got %d", stim.MaxRegions, len(c.Regions))
	}
	if _, err := c.StimRegions(); err != nil {
		return err
	}
	if _, err := c.StimSettings(); err != nil {
		return err
	}
	if _, err := c.GetPriority(); err != nil {
		return err
	}

	if len(c.Channels) > stim.NumChannels {
		return fmt.Errorf("at most %d channels, got %d", stim.NumChannels, len(c.Channels))
	}
	for i, ch := range c.StimChannels() {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
	}

	if c.Serial != nil && c.Serial.Path != "" {
		if _, err := c.Serial.PortOptions.Normalise(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if c.MQTT != nil && c.MQTT.Broker != "" && !strings.Contains(c.MQTT.Broker, "://") {
		return fmt.Errorf("mqtt broker must be a URL such as tcp://host:1883, got %q", c.MQTT.Broker)
	}
	return nil
}

// GetListenHost returns the listener bind host or the default.
func (c *Config) GetListenHost() string {
	if c.ListenHost == nil || *c.ListenHost == "" {
		return "localhost"
	}
	return *c.ListenHost
}

// GetQueueMode returns the per-source queue implementation or the default.
func (c *Config) GetQueueMode() tracking.QueueMode {
	if c.QueueMode == nil || *c.QueueMode == "" {
		return tracking.QueueRing
	}
	return tracking.QueueMode(*c.QueueMode)
}

// GetSampleRate returns the sample clock rate or the default.
func (c *Config) GetSampleRate() float64 {
	if c.SampleRate == nil {
		return 30000
	}
	return *c.SampleRate
}

// GetCycleHz returns the processing rate or the default.
func (c *Config) GetCycleHz() float64 {
	if c.CycleHz == nil {
		return 100
	}
	return *c.CycleHz
}

// GetAcceptIntArgs reports whether int32 arguments are coerced to float.
func (c *Config) GetAcceptIntArgs() bool {
	if c.AcceptIntArgs == nil {
		return false
	}
	return *c.AcceptIntArgs
}

// GetPriority returns which channel field wins when a train is
// inconsistent.
func (c *Config) GetPriority() (stim.Priority, error) {
	if c.Stimulator.Priority == nil {
		return stim.RepetitionsFirst, nil
	}
	return stim.ParsePriority(*c.Stimulator.Priority)
}

// StimRegion converts r.
func (r Region) StimRegion() (stim.Region, error) {
	shape, err := stim.ParseShape(r.Shape)
	if err != nil {
		return stim.Region{}, err
	}
	var region stim.Region
	switch shape {
	case stim.Rectangle:
		if r.W == nil || r.H == nil {
			return stim.Region{}, errors.New("rectangle needs w and h")
		}
		region = stim.NewRect(r.X, r.Y, *r.W, *r.H, r.On)
	default:
		if r.Rad == nil {
			return stim.Region{}, errors.New("circle needs rad")
		}
		region = stim.NewCircle(r.X, r.Y, *r.Rad, r.On)
	}
	if err := region.Validate(); err != nil {
		return stim.Region{}, err
	}
	return region, nil
}

// RegionOf converts a stimulator region numbered id.
func RegionOf(id int, r stim.Region) Region {
	out := Region{ID: id, Shape: r.Shape.String(), X: r.X, Y: r.Y, On: r.On}
	if r.Shape == stim.Rectangle {
		out.W, out.H = ptrFloat64(r.Width), ptrFloat64(r.Height)
	} else {
		out.Rad = ptrFloat64(r.Radius)
	}
	return out
}

// StimRegions converts the regions, in file order.
func (c *Config) StimRegions() ([]stim.Region, error) {
	out := make([]stim.Region, 0, len(c.Regions))
	for i, r := range c.Regions {
		region, err := r.StimRegion()
		if err != nil {
			return nil, fmt.Errorf("regions[%d]: %w", i, err)
		}
		out = append(out, region)
	}
	return out, nil
}

// SetRegions replaces the regions, numbering them in order.
func (c *Config) SetRegions(rs []stim.Region) {
	c.Regions = make([]Region, 0, len(rs))
	for i, r := range rs {
		c.Regions = append(c.Regions, RegionOf(i, r))
	}
}

// StimSettings returns the stimulator settings with defaults for omitted
// fields.
func (c *Config) StimSettings() (stim.Settings, error) {
	s := stim.DefaultSettings()
	in := c.Stimulator
	if in.Mode != nil {
		m, err := stim.ParseMode(*in.Mode)
		if err != nil {
			return s, fmt.Errorf("stimulator: %w", err)
		}
		s.Mode = m
	}
	if in.Freq != nil {
		s.Frequency = *in.Freq
	}
	if in.SD != nil {
		s.SD = *in.SD
	}
	if in.DurationMs != nil {
		s.DurationMs = *in.DurationMs
	}
	if in.Output != nil {
		s.Output = *in.Output
	}
	if in.Source != nil {
		s.Source = *in.Source
	}
	if in.UseHardware != nil {
		s.UseHardware = *in.UseHardware
	}
	if in.Channel != nil {
		s.Channel = *in.Channel
	}
	if in.TTLSyncChan != nil {
		s.TTLSyncChannel = *in.TTLSyncChan
	}
	if in.StimSyncChan != nil {
		s.StimSyncChannel = *in.StimSyncChan
	}
	if in.Simulate != nil {
		s.Simulate = *in.Simulate
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("stimulator: %w", err)
	}
	return s, nil
}

// SetStimSettings stores s, keeping the configured priority.
func (c *Config) SetStimSettings(s stim.Settings) {
	priority := c.Stimulator.Priority
	c.Stimulator = Stimulator{
		Mode:         ptrString(s.Mode.String()),
		Freq:         ptrFloat64(s.Frequency),
		SD:           ptrFloat64(s.SD),
		DurationMs:   ptrFloat64(s.DurationMs),
		Output:       ptrInt(s.Output),
		Source:       ptrInt(s.Source),
		UseHardware:  ptrBool(s.UseHardware),
		Channel:      ptrInt(s.Channel),
		TTLSyncChan:  ptrInt(s.TTLSyncChannel),
		StimSyncChan: ptrInt(s.StimSyncChannel),
		Simulate:     ptrBool(s.Simulate),
		Priority:     priority,
	}
}

// StimChannels returns the configured channels. Missing trailing channels
// are not included; the stimulator keeps its defaults for them.
func (c *Config) StimChannels() []stim.ChannelConfig {
	out := make([]stim.ChannelConfig, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, stim.ChannelConfig{
			Frequency:     ch.Freq,
			SD:            ch.SD,
			Uniform:       ch.Uniform,
			Biphasic:      ch.Biphasic,
			NegativeFirst: ch.NegativeFirst,
			PhaseDuration: ch.PhaseMs,
			InterPhase:    ch.InterPhaseMs,
			Repetitions:   ch.Repetitions,
			TrainDuration: ch.TrainMs,
			Voltage:       ch.Voltage,
			InterPulse:    ch.InterPulseMs,
		})
	}
	return out
}

// SetStimChannels replaces the channels.
func (c *Config) SetStimChannels(chs []stim.ChannelConfig) {
	c.Channels = make([]Channel, 0, len(chs))
	for _, ch := range chs {
		c.Channels = append(c.Channels, Channel{
			Freq:          ch.Frequency,
			SD:            ch.SD,
			Uniform:       ch.Uniform,
			Biphasic:      ch.Biphasic,
			NegativeFirst: ch.NegativeFirst,
			PhaseMs:       ch.PhaseDuration,
			InterPhaseMs:  ch.InterPhase,
			Repetitions:   ch.Repetitions,
			TrainMs:       ch.TrainDuration,
			Voltage:       ch.Voltage,
			InterPulseMs:  ch.InterPulse,
		})
	}
}

// SetSources replaces the sources from the node's current list.
func (c *Config) SetSources(infos []tracking.SourceInfo) {
	c.Sources = make([]Source, 0, len(infos))
	for _, s := range infos {
		c.Sources = append(c.Sources, Source{Port: s.Port, Address: s.Address, Color: s.Color})
	}
}
