package config

import (
	"errors"
	"fmt"

	"github.com/CINPLA/tracking-plugin/internal/stim"
	"github.com/CINPLA/tracking-plugin/internal/tracking"
)

// ApplySources replaces the node's sources with the configured ones. A
// source that fails to bind is skipped and its error joined into the
// result; the others are still added.
func (c *Config) ApplySources(n *tracking.Node) error {
	for i := n.NumSources() - 1; i >= 0; i-- {
		if err := n.RemoveSource(i); err != nil {
			return err
		}
	}

	var errs []error
	for i, s := range c.Sources {
		if s.Port == tracking.UnsetPort || s.Address == "" {
			idx := n.AddEmptySource()
			if s.Color != "" {
				if err := n.SetColor(idx, s.Color); err != nil {
					errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
				}
			}
			if s.Address != "" {
				if err := n.SetAddress(idx, s.Address); err != nil {
					errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
				}
			}
			if s.Port != tracking.UnsetPort {
				if err := n.SetPort(idx, s.Port); err != nil {
					errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
				}
			}
			continue
		}
		if _, err := n.AddSource(s.Port, s.Address, s.Color); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyStimulator loads the settings, regions and channels into s. An
// inconsistent channel is corrected and reported in the returned error.
func (c *Config) ApplyStimulator(s *stim.Stimulator) error {
	settings, err := c.StimSettings()
	if err != nil {
		return err
	}
	regions, err := c.StimRegions()
	if err != nil {
		return err
	}
	priority, err := c.GetPriority()
	if err != nil {
		return err
	}
	if err := s.SetSettings(settings); err != nil {
		return err
	}
	if err := s.SetRegions(regions); err != nil {
		return err
	}

	var errs []error
	for i, ch := range c.StimChannels() {
		if _, err := s.SetChannel(i, ch, priority); err != nil {
			errs = append(errs, fmt.Errorf("channels[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Capture returns a copy of base with the sources, regions, settings and
// channels replaced by the running state.
func Capture(base *Config, n *tracking.Node, s *stim.Stimulator) *Config {
	cfg := &Config{}
	if base != nil {
		*cfg = *base
	}
	cfg.SetSources(n.Sources())
	cfg.SetRegions(s.Regions())
	cfg.SetStimSettings(s.Settings())

	chs := make([]stim.ChannelConfig, 0, stim.NumChannels)
	for i := 0; i < stim.NumChannels; i++ {
		ch, err := s.Channel(i)
		if err != nil {
			break
		}
		chs = append(chs, ch)
	}
	cfg.SetStimChannels(chs)
	return cfg
}
