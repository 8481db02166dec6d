package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"shortsched/internal/core"
)

// ChannelSeed is one channel entry of a channels file.
type ChannelSeed struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Language    string           `yaml:"language"`
	Automation  *core.Automation `yaml:"automation"`
}

type channelsFile struct {
	Channels []ChannelSeed `yaml:"channels"`
}

// LoadChannels reads and validates a YAML channels file.
//
//	channels:
//	  - id: cats
//	    name: Cat Facts
//	    automation:
//	      enabled: true
//	      timeZone: Asia/Almaty
//	      daysOfWeek: [mon, 3, friday]
//	      times: ["09:00", "18:30"]
func LoadChannels(path string) ([]*core.Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return ParseChannels(data)
}

// ParseChannels decodes channel seeds and converts them into channels.
func ParseChannels(data []byte) ([]*core.Channel, error) {
	var file channelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}

	seen := make(map[string]bool, len(file.Channels))
	channels := make([]*core.Channel, 0, len(file.Channels))
	var errs []error
	for i, seed := range file.Channels {
		if err := seed.validate(); err != nil {
			errs = append(errs, fmt.Errorf("channel %d (%s): %w", i, seed.ID, err))
			continue
		}
		if seen[seed.ID] {
			errs = append(errs, fmt.Errorf("channel %d: duplicate id %q", i, seed.ID))
			continue
		}
		seen[seed.ID] = true
		channels = append(channels, seed.channel())
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return channels, nil
}

func (s ChannelSeed) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return s.Automation.Validate()
}

func (s ChannelSeed) channel() *core.Channel {
	ch := &core.Channel{
		ID:          strings.TrimSpace(s.ID),
		Name:        strings.TrimSpace(s.Name),
		Description: s.Description,
		Language:    s.Language,
	}
	if s.Automation != nil {
		a := *s.Automation
		ch.Automation = &a
	}
	return ch
}
