package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// File is the layout of the optional YAML configuration file
type File struct {
	DBPath    string     `yaml:"db_path"`
	StaticDir string     `yaml:"static_dir"`
	Pump      PumpConfig `yaml:"pump"`
	Schedules []Schedule `yaml:"schedules"`
}

// Schedule waters one plant on a cron expression
type Schedule struct {
	Plant      int    `yaml:"plant"`
	Cron       string `yaml:"cron"`
	DurationMs int    `yaml:"duration_ms"`
}

// LoadFile reads and validates a YAML configuration file
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, s := range f.Schedules {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("schedule at index %d: %w", i, err)
		}
	}

	return &f, nil
}

func (s Schedule) validate() error {
	if s.Plant <= 0 {
		return fmt.Errorf("plant must be positive, got %d", s.Plant)
	}
	if s.Cron == "" {
		return errors.New("cron expression is required")
	}
	if _, err := cron.ParseStandard(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
	}
	if s.DurationMs < 0 {
		return fmt.Errorf("duration_ms must not be negative, got %d", s.DurationMs)
	}
	return nil
}

// applyTo copies file values into cfg unless the matching flag was set
func (f *File) applyTo(cfg *Config, set map[string]bool) {
	if f.DBPath != "" && !set["db-path"] {
		cfg.DBPath = f.DBPath
	}
	if f.StaticDir != "" && !set["static-dir"] {
		cfg.StaticDir = f.StaticDir
	}

	p := f.Pump
	if len(p.Command) > 0 && !set["pump-command"] {
		cfg.Pump.Command = p.Command
	}
	if p.WorkDir != "" && !set["pump-workdir"] {
		cfg.Pump.WorkDir = p.WorkDir
	}
	if p.Timeout > 0 && !set["pump-timeout"] {
		cfg.Pump.Timeout = p.Timeout
	}
	if p.MaxDuration > 0 && !set["pump-max-duration"] {
		cfg.Pump.MaxDuration = p.MaxDuration
	}
	if p.BreakerFailures > 0 && !set["pump-breaker-failures"] {
		cfg.Pump.BreakerFailures = p.BreakerFailures
	}
	if p.BreakerOpenFor > 0 && !set["pump-breaker-open"] {
		cfg.Pump.BreakerOpenFor = p.BreakerOpenFor
	}

	cfg.Schedules = f.Schedules
}
