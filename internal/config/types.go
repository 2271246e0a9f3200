package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Paintersrp/procreap/internal/api"
	"github.com/Paintersrp/procreap/internal/logging"
	"github.com/Paintersrp/procreap/internal/reaper"
	"github.com/Paintersrp/procreap/internal/terminator"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the procreap.yaml document structure.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Stop      StopConfig      `yaml:"stop"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Processes []ProcessConfig `yaml:"processes"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReaperConfig controls how terminated children are collected.
type ReaperConfig struct {
	Mode          string   `yaml:"mode"`
	SweepInterval Duration `yaml:"sweepInterval"`
	Subreaper     bool     `yaml:"subreaper"`
}

// StopConfig controls graceful-then-forceful termination.
type StopConfig struct {
	Interval      Duration `yaml:"interval"`
	EscalateAfter int      `yaml:"escalateAfter"`
}

// APIConfig controls the control API listener.
type APIConfig struct {
	Addr        string `yaml:"addr"`
	SocketGroup int    `yaml:"socketGroup"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// On reports whether metrics are served. Unset means enabled.
func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// ProcessConfig describes a process launched by `procreap up`.
type ProcessConfig struct {
	Name        string   `yaml:"name"`
	Command     []string `yaml:"command"`
	LibraryPath string   `yaml:"libraryPath"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatAuto
	}
	if c.Reaper.Mode == "" {
		c.Reaper.Mode = string(reaper.ModeTracked)
	}
	if !c.Reaper.SweepInterval.IsSet() {
		c.Reaper.SweepInterval.Duration = reaper.DefaultSweepInterval
	}
	if !c.Stop.Interval.IsSet() {
		c.Stop.Interval.Duration = terminator.DefaultInterval
	}
	if c.Stop.EscalateAfter == 0 {
		c.Stop.EscalateAfter = terminator.DefaultEscalateAfter
	}
	if c.API.Addr == "" {
		c.API.Addr = api.DefaultAddr()
	}
}

// Validate performs semantic checks that the schema cannot express.
func (c *Config) Validate() error {
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level: unsupported level %q", c.Log.Level)
	}
	if !logging.ValidFormat(c.Log.Format) {
		return fmt.Errorf("log.format: unsupported format %q", c.Log.Format)
	}
	switch reaper.Mode(c.Reaper.Mode) {
	case reaper.ModeTracked, reaper.ModeAll:
	default:
		return fmt.Errorf("reaper.mode: unsupported mode %q", c.Reaper.Mode)
	}
	if c.Reaper.SweepInterval.Duration <= 0 {
		return fmt.Errorf("reaper.sweepInterval: must be positive")
	}
	if c.Stop.Interval.Duration <= 0 {
		return fmt.Errorf("stop.interval: must be positive")
	}
	if c.Stop.EscalateAfter < 1 {
		return fmt.Errorf("stop.escalateAfter: must be at least 1")
	}
	if _, _, err := api.ParseAddr(c.API.Addr); err != nil {
		return fmt.Errorf("api.addr: %w", err)
	}
	if c.API.SocketGroup < 0 {
		return fmt.Errorf("api.socketGroup: must not be negative")
	}

	seen := make(map[string]int, len(c.Processes))
	for i, proc := range c.Processes {
		field := processField(i, proc.Name)
		if strings.TrimSpace(proc.Name) == "" {
			return fmt.Errorf("%s.name: is required", field)
		}
		if prev, ok := seen[proc.Name]; ok {
			return fmt.Errorf("%s.name: duplicates processes[%d]", field, prev)
		}
		seen[proc.Name] = i
		if len(proc.Command) == 0 || strings.TrimSpace(proc.Command[0]) == "" {
			return fmt.Errorf("%s.command: must name a program", field)
		}
	}
	return nil
}

// Process returns the named process definition.
func (c *Config) Process(name string) (ProcessConfig, bool) {
	for _, proc := range c.Processes {
		if proc.Name == name {
			return proc, true
		}
	}
	return ProcessConfig{}, false
}

func processField(index int, name string) string {
	if name == "" {
		return fmt.Sprintf("processes[%d]", index)
	}
	return fmt.Sprintf("processes[%d](%s)", index, name)
}
