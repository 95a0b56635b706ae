package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the dialmixer daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	// Categories in dial order. Dial index i controls Dials[i].
	Dials []DialConfig `yaml:"dials"`

	// Where per-category volume, mute and membership are persisted.
	// A ".json" extension keeps the app_list.json layout.
	StateFile string `yaml:"state_file"`

	Volume      VolumeConfig      `yaml:"volume"`
	Pulse       PulseConfig       `yaml:"pulse"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Input       InputConfig       `yaml:"input"`
	IPC         IPCConfig         `yaml:"ipc"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DialConfig names one category. Apps seeds the membership when the state
// file has no record for the category yet; a stored record wins.
type DialConfig struct {
	Name string   `yaml:"name"`
	Apps []string `yaml:"apps,omitempty"`
}

type VolumeConfig struct {
	MinPercent     int `yaml:"min_percent"`
	MaxPercent     int `yaml:"max_percent"`
	StepSize       int `yaml:"step_size"`
	DefaultPercent int `yaml:"default_percent"`
}

type PulseConfig struct {
	Server     string `yaml:"server,omitempty"` // empty: $PULSE_SERVER or the default socket
	ClientName string `yaml:"client_name"`
	TimeoutMS  int    `yaml:"timeout_ms"`

	// Liveness request interval on the event connection. A server that closes
	// the connection is noticed immediately either way; 0 only stops detecting
	// a server that keeps the socket open but no longer answers.
	ProbeIntervalMS int `yaml:"probe_interval_ms"`
}

type CoordinatorConfig struct {
	MinRetryMS   int `yaml:"min_retry_ms"`
	MaxRetryMS   int `yaml:"max_retry_ms"`
	StatusBuffer int `yaml:"status_buffer"`
}

// InputConfig binds evdev rotary encoders to dials.
type InputConfig struct {
	Devices            []InputDeviceConfig `yaml:"devices,omitempty"`
	VelocityWindowMS   int                 `yaml:"velocity_window_ms"`
	VelocityThreshold  int                 `yaml:"velocity_threshold"`
	VelocityMultiplier int                 `yaml:"velocity_multiplier"`
}

type InputDeviceConfig struct {
	Path string `yaml:"path"`
	Dial int    `yaml:"dial"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// HTTPConfig configures the listener serving /ws and /metrics. Port 0 disables it.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Dials: []DialConfig{
			{Name: "Browser"},
			{Name: "Music"},
			{Name: "Voice"},
			{Name: "Game"},
		},
		StateFile: defaultStateFile,
		Volume: VolumeConfig{
			MinPercent:     defaultMinPercent,
			MaxPercent:     defaultMaxPercent,
			StepSize:       defaultStepSize,
			DefaultPercent: defaultVolumePercent,
		},
		Pulse: PulseConfig{
			ClientName:      defaultPulseClientName,
			TimeoutMS:       defaultPulseTimeoutMS,
			ProbeIntervalMS: defaultPulseProbeIntervalMS,
		},
		Coordinator: CoordinatorConfig{
			MinRetryMS:   int(defaultMinRetry / time.Millisecond),
			MaxRetryMS:   int(defaultMaxRetry / time.Millisecond),
			StatusBuffer: defaultStatusBuffer,
		},
		Input: InputConfig{
			VelocityWindowMS:   defaultRotaryVelocityWindowMS,
			VelocityThreshold:  defaultRotaryVelocityThreshold,
			VelocityMultiplier: defaultRotaryVelocityMultiplier,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		HTTP: HTTPConfig{
			Port: defaultHTTPPort,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds flag values that win over the config file.
// Each override is only applied if its pointer is non-nil.
type FlagOverrides struct {
	StateFile *string

	PulseServer *string

	MinPercent *int
	MaxPercent *int
	StepSize   *int

	IPCSocketPath *string
	HTTPPort      *int

	LogLevel *string
}

// Apply merges the overrides into cfg. If the pointer is non-nil, the value is
// applied (even if it is a “zero value”).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.StateFile != nil {
		cfg.StateFile = *o.StateFile
	}
	if o.PulseServer != nil {
		cfg.Pulse.Server = *o.PulseServer
	}
	if o.MinPercent != nil {
		cfg.Volume.MinPercent = *o.MinPercent
	}
	if o.MaxPercent != nil {
		cfg.Volume.MaxPercent = *o.MaxPercent
	}
	if o.StepSize != nil {
		cfg.Volume.StepSize = *o.StepSize
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Dials
	if len(c.Dials) == 0 {
		return errors.New("dials must not be empty")
	}
	seen := make(map[string]bool, len(c.Dials))
	for i, d := range c.Dials {
		if d.Name == "" {
			return fmt.Errorf("dials[%d].name is empty", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("dials[%d].name %q is used twice", i, d.Name)
		}
		seen[d.Name] = true
	}

	if c.StateFile == "" {
		return errors.New("state_file must not be empty")
	}

	// Volume
	if c.Volume.MinPercent < 0 {
		return errors.New("volume.min_percent must be >= 0")
	}
	if c.Volume.MinPercent > c.Volume.MaxPercent {
		return errors.New("volume.min_percent must be <= volume.max_percent")
	}
	if c.Volume.StepSize <= 0 {
		return errors.New("volume.step_size must be > 0")
	}

	// Pulse
	if c.Pulse.ClientName == "" {
		return errors.New("pulse.client_name must not be empty")
	}
	if c.Pulse.TimeoutMS <= 0 {
		return errors.New("pulse.timeout_ms must be > 0")
	}
	if c.Pulse.ProbeIntervalMS < 0 {
		return errors.New("pulse.probe_interval_ms must be >= 0")
	}

	// Coordinator
	if c.Coordinator.MinRetryMS <= 0 {
		return errors.New("coordinator.min_retry_ms must be > 0")
	}
	if c.Coordinator.MaxRetryMS < c.Coordinator.MinRetryMS {
		return errors.New("coordinator.max_retry_ms must be >= coordinator.min_retry_ms")
	}
	if c.Coordinator.StatusBuffer <= 0 {
		return errors.New("coordinator.status_buffer must be > 0")
	}

	// Input
	for i, dev := range c.Input.Devices {
		if dev.Path == "" {
			return fmt.Errorf("input.devices[%d].path is empty", i)
		}
		if dev.Dial < 0 || dev.Dial >= len(c.Dials) {
			return fmt.Errorf("input.devices[%d].dial must be between 0 and %d", i, len(c.Dials)-1)
		}
	}
	if c.Input.VelocityWindowMS < 0 {
		return errors.New("input.velocity_window_ms must be >= 0")
	}
	if c.Input.VelocityMultiplier < 1 {
		return errors.New("input.velocity_multiplier must be >= 1")
	}

	// IPC / HTTP
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Categories merges the configured dial order with stored records.
//
// A stored record provides membership, volume and mute. Categories without a
// record are seeded from the config and returned in seeded so the caller can
// persist them.
func (c *Config) Categories(records map[string]CategoryRecord) (cats []CategoryConfig, seeded []string) {
	cats = make([]CategoryConfig, 0, len(c.Dials))
	for _, d := range c.Dials {
		rec, ok := records[d.Name]
		if !ok {
			cats = append(cats, CategoryConfig{
				Name:   d.Name,
				Apps:   append([]string(nil), d.Apps...),
				Volume: c.Volume.DefaultPercent,
			})
			seeded = append(seeded, d.Name)
			continue
		}
		cats = append(cats, CategoryConfig{
			Name:   d.Name,
			Apps:   rec.Apps,
			Volume: rec.Volume,
			Muted:  rec.Muted,
		})
	}
	return cats, seeded
}

// Limits returns the dial volume limits.
func (c *Config) Limits() VolumeLimits {
	return VolumeLimits{
		MinPercent: c.Volume.MinPercent,
		MaxPercent: c.Volume.MaxPercent,
		StepSize:   c.Volume.StepSize,
	}
}

// CoordinatorOptions converts the millisecond settings into durations.
func (c *Config) CoordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{
		MinRetry:     time.Duration(c.Coordinator.MinRetryMS) * time.Millisecond,
		MaxRetry:     time.Duration(c.Coordinator.MaxRetryMS) * time.Millisecond,
		HealthBuffer: c.Coordinator.StatusBuffer,
	}
}

// RotaryConfig returns the velocity settings for encoder input.
func (c *Config) RotaryConfig() RotaryConfig {
	return RotaryConfig{
		VelocityWindowMS:   c.Input.VelocityWindowMS,
		VelocityThreshold:  c.Input.VelocityThreshold,
		VelocityMultiplier: c.Input.VelocityMultiplier,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
