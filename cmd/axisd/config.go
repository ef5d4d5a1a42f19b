package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"eventaxis"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the axisd daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume a well-formed config.
// The file is the primary configuration surface; flags exist for small overrides.
type Config struct {
	// Control loop
	Daemon DaemonConfig `yaml:"daemon"`

	// Event WebSocket server
	HTTP HTTPConfig `yaml:"http"`

	// Control socket (used by axisctl)
	IPC IPCConfig `yaml:"ipc"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// One tracker per entry, polled in this order.
	Axes []AxisConfig `yaml:"axes"`
}

type DaemonConfig struct {
	UpdateHz int `yaml:"update_hz"`
}

type HTTPConfig struct {
	Port   int    `yaml:"port"`
	WSPath string `yaml:"ws_path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AxisConfig describes one tracked analog input.
//
// Fields missing from the file keep the values of DefaultAxisConfig, so a minimal entry only needs
// a name and a source.
type AxisConfig struct {
	Name            string            `yaml:"name"`
	UserID          uint              `yaml:"user_id"`
	Enabled         bool              `yaml:"enabled"`
	PassiveSampling bool              `yaml:"passive_sampling"`
	Source          SourceConfig      `yaml:"source"`
	Calibration     CalibrationConfig `yaml:"calibration"`
	IdleTimeoutMS   int               `yaml:"idle_timeout_ms"`
	RateLimitMS     int               `yaml:"rate_limit_ms"`
}

// SourceConfig selects where raw samples come from.
type SourceConfig struct {
	Type string `yaml:"type"` // iio | evdev | serial | static

	// iio: sysfs channel file, evdev: /dev/input/eventN, serial: port name
	Path string `yaml:"path,omitempty"`

	// evdev only: ABS_* code to follow (0 = ABS_X)
	Code int `yaml:"code,omitempty"`

	// serial only
	Serial PortOptions `yaml:"serial,omitempty"`

	// static only: value returned on every read
	Value int `yaml:"value,omitempty"`
}

// CalibrationConfig is the YAML form of eventaxis.Calibration (without the derived slices).
type CalibrationConfig struct {
	StartValue         int `yaml:"start_value"`
	StartBoundary      int `yaml:"start_boundary"`
	EndBoundary        int `yaml:"end_boundary"`
	Min                int `yaml:"min"`
	Max                int `yaml:"max"`
	NegativeIncrements int `yaml:"negative_increments"`
	PositiveIncrements int `yaml:"positive_increments"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go defaults and current CLI defaults.
func DefaultConfig() Config {
	return Config{
		Daemon: DaemonConfig{
			UpdateHz: defaultUpdateHz,
		},
		HTTP: HTTPConfig{
			Port:   defaultHTTPPort,
			WSPath: defaultWSPath,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Axes: []AxisConfig{
			func() AxisConfig {
				a := DefaultAxisConfig()
				a.Name = "axis0"
				a.Source = SourceConfig{Type: sourceIIO, Path: defaultIIOChannel}
				return a
			}(),
		},
	}
}

// DefaultAxisConfig returns the per-axis defaults applied before an axes[] entry is decoded.
func DefaultAxisConfig() AxisConfig {
	return AxisConfig{
		Enabled: true,
		Source:  SourceConfig{Type: sourceStatic},
		Calibration: CalibrationConfig{
			StartValue:         eventaxis.DefaultStartValue,
			StartBoundary:      eventaxis.DefaultStartBoundary,
			EndBoundary:        eventaxis.DefaultEndBoundary,
			Min:                eventaxis.DefaultMin,
			Max:                eventaxis.DefaultMax,
			NegativeIncrements: eventaxis.DefaultIncrements,
			PositiveIncrements: eventaxis.DefaultIncrements,
		},
		IdleTimeoutMS: int(eventaxis.DefaultIdleTimeout / time.Millisecond),
	}
}

// UnmarshalYAML decodes an axes[] entry on top of DefaultAxisConfig.
//
// The node is re-encoded and decoded with KnownFields(true) because Node.Decode does not inherit
// the strictness of the outer decoder.
func (a *AxisConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain AxisConfig
	p := plain(DefaultAxisConfig())

	b, err := yaml.Marshal(n)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("axis at line %d: %w", n.Line, err)
	}

	*a = AxisConfig(p)
	return nil
}

// LoadConfigFile reads and parses a YAML config file.
//
// Notes:
//   - The file must be valid YAML.
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
//   - An axes list in the file replaces the default axis entirely.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	// yaml.v3 decodes sequences into the existing slice; start from an empty list so file
	// entries do not merge with the default axis.
	cfg.Axes = nil

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document. Decode into a node so KnownFields
	// cannot turn a second document into an error that looks like "nothing left".
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	if cfg.Axes == nil {
		cfg.Axes = DefaultConfig().Axes
	}
	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags should pass pointers; each override is only applied if the pointer is non-nil.
// main.go decides which flags were actually set.
type FlagOverrides struct {
	UpdateHz      *int
	HTTPPort      *int
	IPCSocketPath *string
	LogLevel      *string
	LogFormat     *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a “zero value”).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.UpdateHz != nil {
		cfg.Daemon.UpdateHz = *o.UpdateHz
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = *o.LogFormat
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
//
// Calibration values are not rejected here: the tracker clamps them the same way it clamps values
// arriving over IPC.
func (c *Config) Validate() error {
	if c.Daemon.UpdateHz <= 0 || c.Daemon.UpdateHz > 1000 {
		return errors.New("daemon.update_hz must be between 1 and 1000")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if c.HTTP.WSPath == "" || c.HTTP.WSPath[0] != '/' {
		return errors.New("http.ws_path must start with /")
	}
	if c.HTTP.WSPath == "/healthz" {
		return errors.New("http.ws_path must not be /healthz")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if _, err := parseLogFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}

	if len(c.Axes) == 0 {
		return errors.New("axes must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Axes))
	for i := range c.Axes {
		a := &c.Axes[i]
		if a.Name == "" {
			return fmt.Errorf("axes[%d].name must not be empty", i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("axes[%d].name %q is duplicated", i, a.Name)
		}
		seen[a.Name] = struct{}{}

		if a.IdleTimeoutMS < 0 {
			return fmt.Errorf("axes[%d].idle_timeout_ms must be >= 0", i)
		}
		if a.RateLimitMS < 0 {
			return fmt.Errorf("axes[%d].rate_limit_ms must be >= 0", i)
		}
		if err := a.Source.validate(); err != nil {
			return fmt.Errorf("axes[%d].source: %w", i, err)
		}
	}

	return nil
}

func (s *SourceConfig) validate() error {
	switch s.Type {
	case sourceStatic:
		return nil
	case sourceIIO, sourceSerial:
		if s.Path == "" {
			return fmt.Errorf("path must not be empty for type %q", s.Type)
		}
	case sourceEvdev:
		if s.Path == "" {
			return fmt.Errorf("path must not be empty for type %q", s.Type)
		}
		if s.Code < 0 || s.Code > ABS_MAX {
			return fmt.Errorf("code must be between 0 and %d", ABS_MAX)
		}
	default:
		return fmt.Errorf("unknown type %q (must be %s, %s, %s or %s)", s.Type, sourceIIO, sourceEvdev, sourceSerial, sourceStatic)
	}
	if s.Type == sourceSerial {
		if _, err := s.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

// ToCalibration converts the YAML calibration into the tracker's form.
func (c CalibrationConfig) ToCalibration() eventaxis.Calibration {
	return eventaxis.Calibration{
		StartValue:         c.StartValue,
		StartBoundary:      c.StartBoundary,
		EndBoundary:        c.EndBoundary,
		Min:                c.Min,
		Max:                c.Max,
		NegativeIncrements: c.NegativeIncrements,
		PositiveIncrements: c.PositiveIncrements,
	}
}

func (a AxisConfig) idleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutMS) * time.Millisecond
}

func (a AxisConfig) rateLimit() time.Duration {
	return time.Duration(a.RateLimitMS) * time.Millisecond
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
