// Package config loads the daemon configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the flow monitor. The pin list is the BCM numbering of the
// five sensor headers on the reference board.
var DefaultPins = []int{5, 6, 12, 13, 16}

const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultActivityPulses = 10
	DefaultStopPulses     = 3
	DefaultAutoLockPulses = 10
	DefaultKFactor        = 5100.0
	DefaultDebounce       = 5 * time.Millisecond
	DefaultStopTimeout    = time.Second
	DefaultPort           = 8080
	DefaultSimulationLPM  = 3.0
	DefaultSimulationHz   = 20
)

// Config is the root of kegleveld.yaml.
type Config struct {
	StateDir   string           `yaml:"state_dir,omitempty"`
	Flow       FlowConfig       `yaml:"flow"`
	HTTP       HTTPConfig       `yaml:"http"`
	Simulation SimulationConfig `yaml:"simulation"`
}

type FlowConfig struct {
	Pins     []int         `yaml:"pins"`
	Interval time.Duration `yaml:"interval"`
	// ActivityPulses is the per-tick delta at which an idle tap starts a pour.
	ActivityPulses uint64 `yaml:"activity_pulses"`
	// StopPulses is the per-tick delta at or below which a pour ends.
	StopPulses     uint64        `yaml:"stop_pulses"`
	AutoLockPulses uint64        `yaml:"auto_lock_pulses"`
	DefaultKFactor float64       `yaml:"default_k_factor"`
	Debounce       time.Duration `yaml:"debounce"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	GPIORoot       string        `yaml:"gpio_root,omitempty"`
}

type HTTPConfig struct {
	Port        int    `yaml:"port"`
	ValidateAPI bool   `yaml:"validate_api"`
	OpenAPIPath string `yaml:"openapi_path,omitempty"`
}

type SimulationConfig struct {
	Enabled bool    `yaml:"enabled"`
	FlowLPM float64 `yaml:"flow_lpm"`
	RateHz  int     `yaml:"rate_hz"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	return cfg
}

// Parse parses YAML content into a Config, then applies defaults and validates.
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	SetDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return data, nil
}

// SetDefaults fills every zero field.
func SetDefaults(cfg *Config) {
	f := &cfg.Flow
	if len(f.Pins) == 0 {
		f.Pins = append([]int(nil), DefaultPins...)
	}
	if f.Interval == 0 {
		f.Interval = DefaultInterval
	}
	if f.ActivityPulses == 0 {
		f.ActivityPulses = DefaultActivityPulses
	}
	if f.StopPulses == 0 {
		f.StopPulses = DefaultStopPulses
	}
	if f.AutoLockPulses == 0 {
		f.AutoLockPulses = DefaultAutoLockPulses
	}
	if f.DefaultKFactor == 0 {
		f.DefaultKFactor = DefaultKFactor
	}
	if f.Debounce == 0 {
		f.Debounce = DefaultDebounce
	}
	if f.StopTimeout == 0 {
		f.StopTimeout = DefaultStopTimeout
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = DefaultPort
	}
	if cfg.Simulation.FlowLPM == 0 {
		cfg.Simulation.FlowLPM = DefaultSimulationLPM
	}
	if cfg.Simulation.RateHz == 0 {
		cfg.Simulation.RateHz = DefaultSimulationHz
	}
}

// Validate rejects configurations the flow engine cannot run with.
func Validate(cfg *Config) error {
	f := cfg.Flow
	seen := make(map[int]struct{}, len(f.Pins))
	for _, pin := range f.Pins {
		if pin < 0 {
			return fmt.Errorf("flow.pins: negative pin %d", pin)
		}
		if _, dup := seen[pin]; dup {
			return fmt.Errorf("flow.pins: pin %d listed twice", pin)
		}
		seen[pin] = struct{}{}
	}
	if f.Interval < 10*time.Millisecond {
		return fmt.Errorf("flow.interval: %s is too short", f.Interval)
	}
	if f.StopPulses >= f.ActivityPulses {
		return fmt.Errorf("flow.stop_pulses (%d) must be below flow.activity_pulses (%d)", f.StopPulses, f.ActivityPulses)
	}
	if f.DefaultKFactor <= 0 {
		return fmt.Errorf("flow.default_k_factor must be positive")
	}
	if f.Debounce < 0 || f.StopTimeout < 0 {
		return fmt.Errorf("flow durations must not be negative")
	}
	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port: %d out of range", cfg.HTTP.Port)
	}
	if cfg.Simulation.FlowLPM < 0 || cfg.Simulation.RateHz < 0 {
		return fmt.Errorf("simulation values must not be negative")
	}
	return nil
}

// ApplyEnv overrides fields from the environment, using getenv for lookups.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("KEGLEVEL_STATE_DIR")); v != "" {
		cfg.StateDir = v
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.HTTP.Port = port
	}
	if getenv("KEGLEVEL_SIMULATE") == "1" {
		cfg.Simulation.Enabled = true
	}
	if getenv("KEGLEVEL_API_VALIDATE") == "1" {
		cfg.HTTP.ValidateAPI = true
	}
	if v := strings.TrimSpace(getenv("KEGLEVEL_OPENAPI_PATH")); v != "" {
		cfg.HTTP.OpenAPIPath = v
	}
	return Validate(cfg)
}
