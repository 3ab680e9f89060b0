// Package config loads the nearby-blue runtime settings from a TOML file and
// overlays them on defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	RoleAdvertiser = "advertiser"
	RoleScanner    = "scanner"

	TransportSim      = "sim"
	TransportHardware = "hardware"

	EnvDataDir  = "NEARBY_BLUE_DIR"
	EnvLogLevel = "NEARBY_BLUE_LOG_LEVEL"
)

var ErrInvalid = errors.New("invalid config")

// Config is the resolved runtime configuration.
type Config struct {
	Role           string
	DeviceName     string
	HardwareUUID   string
	Transport      string
	DataDir        string
	LogLevel       string
	ConnectTimeout time.Duration
	StatusAddr     string

	Simulation SimulationConfig
	Engine     EngineConfig
	Samples    SamplesConfig
	Status     StatusConfig
}

type SimulationConfig struct {
	// Perfect zeroes all link delays.
	Perfect bool
}

type EngineConfig struct {
	Supported       bool
	SampleInterval  time.Duration
	InvalidateAfter time.Duration // 0 disables
}

type SamplesConfig struct {
	Enabled bool
	Dir     string
}

type StatusConfig struct {
	ResetPerMinute uint64
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Role:           RoleAdvertiser,
		DeviceName:     "nearby-blue",
		Transport:      TransportSim,
		LogLevel:       "INFO",
		ConnectTimeout: 10 * time.Second,
		Engine: EngineConfig{
			Supported:      true,
			SampleInterval: 200 * time.Millisecond,
		},
		Samples: SamplesConfig{Enabled: true},
		Status:  StatusConfig{ResetPerMinute: 6},
	}
}

// config.toml key mapping
type fileConfig struct {
	Role           string `toml:"role"`
	DeviceName     string `toml:"device_name"`
	HardwareUUID   string `toml:"hardware_uuid"`
	Transport      string `toml:"transport"`
	DataDir        string `toml:"data_dir"`
	LogLevel       string `toml:"log_level"`
	ConnectTimeout string `toml:"connect_timeout"`
	StatusAddr     string `toml:"status_addr"`

	Simulation struct {
		Perfect bool `toml:"perfect"`
	} `toml:"simulation"`
	Engine struct {
		Supported       bool   `toml:"supported"`
		SampleInterval  string `toml:"sample_interval"`
		InvalidateAfter string `toml:"invalidate_after"`
	} `toml:"engine"`
	Samples struct {
		Enabled bool   `toml:"enabled"`
		Dir     string `toml:"dir"`
	} `toml:"samples"`
	Status struct {
		ResetPerMinute int64 `toml:"reset_per_minute"`
	} `toml:"status"`
}

// Load reads path and overlays defined keys on Default. An empty path skips
// the file. Environment overrides and Finalize are applied before returning.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(dst *time.Duration, v string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	str(&c.Role, raw.Role, "role")
	str(&c.DeviceName, raw.DeviceName, "device_name")
	str(&c.HardwareUUID, raw.HardwareUUID, "hardware_uuid")
	str(&c.Transport, raw.Transport, "transport")
	str(&c.DataDir, raw.DataDir, "data_dir")
	str(&c.LogLevel, raw.LogLevel, "log_level")
	str(&c.StatusAddr, raw.StatusAddr, "status_addr")
	if err := dur(&c.ConnectTimeout, raw.ConnectTimeout, "connect_timeout"); err != nil {
		return err
	}

	if meta.IsDefined("simulation", "perfect") {
		c.Simulation.Perfect = raw.Simulation.Perfect
	}
	if meta.IsDefined("engine", "supported") {
		c.Engine.Supported = raw.Engine.Supported
	}
	if err := dur(&c.Engine.SampleInterval, raw.Engine.SampleInterval, "engine", "sample_interval"); err != nil {
		return err
	}
	if err := dur(&c.Engine.InvalidateAfter, raw.Engine.InvalidateAfter, "engine", "invalidate_after"); err != nil {
		return err
	}
	if meta.IsDefined("samples", "enabled") {
		c.Samples.Enabled = raw.Samples.Enabled
	}
	str(&c.Samples.Dir, raw.Samples.Dir, "samples", "dir")
	if meta.IsDefined("status", "reset_per_minute") {
		if raw.Status.ResetPerMinute < 0 {
			return fmt.Errorf("%w: status.reset_per_minute must be >= 0", ErrInvalid)
		}
		c.Status.ResetPerMinute = uint64(raw.Status.ResetPerMinute)
	}
	return nil
}

// ApplyEnv lets the environment override the data directory and log level.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
}

// Finalize fills generated values and validates the result.
func (c *Config) Finalize() error {
	c.Role = strings.ToLower(c.Role)
	c.Transport = strings.ToLower(c.Transport)
	if c.HardwareUUID == "" {
		c.HardwareUUID = uuid.New().String()
	}
	return c.Validate()
}

func (c Config) Validate() error {
	switch c.Role {
	case RoleAdvertiser, RoleScanner:
	default:
		return fmt.Errorf("%w: role %q (expected advertiser or scanner)", ErrInvalid, c.Role)
	}
	switch c.Transport {
	case TransportSim, TransportHardware:
	default:
		return fmt.Errorf("%w: transport %q (expected sim or hardware)", ErrInvalid, c.Transport)
	}
	if _, err := uuid.Parse(c.HardwareUUID); err != nil {
		return fmt.Errorf("%w: hardware_uuid: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return fmt.Errorf("%w: device_name is required", ErrInvalid)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: connect_timeout must be >= 0", ErrInvalid)
	}
	if c.Engine.SampleInterval <= 0 {
		return fmt.Errorf("%w: engine.sample_interval must be > 0", ErrInvalid)
	}
	if c.Engine.InvalidateAfter < 0 {
		return fmt.Errorf("%w: engine.invalidate_after must be >= 0", ErrInvalid)
	}
	return nil
}
