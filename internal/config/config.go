// Package config loads reel settings from an optional YAML file and
// REEL_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables.
type Config struct {
	Log      Log      `yaml:"log"`
	Demux    Demux    `yaml:"demux"`
	Track    Track    `yaml:"track"`
	Resource Resource `yaml:"resource"`
	Metrics  Metrics  `yaml:"metrics"`
	Serve    Serve    `yaml:"serve"`
}

type Log struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

type Demux struct {
	// BufferTarget is how much media each demuxer keeps buffered ahead.
	BufferTarget time.Duration `yaml:"buffer_target"`
	// Tolerance is the gap in seconds the timeline summary treats as
	// contiguous.
	Tolerance float64 `yaml:"tolerance"`
	// Sidecars enables discovery of auxiliary files next to the primary.
	Sidecars bool `yaml:"sidecars"`
}

type Track struct {
	ReplayWindow   int  `yaml:"replay_window"`
	ErrorThreshold int  `yaml:"error_threshold"`
	PreferSoftware bool `yaml:"prefer_software"`
}

type Resource struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type Metrics struct {
	// Addr serves /metrics when set, e.g. ":9100".
	Addr string `yaml:"addr"`
}

type Serve struct {
	Addr string `yaml:"addr"`
	Root string `yaml:"root"`
	// CertValidity is the lifetime of the generated self-signed
	// certificate.
	CertValidity time.Duration `yaml:"cert_validity"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Log:      Log{Level: "info", Color: true},
		Demux:    Demux{BufferTarget: time.Second, Tolerance: 0.016, Sidecars: true},
		Track:    Track{ReplayWindow: 60, ErrorThreshold: 6},
		Resource: Resource{DialTimeout: 10 * time.Second},
		Serve:    Serve{Addr: ":4443", Root: ".", CertValidity: 14 * 24 * time.Hour},
	}
}

// Load reads path over the defaults, then applies the environment. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// unmarshal decodes YAML over cfg, leaving unset keys untouched.
func unmarshal(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}
	var errs []error
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	c.Log.Level = envOr("REEL_LOG_LEVEL", c.Log.Level)
	// DEBUG is honored for parity with older deployments.
	if getenv("DEBUG") != "" {
		c.Log.Level = "debug"
	}
	boolean("REEL_LOG_COLOR", &c.Log.Color)
	duration("REEL_BUFFER_TARGET", &c.Demux.BufferTarget)
	boolean("REEL_SIDECARS", &c.Demux.Sidecars)
	if v := getenv("REEL_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: REEL_TOLERANCE: %w", err))
		} else {
			c.Demux.Tolerance = f
		}
	}
	integer("REEL_REPLAY_WINDOW", &c.Track.ReplayWindow)
	integer("REEL_ERROR_THRESHOLD", &c.Track.ErrorThreshold)
	boolean("REEL_PREFER_SOFTWARE", &c.Track.PreferSoftware)
	duration("REEL_DIAL_TIMEOUT", &c.Resource.DialTimeout)
	c.Metrics.Addr = envOr("REEL_METRICS_ADDR", c.Metrics.Addr)
	c.Serve.Addr = envOr("REEL_SERVE_ADDR", c.Serve.Addr)
	c.Serve.Root = envOr("REEL_SERVE_ROOT", c.Serve.Root)
	duration("REEL_CERT_VALIDITY", &c.Serve.CertValidity)
	return errors.Join(errs...)
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Demux.BufferTarget <= 0 {
		errs = append(errs, errors.New("config: demux.buffer_target must be positive"))
	}
	if c.Demux.Tolerance < 0 {
		errs = append(errs, errors.New("config: demux.tolerance must not be negative"))
	}
	if c.Track.ReplayWindow < 1 {
		errs = append(errs, errors.New("config: track.replay_window must be at least 1"))
	}
	if c.Track.ErrorThreshold < 1 {
		errs = append(errs, errors.New("config: track.error_threshold must be at least 1"))
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level %q: %w", c.Log.Level, err)
	}
	return l, nil
}
