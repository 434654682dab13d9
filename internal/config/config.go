// Package config loads process configuration from a YAML file overlaid by
// SCANBRIDGE_* environment variables, and persists the bridge's default
// scan settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/mzyy94/scanbridge/internal/discovery"
	"github.com/mzyy94/scanbridge/internal/escl"
	"github.com/mzyy94/scanbridge/internal/scanner"
)

// Config is the process configuration.
type Config struct {
	LogLevel   string `yaml:"log_level"`
	ListenPort int    `yaml:"listen_port"`
	DeviceName string `yaml:"device_name"`
	DataDir    string `yaml:"data_dir"` // settings.json lives here; empty keeps settings in memory

	// Device selects the scanner to serve. Empty Connection serves the first
	// discovered device.
	Device struct {
		Protocol   string `yaml:"protocol"`
		Connection string `yaml:"connection"`
	} `yaml:"device"`

	Discovery struct {
		BrowseWindow      time.Duration `yaml:"browse_window"`
		Attempts          int           `yaml:"attempts"`
		BackoffBase       time.Duration `yaml:"backoff_base"`
		ValidationTimeout time.Duration `yaml:"validation_timeout"`
		Concurrency       int           `yaml:"concurrency"`
		CacheTTL          time.Duration `yaml:"cache_ttl"`
		Schedule          string        `yaml:"schedule"` // cron spec for rediscovery, empty disables
	} `yaml:"discovery"`

	ESCL struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"escl"`

	SANE struct {
		Address  string `yaml:"address"` // saned host[:port], empty disables SANE
		Username string `yaml:"username"`
	} `yaml:"sane"`

	TWAIN struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"twain"`

	SNMP struct {
		Enabled   bool          `yaml:"enabled"`
		Community string        `yaml:"community"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"snmp"`

	// OTLPEndpoint is the OTLP gRPC collector address; empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.LogLevel = "info"
	c.ListenPort = 8080
	d := discovery.DefaultConfig()
	c.Discovery.BrowseWindow = d.BrowseWindow
	c.Discovery.Attempts = d.Attempts
	c.Discovery.BackoffBase = d.BackoffBase
	c.Discovery.ValidationTimeout = d.ValidationTimeout
	c.Discovery.Concurrency = d.Concurrency
	c.Discovery.CacheTTL = d.CacheTTL
	c.Discovery.Schedule = "*/10 * * * *"
	c.ESCL.PollInterval = escl.DefaultPollInterval
	c.ESCL.Timeout = escl.DefaultTimeout
	c.TWAIN.Enabled = true
	c.SNMP.Community = "public"
	c.SNMP.Timeout = 2 * time.Second
	return c
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment, then validates.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	e := env{lookup: lookup}
	c.LogLevel = e.str("SCANBRIDGE_LOG_LEVEL", c.LogLevel)
	c.ListenPort = e.num("SCANBRIDGE_LISTEN_PORT", c.ListenPort)
	c.DeviceName = e.str("SCANBRIDGE_DEVICE_NAME", c.DeviceName)
	c.DataDir = e.str("SCANBRIDGE_DATA_DIR", c.DataDir)
	c.Device.Protocol = e.str("SCANBRIDGE_DEVICE_PROTOCOL", c.Device.Protocol)
	c.Device.Connection = e.str("SCANBRIDGE_DEVICE", c.Device.Connection)
	c.Discovery.BrowseWindow = e.dur("SCANBRIDGE_DISCOVERY_WINDOW", c.Discovery.BrowseWindow)
	c.Discovery.Attempts = e.num("SCANBRIDGE_DISCOVERY_ATTEMPTS", c.Discovery.Attempts)
	c.Discovery.ValidationTimeout = e.dur("SCANBRIDGE_VALIDATION_TIMEOUT", c.Discovery.ValidationTimeout)
	c.Discovery.CacheTTL = e.dur("SCANBRIDGE_CACHE_TTL", c.Discovery.CacheTTL)
	c.Discovery.Schedule = e.str("SCANBRIDGE_DISCOVERY_SCHEDULE", c.Discovery.Schedule)
	c.ESCL.Timeout = e.dur("SCANBRIDGE_ESCL_TIMEOUT", c.ESCL.Timeout)
	c.SANE.Address = e.str("SCANBRIDGE_SANE_ADDRESS", c.SANE.Address)
	c.SANE.Username = e.str("SCANBRIDGE_SANE_USERNAME", c.SANE.Username)
	c.TWAIN.Enabled = e.flag("SCANBRIDGE_TWAIN", c.TWAIN.Enabled)
	c.SNMP.Enabled = e.flag("SCANBRIDGE_SNMP", c.SNMP.Enabled)
	c.SNMP.Community = e.str("SCANBRIDGE_SNMP_COMMUNITY", c.SNMP.Community)
	c.OTLPEndpoint = e.str("SCANBRIDGE_OTLP_ENDPOINT", c.OTLPEndpoint)
	if err := e.err; err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate checks value ranges and the rediscovery schedule.
func (c Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.Discovery.Attempts < 1 {
		return fmt.Errorf("discovery.attempts must be at least 1")
	}
	if c.Discovery.Schedule != "" {
		if _, err := cron.ParseStandard(c.Discovery.Schedule); err != nil {
			return fmt.Errorf("discovery.schedule: %w", err)
		}
	}
	if c.Device.Connection != "" {
		if _, err := scanner.ParseProtocol(c.Device.Protocol); err != nil {
			return fmt.Errorf("device.protocol: %w", err)
		}
	}
	return nil
}

// DiscoveryConfig returns the discovery settings.
func (c Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		BrowseWindow:      c.Discovery.BrowseWindow,
		Attempts:          c.Discovery.Attempts,
		BackoffBase:       c.Discovery.BackoffBase,
		ValidationTimeout: c.Discovery.ValidationTimeout,
		Concurrency:       c.Discovery.Concurrency,
		CacheTTL:          c.Discovery.CacheTTL,
	}
}

// ESCLConfig returns the eSCL client settings.
func (c Config) ESCLConfig() escl.Config {
	return escl.Config{PollInterval: c.ESCL.PollInterval, Timeout: c.ESCL.Timeout}
}

// SlogLevel maps LogLevel onto a slog level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// env reads typed environment overrides, keeping the first parse error.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (e *env) num(key string, fallback int) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return n
}

func (e *env) dur(key string, fallback time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return d
}

func (e *env) flag(key string, fallback bool) bool {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return b
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}
