// Package config loads the recorder configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/orchestrator"
	"github.com/srg/biorec/internal/session"
	"github.com/srg/biorec/internal/signer"
	"gopkg.in/yaml.v3"
)

// Transport backends.
const (
	TransportGoBLE  = "goble"
	TransportTinyGo = "tinyble"
)

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" default:"info"`
	Transport string `yaml:"transport" default:"goble"`
	// OutputDir receives finished recordings.
	OutputDir string `yaml:"output_dir" default:"recordings"`

	Session      SessionConfig      `yaml:"session"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Keys maps a device class name to its hex encoded signing key.
	Keys map[string]string `yaml:"keys"`

	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`

	Schedules []ScheduleConfig `yaml:"schedules"`
}

// SessionConfig tunes device sessions.
type SessionConfig struct {
	ResponseTimeout        time.Duration `yaml:"response_timeout" default:"2s"`
	DecodeFailureThreshold int           `yaml:"decode_failure_threshold" default:"10"`
	QueueSize              uint32        `yaml:"queue_size" default:"256"`
	EventBuffer            int           `yaml:"event_buffer" default:"16"`
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	Workers         int           `yaml:"workers" default:"4"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
	ReceiveTimeout  time.Duration `yaml:"receive_timeout" default:"1s"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout" default:"5s"`
	ResultBuffer    int           `yaml:"result_buffer" default:"16"`
	LiveBuffer      int           `yaml:"live_buffer" default:"64"`
}

// DatabaseConfig selects the result store; an empty DSN keeps results in
// memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig represents NATS configuration; an empty URL disables publishing.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Prefix            string        `yaml:"prefix" default:"biorec"`
	MaxReconnects     int           `yaml:"max_reconnects" default:"60"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" default:"2s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.OutputDir != "" && !filepath.IsAbs(cfg.OutputDir) {
		cfg.OutputDir = filepath.Join(filepath.Dir(path), cfg.OutputDir)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Transport {
	case TransportGoBLE, TransportTinyGo:
	default:
		errs = append(errs, fmt.Errorf("transport: unknown backend %q (valid: %s, %s)", c.Transport, TransportGoBLE, TransportTinyGo))
	}
	classes := make(map[codec.Class]string, len(c.Keys))
	for _, name := range slices.Sorted(maps.Keys(c.Keys)) {
		class, err := codec.ParseClass(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("keys: %w", err))
		} else if prev, dup := classes[class]; dup {
			errs = append(errs, fmt.Errorf("keys.%s: %v key already set by keys.%s", name, class, prev))
		} else {
			classes[class] = name
		}
		if _, err := signer.ParseKey(c.Keys[name]); err != nil {
			errs = append(errs, fmt.Errorf("keys.%s: %w", name, err))
		}
	}
	if c.Orchestrator.Workers <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.workers: must be positive, got %d", c.Orchestrator.Workers))
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("schedules[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if _, err := s.Definition(); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Signers builds one signer per configured class.
func (c *Config) Signers() (orchestrator.Signers, error) {
	signers := make(orchestrator.Signers, len(c.Keys))
	for _, name := range slices.Sorted(maps.Keys(c.Keys)) {
		class, err := codec.ParseClass(name)
		if err != nil {
			return nil, err
		}
		if _, dup := signers[class]; dup {
			return nil, fmt.Errorf("keys.%s: duplicate key for %v", name, class)
		}
		key, err := signer.ParseKey(c.Keys[name])
		if err != nil {
			return nil, fmt.Errorf("key for %v: %w", class, err)
		}
		s, err := signer.New(key)
		if err != nil {
			return nil, fmt.Errorf("key for %v: %w", class, err)
		}
		signers[class] = s
	}
	return signers, nil
}

// OrchestratorConfig converts the configuration for orchestrator.New.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Workers:         c.Orchestrator.Workers,
		ConnectTimeout:  c.Orchestrator.ConnectTimeout,
		ReceiveTimeout:  c.Orchestrator.ReceiveTimeout,
		TeardownTimeout: c.Orchestrator.TeardownTimeout,
		ResultBuffer:    c.Orchestrator.ResultBuffer,
		LiveBuffer:      c.Orchestrator.LiveBuffer,
		Session: session.Options{
			ResponseTimeout:        c.Session.ResponseTimeout,
			DecodeFailureThreshold: c.Session.DecodeFailureThreshold,
			QueueSize:              c.Session.QueueSize,
			EventBuffer:            c.Session.EventBuffer,
		},
	}
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
