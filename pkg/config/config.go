package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/musebridge/bridge"
	"github.com/srg/musebridge/internal/timestamp"
)

// Config holds application configuration
type Config struct {
	LogLevel   string `yaml:"log_level" default:"info"`
	SocketPath string `yaml:"socket_path"`

	ReconnectPollInterval time.Duration `yaml:"reconnect_poll_interval" default:"3s"`
	EnumerationWindow     time.Duration `yaml:"enumeration_window" default:"5s"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" default:"10s"`

	KeepAliveInterval     time.Duration `yaml:"keep_alive_interval" default:"500ms"`
	HostInactivityTimeout time.Duration `yaml:"host_inactivity_timeout" default:"5s"`
	DialRetryInterval     time.Duration `yaml:"dial_retry_interval" default:"250ms"`

	PrimaryTimestamp   string `yaml:"primary_timestamp" default:"unix"`
	SecondaryTimestamp string `yaml:"secondary_timestamp" default:"none"`
	ChannelFormat      string `yaml:"channel_format" default:"float32"`
	BufferLength       int    `yaml:"buffer_length" default:"360"`

	StreamFirst bool     `yaml:"stream_first"`
	AutoStream  []string `yaml:"auto_stream"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.SocketPath = DefaultSocketPath()
	return cfg
}

// DefaultSocketPath is the bridge socket under the user's runtime directory.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "musebridge.sock")
}

// Load overlays the YAML file at path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the rest of the application cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is empty"))
	}
	for name, d := range map[string]time.Duration{
		"reconnect_poll_interval": c.ReconnectPollInterval,
		"enumeration_window":      c.EnumerationWindow,
		"connect_timeout":         c.ConnectTimeout,
		"keep_alive_interval":     c.KeepAliveInterval,
		"host_inactivity_timeout": c.HostInactivityTimeout,
		"dial_retry_interval":     c.DialRetryInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.KeepAliveInterval >= c.HostInactivityTimeout {
		errs = append(errs, fmt.Errorf("keep_alive_interval %s must be shorter than host_inactivity_timeout %s",
			c.KeepAliveInterval, c.HostInactivityTimeout))
	}

	primary, err := timestamp.Parse(c.PrimaryTimestamp)
	if err != nil {
		errs = append(errs, err)
	} else if primary.Kind() == timestamp.None {
		errs = append(errs, errors.New("primary_timestamp cannot be none"))
	}
	if _, err := timestamp.Parse(c.SecondaryTimestamp); err != nil {
		errs = append(errs, err)
	}
	if _, err := bridge.ParseSampleFormat(c.ChannelFormat); err != nil {
		errs = append(errs, err)
	}
	if c.BufferLength <= 0 {
		errs = append(errs, fmt.Errorf("buffer_length must be positive, got %d", c.BufferLength))
	}
	return errors.Join(errs...)
}

// Timestamps resolves the configured primary and secondary formats.
func (c *Config) Timestamps() (primary, secondary timestamp.Format, err error) {
	if primary, err = timestamp.Parse(c.PrimaryTimestamp); err != nil {
		return nil, nil, err
	}
	if secondary, err = timestamp.Parse(c.SecondaryTimestamp); err != nil {
		return nil, nil, err
	}
	return primary, secondary, nil
}

// SampleFormat resolves the configured channel format.
func (c *Config) SampleFormat() (bridge.SampleFormat, error) {
	return bridge.ParseSampleFormat(c.ChannelFormat)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
