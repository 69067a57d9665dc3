package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/musebridge/bridge"
	"github.com/srg/musebridge/internal/timestamp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ReconnectPollInterval)
	assert.Equal(t, 5*time.Second, cfg.EnumerationWindow)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.KeepAliveInterval)
	assert.Equal(t, 5*time.Second, cfg.HostInactivityTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.DialRetryInterval)
	assert.Equal(t, "unix", cfg.PrimaryTimestamp)
	assert.Equal(t, "none", cfg.SecondaryTimestamp)
	assert.Equal(t, "float32", cfg.ChannelFormat)
	assert.Equal(t, 360, cfg.BufferLength)
	assert.False(t, cfg.StreamFirst)
	assert.Empty(t, cfg.AutoStream)
	assert.Equal(t, "musebridge.sock", filepath.Base(cfg.SocketPath))
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "falls back to info", logLevel: "chatty", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("yaml overlays defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "musebridge.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
socket_path: /tmp/test.sock
reconnect_poll_interval: 1s
secondary_timestamp: sink
channel_format: float64
stream_first: true
auto_stream:
  - Muse-1E7F
  - 00:55:da:b0:00:42
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "/tmp/test.sock", cfg.SocketPath)
		assert.Equal(t, time.Second, cfg.ReconnectPollInterval)
		assert.Equal(t, 5*time.Second, cfg.EnumerationWindow, "unset keys keep defaults")
		assert.True(t, cfg.StreamFirst)
		assert.Equal(t, []string{"Muse-1E7F", "00:55:da:b0:00:42"}, cfg.AutoStream)

		primary, secondary, err := cfg.Timestamps()
		require.NoError(t, err)
		assert.Equal(t, timestamp.UnixMillis, primary.Kind())
		assert.Equal(t, timestamp.SinkClock, secondary.Kind())

		format, err := cfg.SampleFormat()
		require.NoError(t, err)
		assert.Equal(t, bridge.Float64, format)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("channel_format: int8\n"), 0o600))
		_, err := Load(path)
		assert.ErrorContains(t, err, "channel format")
	})
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}, valid: true},
		{name: "sink primary clock", mutate: func(c *Config) { c.PrimaryTimestamp = "sink" }, valid: true},
		{name: "primary cannot be none", mutate: func(c *Config) { c.PrimaryTimestamp = "none" }},
		{name: "unknown secondary", mutate: func(c *Config) { c.SecondaryTimestamp = "gps" }},
		{name: "unknown level", mutate: func(c *Config) { c.LogLevel = "chatty" }},
		{name: "zero poll interval", mutate: func(c *Config) { c.ReconnectPollInterval = 0 }},
		{name: "keepalive slower than inactivity", mutate: func(c *Config) { c.KeepAliveInterval = 10 * time.Second }},
		{name: "negative buffer", mutate: func(c *Config) { c.BufferLength = -1 }},
		{name: "empty socket", mutate: func(c *Config) { c.SocketPath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
