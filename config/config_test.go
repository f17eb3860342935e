package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rocket-groundstation/telemetry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "groundstation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, flags, err := Load(nil)
	require.NoError(t, err)

	assert.False(t, flags.ListPorts)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, "public", cfg.Server.StaticDir)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "native", cfg.Serial.Driver)
	assert.Equal(t, 9600, cfg.Serial.DefaultBaud)
	assert.Equal(t, 2*time.Second, cfg.Serial.WriteTimeout)
	assert.Equal(t, 4096, cfg.Serial.MaxLine)
	assert.Equal(t, telemetry.Extended, cfg.Revision())
	assert.Equal(t, "logs", cfg.CSV.Dir)
	assert.Equal(t, 200, cfg.CSV.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.CSV.FlushInterval)
	assert.Equal(t, time.Second, cfg.CSV.MinDelay)
	assert.Equal(t, 100, cfg.History.Size)
	assert.Equal(t, 256, cfg.Hub.SendBuffer)
	assert.Equal(t, 30*time.Second, cfg.Hub.PingInterval)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "rocket/telemetry", cfg.MQTT.DataTopic)
	assert.Equal(t, "rocket/command", cfg.MQTT.CommandTopic)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
protocol:
  revision: 11
csv:
  dir: /var/lib/groundstation
  batch_size: 50
  flush_interval: 2s
hub:
  allowed_origins:
    - http://ground.local
mqtt:
  enabled: true
  broker: tcp://broker:1883
  qos: 0
`)

	cfg, flags, err := Load([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, path, flags.File)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, telemetry.Baseline, cfg.Revision())
	assert.Equal(t, "/var/lib/groundstation", cfg.CSV.Dir)
	assert.Equal(t, 50, cfg.CSV.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.CSV.FlushInterval)
	assert.Equal(t, time.Second, cfg.CSV.MinDelay, "unset keys keep defaults")
	assert.Equal(t, []string{"http://ground.local"}, cfg.Hub.AllowedOrigins)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
csv:
  batch_size: 50
`)
	t.Setenv("GROUNDSTATION_CSV_BATCH_SIZE", "75")
	t.Setenv("GROUNDSTATION_SERVER_ADDR", ":9000")

	cfg, _, err := Load([]string{"--config", path, "--addr", ":7000", "--revision", "baseline"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr, "flag beats env and file")
	assert.Equal(t, 75, cfg.CSV.BatchSize, "env beats file")
	assert.Equal(t, telemetry.Baseline, cfg.Revision())
}

func TestLoadListPorts(t *testing.T) {
	_, flags, err := Load([]string{"--list-ports"})
	require.NoError(t, err)
	assert.True(t, flags.ListPorts)
}

func TestLoadErrors(t *testing.T) {
	_, _, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err, "explicit config file must exist")

	_, _, err = Load([]string{"--no-such-flag"})
	assert.Error(t, err)

	_, _, err = Load([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, _, err := Load(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"revision", func(c *Config) { c.Protocol.Revision = "12" }, "unsupported protocol revision"},
		{"driver", func(c *Config) { c.Serial.Driver = "bluetooth" }, "serial.driver"},
		{"baud", func(c *Config) { c.Serial.DefaultBaud = 0 }, "serial.default_baud"},
		{"batch size", func(c *Config) { c.CSV.BatchSize = 0 }, "csv.batch_size"},
		{"flush interval", func(c *Config) { c.CSV.FlushInterval = -time.Second }, "csv.flush_interval"},
		{"min delay", func(c *Config) { c.CSV.MinDelay = 0 }, "csv.min_delay"},
		{"history", func(c *Config) { c.History.Size = 0 }, "history.size"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "unknown log level"},
		{"mqtt qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, "mqtt.broker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("disabled mqtt is not checked", func(t *testing.T) {
		cfg := valid()
		cfg.MQTT.QoS = 9
		assert.NoError(t, cfg.Validate())
	})
}
