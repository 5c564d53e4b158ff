// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/switchyard/pkg/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "switchyard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SWITCHYARD_CONFIG", "")
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"stderr"}, cfg.Log.Outputs)
	assert.Equal(t, 115200, cfg.Link.Baud)
	assert.Equal(t, engine.DefaultTiming(), cfg.Engine)
	assert.Equal(t, 150*time.Millisecond, cfg.Accessory.OffDelay)
	assert.False(t, cfg.HasLink())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
link:
  url: ws://station.local/bus
  username: yard
engine:
  reply_timeout: 3s
  max_retries: 2
accessory:
  off_delay: 250ms
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "ws://station.local/bus", cfg.Link.URL)
	assert.True(t, cfg.HasLink())
	assert.Equal(t, 3*time.Second, cfg.Engine.ReplyTimeout)
	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, engine.DefaultTiming().ConfirmGrace, cfg.Engine.ConfirmGrace, "unset keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Accessory.OffDelay)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_retries: 2\n")
	t.Setenv("SWITCHYARD_ENGINE_MAX_RETRIES", "7")
	t.Setenv("SWITCHYARD_ENGINE_CONFIRM_GRACE", "4s")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.MaxRetries)
	assert.Equal(t, 4*time.Second, cfg.Engine.ConfirmGrace)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "link:\n  port: /dev/ttyUSB0\n  baud: 9600\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("port", "", "")
	fs.Int("baud", 115200, "")
	require.NoError(t, fs.Parse([]string{"--port", "/dev/ttyACM1"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", cfg.Link.Port)
	assert.Equal(t, 9600, cfg.Link.Baud, "unchanged flag does not mask the file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"log level", "log:\n  level: loud\n"},
		{"log format", "log:\n  format: xml\n"},
		{"baud", "link:\n  baud: 0\n"},
		{"reply timeout", "engine:\n  reply_timeout: 0s\n"},
		{"backoff max", "engine:\n  retry_backoff: 2s\n  retry_backoff_max: 1s\n"},
		{"retries", "engine:\n  max_retries: -1\n"},
		{"off delay", "accessory:\n  off_delay: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "log: [\n"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
