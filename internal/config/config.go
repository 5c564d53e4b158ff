// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads switchyard's configuration from a YAML file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Thermoquad/switchyard/pkg/engine"
	"github.com/Thermoquad/switchyard/pkg/xbus"
)

// EnvPrefix prefixes every environment override, e.g.
// SWITCHYARD_ENGINE_REPLY_TIMEOUT=3s.
const EnvPrefix = "SWITCHYARD"

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Link      LinkConfig      `mapstructure:"link" yaml:"link"`
	Engine    engine.Timing   `mapstructure:"engine" yaml:"engine"`
	Accessory AccessoryConfig `mapstructure:"accessory" yaml:"accessory"`
	Simulator SimulatorConfig `mapstructure:"simulator" yaml:"simulator"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LinkConfig selects the connection to the command station. Exactly one of
// Port and URL is used; Port wins when both are set.
type LinkConfig struct {
	Port        string `mapstructure:"port" yaml:"port"`
	Baud        int    `mapstructure:"baud" yaml:"baud"`
	URL         string `mapstructure:"url" yaml:"url"`
	Username    string `mapstructure:"username" yaml:"username"`
	NoSSLVerify bool   `mapstructure:"no_ssl_verify" yaml:"no_ssl_verify"`
}

// AccessoryConfig tunes the accessory handler.
type AccessoryConfig struct {
	// OffDelay is how long an activated output stays on.
	OffDelay time.Duration `mapstructure:"off_delay" yaml:"off_delay"`
}

// SimulatorConfig configures the simulate command.
type SimulatorConfig struct {
	Listen     string        `mapstructure:"listen" yaml:"listen"`
	Path       string        `mapstructure:"path" yaml:"path"`
	ReplyDelay time.Duration `mapstructure:"reply_delay" yaml:"reply_delay"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Link: LinkConfig{
			Baud: 115200,
		},
		Engine: engine.DefaultTiming(),
		Accessory: AccessoryConfig{
			OffDelay: xbus.DefaultOffDelay,
		},
		Simulator: SimulatorConfig{
			Listen:     "127.0.0.1:8765",
			Path:       "/ws",
			ReplyDelay: 5 * time.Millisecond,
		},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":          "link.port",
	"baud":          "link.baud",
	"url":           "link.url",
	"username":      "link.username",
	"no-ssl-verify": "link.no_ssl_verify",
	"log-level":     "log.level",
	"off-delay":     "accessory.off_delay",
	"listen":        "simulator.listen",
}

// Load reads configuration from path if non-empty, otherwise from
// switchyard.yaml in the working directory or ~/.switchyard. Environment
// variables and changed flags in fs override the file. A missing file is not
// an error.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("switchyard")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".switchyard"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only configuration works.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("link.port", cfg.Link.Port)
	v.SetDefault("link.baud", cfg.Link.Baud)
	v.SetDefault("link.url", cfg.Link.URL)
	v.SetDefault("link.username", cfg.Link.Username)
	v.SetDefault("link.no_ssl_verify", cfg.Link.NoSSLVerify)

	t := cfg.Engine
	v.SetDefault("engine.reply_timeout", t.ReplyTimeout)
	v.SetDefault("engine.confirm_grace", t.ConfirmGrace)
	v.SetDefault("engine.concurrent_before", t.ConcurrentBefore)
	v.SetDefault("engine.concurrent_after", t.ConcurrentAfter)
	v.SetDefault("engine.additional_reply_wait", t.AdditionalReplyWait)
	v.SetDefault("engine.retry_backoff", t.RetryBackoff)
	v.SetDefault("engine.retry_backoff_max", t.RetryBackoffMax)
	v.SetDefault("engine.max_retries", t.MaxRetries)
	v.SetDefault("engine.sweep_interval", t.SweepInterval)

	v.SetDefault("accessory.off_delay", cfg.Accessory.OffDelay)

	v.SetDefault("simulator.listen", cfg.Simulator.Listen)
	v.SetDefault("simulator.path", cfg.Simulator.Path)
	v.SetDefault("simulator.reply_delay", cfg.Simulator.ReplyDelay)
}

// Validate checks the configuration and fills in empty optional fields.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.Link.Baud <= 0 {
		return fmt.Errorf("invalid link.baud: %d", c.Link.Baud)
	}

	t := c.Engine
	for name, d := range map[string]time.Duration{
		"reply_timeout":  t.ReplyTimeout,
		"confirm_grace":  t.ConfirmGrace,
		"retry_backoff":  t.RetryBackoff,
		"sweep_interval": t.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("engine.%s must be positive, got %s", name, d)
		}
	}
	if t.RetryBackoffMax < t.RetryBackoff {
		return fmt.Errorf("engine.retry_backoff_max %s is below retry_backoff %s", t.RetryBackoffMax, t.RetryBackoff)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative, got %d", t.MaxRetries)
	}
	if t.ConcurrentBefore < 0 || t.ConcurrentAfter < 0 || t.AdditionalReplyWait < 0 {
		return errors.New("engine windows must not be negative")
	}

	if c.Accessory.OffDelay < 0 {
		return fmt.Errorf("invalid accessory.off_delay: %s", c.Accessory.OffDelay)
	}
	return nil
}

// HasLink reports whether a connection to a command station is configured.
func (c *Config) HasLink() bool {
	return c.Link.Port != "" || c.Link.URL != ""
}
