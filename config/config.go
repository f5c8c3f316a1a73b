// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings of a soapcall service from a YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of a service.
type Config struct {
	// Listen is the address of the envelope stream listener, for example
	// "localhost:8087" or a socket path. If empty, no stream listener is run.
	Listen string `mapstructure:"listen"`

	// HTTP is the address of the HTTP listener. If empty, no HTTP listener
	// is run.
	HTTP string `mapstructure:"http"`

	// MaxThreads bounds the number of pool workers. If it is zero, requests
	// are served inline by a single object. If it is negative, the pool is
	// unbounded.
	MaxThreads int `mapstructure:"max_threads"`

	// IdleTimeout is how long an idle pool worker waits before it exits.
	// Zero means idle workers do not exit.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	Auth AuthConfig `mapstructure:"auth"`
	Log  LogConfig  `mapstructure:"log"`
}

// AuthConfig configures HTTP Basic authentication. If User is empty, HTTP
// requests are not authenticated.
type AuthConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Realm    string `mapstructure:"realm"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls rotation of file outputs.
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development enables development-friendly logging options.
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Listen:     "localhost:8087",
		MaxThreads: 4,
		Auth:       AuthConfig{Realm: "soapcall"},
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
	}
}

// Load reads configuration from path, if it is non-empty. Otherwise it uses
// the file named by $SOAPCALL_CONFIG, or else searches for soapcall.yaml in
// the working directory and in $HOME/.soapcall. A missing file is not an
// error when searching.
//
// Environment variables with the prefix SOAPCALL_ override the file, with
// "." and "-" in keys replaced by "_". For example: SOAPCALL_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SOAPCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Environment overrides apply only to keys viper knows about.
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("http", cfg.HTTP)
	v.SetDefault("max_threads", cfg.MaxThreads)
	v.SetDefault("idle_timeout", cfg.IdleTimeout)
	v.SetDefault("auth.user", cfg.Auth.User)
	v.SetDefault("auth.password", cfg.Auth.Password)
	v.SetDefault("auth.realm", cfg.Auth.Realm)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("SOAPCALL_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("soapcall")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".soapcall"))
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
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
	if c.IdleTimeout < 0 {
		return fmt.Errorf("invalid idle_timeout: %v", c.IdleTimeout)
	}
	if c.Auth.User != "" && c.Auth.Realm == "" {
		c.Auth.Realm = "soapcall"
	}
	return nil
}
