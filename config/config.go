// Package config loads broker configuration from environment variables
// (C3PO_* prefixed), an optional YAML file, and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Listen string `mapstructure:"listen"`

	Redis Redis `mapstructure:"redis"`
	Auth  Auth  `mapstructure:"auth"`
	Log   Log   `mapstructure:"log"`
	Otel  Otel  `mapstructure:"otel"`

	// ShutdownGrace is how long in-flight HTTP requests get to finish
	// after wait loops have been told to return retry.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type Redis struct {
	URL string `mapstructure:"url"`
}

type Auth struct {
	// ServerSecret is the shared prefix validated on every agent/admin
	// token; the front proxy checks it too. Empty disables the layer.
	ServerSecret string `mapstructure:"server_secret"`
	// AdminKey gates the admin surface. Empty disables admin auth.
	AdminKey string `mapstructure:"admin_key"`
	// ProxyToken is the shared bearer accepted on /oauth paths.
	ProxyToken string `mapstructure:"proxy_token"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Otel struct {
	// Endpoint enables OTLP export of logs and traces when non-empty
	// (standard OTEL_EXPORTER_OTLP_ENDPOINT also works).
	Endpoint string `mapstructure:"endpoint"`
}

// DevMode reports whether no secrets are configured at all; in that case
// every request is allowed (local development against a bare Redis).
func (c *Config) DevMode() bool {
	return c.Auth.ServerSecret == "" && c.Auth.AdminKey == "" && c.Auth.ProxyToken == ""
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig reads configuration and begins watching the config file (if
// one was given) for live reload of non-secret settings.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", ":8420")
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("shutdown_grace", 20*time.Second)

	v.SetEnvPrefix("C3PO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		v.OnConfigChange(func(e fsnotify.Event) {
			slog.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		})
		v.WatchConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
