package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "TASKGATE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "taskgate.db"
	defaultLogLevel      = "info"
	defaultCooldownMs    = 1_800_000
	defaultSyncMs        = 30_000
	defaultRetentionMs   = 86_400_000
	defaultSweepMaxAgeMs = 900_000
	defaultTokenTTLMin   = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	RemoteBaseURL    string
	SigningSecret    string
	TokenTTL         time.Duration
	CooldownDuration time.Duration
	SyncInterval     time.Duration
	LogRetention     time.Duration
	CacheSweepMaxAge time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("limits.cooldown_ms", defaultCooldownMs)
	configViper.SetDefault("limits.sync_interval_ms", defaultSyncMs)
	configViper.SetDefault("limits.retention_ms", defaultRetentionMs)
	configViper.SetDefault("limits.cache_sweep_max_age_ms", defaultSweepMaxAgeMs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		RemoteBaseURL:    configViper.GetString("remote.base_url"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt64("auth.token_ttl_minutes")) * time.Minute,
		CooldownDuration: time.Duration(configViper.GetInt64("limits.cooldown_ms")) * time.Millisecond,
		SyncInterval:     time.Duration(configViper.GetInt64("limits.sync_interval_ms")) * time.Millisecond,
		LogRetention:     time.Duration(configViper.GetInt64("limits.retention_ms")) * time.Millisecond,
		CacheSweepMaxAge: time.Duration(configViper.GetInt64("limits.cache_sweep_max_age_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.CooldownDuration <= 0 {
		return fmt.Errorf("limits.cooldown_ms must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("limits.sync_interval_ms must be positive")
	}
	if c.LogRetention <= 0 {
		return fmt.Errorf("limits.retention_ms must be positive")
	}
	return nil
}
