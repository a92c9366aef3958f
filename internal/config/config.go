package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "BIASBOARD"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "biasboard.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 30
	defaultPresenceStale = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	SigningSecret      string
	DatabasePath       string
	LogLevel           string
	TokenTTL           time.Duration
	RedisAddress       string
	PresenceStaleAfter time.Duration
	PresenceSweepSpec  string
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("presence.stale_minutes", defaultPresenceStale)
	configViper.SetDefault("presence.sweep_spec", "@every 1m")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		TokenTTL:           time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		RedisAddress:       configViper.GetString("redis.address"),
		PresenceStaleAfter: time.Duration(configViper.GetInt("presence.stale_minutes")) * time.Minute,
		PresenceSweepSpec:  configViper.GetString("presence.sweep_spec"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.PresenceStaleAfter <= 0 {
		return fmt.Errorf("presence.stale_minutes must be positive")
	}
	return nil
}
