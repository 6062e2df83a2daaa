package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "INKWELL"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "inkwell.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultTokenTTLMinutes    = 24 * 60
	defaultRateLimitPerMinute = 30
	defaultAllowedOrigins     = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress            string
	DatabasePath           string
	LogLevel               string
	LogFormat              string
	SigningSecret          string
	TokenTTL               time.Duration
	AuthRateLimitPerMinute int
	AllowedOrigins         []string
	StrictHistory          bool
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.rate_limit_per_minute", defaultRateLimitPerMinute)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("history.strict", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		LogFormat:              configViper.GetString("log.format"),
		SigningSecret:          configViper.GetString("auth.signing_secret"),
		TokenTTL:               time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AuthRateLimitPerMinute: configViper.GetInt("auth.rate_limit_per_minute"),
		AllowedOrigins:         splitList(configViper.GetString("cors.allowed_origins")),
		StrictHistory:          configViper.GetBool("history.strict"),
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
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.AuthRateLimitPerMinute < 0 {
		return fmt.Errorf("auth.rate_limit_per_minute must not be negative")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins is required")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
