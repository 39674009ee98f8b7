package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "EASEL"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "easel.db"
	defaultLogLevel            = "info"
	defaultCacheTTLMillis      = 5000
	defaultRateLimitMax        = 1000
	defaultRateLimitWindowMins = 15
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	CacheTTL        time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
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
	configViper.SetDefault("cache.ttl_ms", defaultCacheTTLMillis)
	configViper.SetDefault("ratelimit.max", defaultRateLimitMax)
	configViper.SetDefault("ratelimit.window_minutes", defaultRateLimitWindowMins)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		CacheTTL:        time.Duration(configViper.GetInt("cache.ttl_ms")) * time.Millisecond,
		RateLimitMax:    configViper.GetInt("ratelimit.max"),
		RateLimitWindow: time.Duration(configViper.GetInt("ratelimit.window_minutes")) * time.Minute,
		AllowedOrigins:  configViper.GetStringSlice("cors.allowed_origins"),
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
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl_ms must be positive")
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("ratelimit.max must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window_minutes must be positive")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins must not be empty")
	}
	return nil
}
