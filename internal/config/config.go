package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CODEREVIEW"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultUpstreamBaseURL     = "http://localhost:8000"
	defaultUpstreamTimeout     = 15 * time.Second
	defaultUpstreamSubmit      = 30 * time.Second
	defaultFetchMaxConcurrency = 8
	defaultDatabasePath        = "codereview.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultCacheBackend        = CacheBackendMemory
	defaultCacheFreshness      = 5 * time.Minute
	defaultCacheEviction       = 24 * time.Hour
	defaultCacheSweepInterval  = 30 * time.Minute
	defaultCORSAllowedOrigin   = "*"
)

// Supported project cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	UpstreamBaseURL       string
	UpstreamTimeout       time.Duration
	UpstreamSubmitTimeout time.Duration
	FetchMaxConcurrency   int

	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	AuthCookieName    string
	AuthIssuer        string

	CacheBackend       string
	CacheRedisURL      string
	CacheFreshness     time.Duration
	CacheEviction      time.Duration
	CacheSweepInterval time.Duration

	CORSAllowedOrigins []string
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
	configViper.SetDefault("upstream.base_url", defaultUpstreamBaseURL)
	configViper.SetDefault("upstream.timeout", defaultUpstreamTimeout)
	configViper.SetDefault("upstream.submit_timeout", defaultUpstreamSubmit)
	configViper.SetDefault("fetch.max_concurrency", defaultFetchMaxConcurrency)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("cache.backend", defaultCacheBackend)
	configViper.SetDefault("cache.redis_url", "")
	configViper.SetDefault("cache.freshness", defaultCacheFreshness)
	configViper.SetDefault("cache.eviction", defaultCacheEviction)
	configViper.SetDefault("cache.sweep_interval", defaultCacheSweepInterval)
	configViper.SetDefault("cors.allowed_origins", []string{defaultCORSAllowedOrigin})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		UpstreamBaseURL:       strings.TrimSpace(configViper.GetString("upstream.base_url")),
		UpstreamTimeout:       configViper.GetDuration("upstream.timeout"),
		UpstreamSubmitTimeout: configViper.GetDuration("upstream.submit_timeout"),
		FetchMaxConcurrency:   configViper.GetInt("fetch.max_concurrency"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		AuthSigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthCookieName:        configViper.GetString("auth.cookie_name"),
		AuthIssuer:            strings.TrimSpace(configViper.GetString("auth.issuer")),
		CacheBackend:          strings.ToLower(strings.TrimSpace(configViper.GetString("cache.backend"))),
		CacheRedisURL:         strings.TrimSpace(configViper.GetString("cache.redis_url")),
		CacheFreshness:        configViper.GetDuration("cache.freshness"),
		CacheEviction:         configViper.GetDuration("cache.eviction"),
		CacheSweepInterval:    configViper.GetDuration("cache.sweep_interval"),
		CORSAllowedOrigins:    splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if parsed, err := url.Parse(c.UpstreamBaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not an absolute URL", c.UpstreamBaseURL)
	}
	if c.UpstreamTimeout <= 0 || c.UpstreamSubmitTimeout <= 0 {
		return fmt.Errorf("upstream timeouts must be positive")
	}
	if c.FetchMaxConcurrency <= 0 {
		return fmt.Errorf("fetch.max_concurrency must be positive")
	}
	switch c.CacheBackend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.CacheRedisURL == "" {
			return fmt.Errorf("cache.redis_url is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.CacheBackend)
	}
	if c.CacheFreshness <= 0 || c.CacheEviction <= 0 || c.CacheSweepInterval <= 0 {
		return fmt.Errorf("cache durations must be positive")
	}
	if c.CacheEviction < c.CacheFreshness {
		return fmt.Errorf("cache.eviction must not be shorter than cache.freshness")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env string.
func splitOrigins(raw []string) []string {
	var origins []string
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	if len(origins) == 0 {
		return []string{defaultCORSAllowedOrigin}
	}
	return origins
}
