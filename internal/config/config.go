// Package config provides configuration loading from environment
// variables and command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Credential source kinds, in the order Load probes them.
const (
	SourceFile   = "file"
	SourcePool   = "pool"
	SourceRedis  = "redis"
	SourceInline = "inline"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server settings
	Host            string
	Port            int
	GracefulTimeout time.Duration

	// API settings
	APIKey string

	// Credential settings. Exactly one source wins: a pool directory,
	// an explicit credential file, a Redis store, or an inline refresh
	// token from the environment.
	CredsFile    string
	CredsDir     string
	PoolStrategy string
	RedisURL     string
	RefreshToken string
	AccessToken  string
	ProfileARN   string
	Region       string
	AuthMethod   string
	ClientID     string
	ClientSecret string

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Retry settings
	MaxRetries        int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	StreamRetries     int
	FirstTokenTimeout time.Duration
	RequestTimeout    time.Duration

	// Token refresh
	RefreshMargin time.Duration

	// Model cache
	ModelCacheTTL time.Duration

	// Tool handling. Zero disables moving long tool descriptions into
	// the system prompt.
	MaxToolDescription int

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from environment variables and command-line
// flags. Flags take precedence over the environment.
func Load() *Config {
	cfg := &Config{
		Host:                "0.0.0.0",
		Port:                8989,
		GracefulTimeout:     30 * time.Second,
		PoolStrategy:        "round_robin",
		MaxConns:            100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		MaxRetries:          3,
		BaseRetryDelay:      1 * time.Second,
		MaxRetryDelay:       30 * time.Second,
		StreamRetries:       2,
		FirstTokenTimeout:   15 * time.Second,
		RequestTimeout:      5 * time.Minute,
		RefreshMargin:       10 * time.Minute,
		ModelCacheTTL:       30 * time.Minute,
		MaxToolDescription:  10240,
		LogLevel:            "info",
		LogJSON:             true,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	return cfg
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("PROXY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("KIRO_CREDS_FILE"); v != "" {
		c.CredsFile = v
	}
	if v := os.Getenv("KIRO_CREDS_DIR"); v != "" {
		c.CredsDir = v
	}
	if v := os.Getenv("POOL_STRATEGY"); v != "" {
		c.PoolStrategy = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REFRESH_TOKEN"); v != "" {
		c.RefreshToken = v
	}
	if v := os.Getenv("ACCESS_TOKEN"); v != "" {
		c.AccessToken = v
	}
	if v := os.Getenv("PROFILE_ARN"); v != "" {
		c.ProfileARN = v
	}
	if v := os.Getenv("REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("AUTH_METHOD"); v != "" {
		c.AuthMethod = v
	}
	if v := os.Getenv("IDC_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("IDC_CLIENT_SECRET"); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("FIRST_TOKEN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.FirstTokenTimeout = d
		}
	}
	if v := os.Getenv("REFRESH_MARGIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RefreshMargin = d
		}
	}
	if v := os.Getenv("MAX_TOOL_DESCRIPTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxToolDescription = n
		}
	}
	if v := os.Getenv("MODEL_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ModelCacheTTL = d
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key clients must present")
	flag.StringVar(&c.CredsFile, "creds-file", c.CredsFile, "Path to a kiro credential JSON file")
	flag.StringVar(&c.CredsDir, "creds-dir", c.CredsDir, "Directory scanned for kiro-*.json pool credentials")
	flag.StringVar(&c.PoolStrategy, "pool-strategy", c.PoolStrategy, "Account selection strategy (round_robin, random, least_used)")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL of a kiro CLI secret store")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}

// CredentialSource reports which credential source the configuration
// selects, preferring pool > file > redis > inline.
func (c *Config) CredentialSource() (string, error) {
	switch {
	case c.CredsDir != "":
		return SourcePool, nil
	case c.CredsFile != "":
		return SourceFile, nil
	case c.RedisURL != "":
		return SourceRedis, nil
	case c.RefreshToken != "" || c.AccessToken != "":
		return SourceInline, nil
	default:
		return "", fmt.Errorf("no credential source configured: set KIRO_CREDS_DIR, KIRO_CREDS_FILE, REDIS_URL, or REFRESH_TOKEN")
	}
}
