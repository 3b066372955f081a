// Package config provides configuration loading from environment variables and flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// Account store
	DBPath        string
	EncryptionKey string

	// Admin surface
	AdminToken    string
	AdminAuthMode string

	// Pool behavior
	HealthInterval     time.Duration
	CooldownShort      time.Duration
	CooldownLong       time.Duration
	HealthFailLimit    int
	DispatchFailLimit  int
	MaxAccountsPerSend int
	LockWait           time.Duration

	// Upstream endpoints (empty means built-in defaults)
	BaseURL    string
	RefreshURL string
	QuotaURL   string

	// Timeouts
	RefreshTimeout  time.Duration
	ConnectTimeout  time.Duration
	ReadIdleTimeout time.Duration
	ProbeTimeout    time.Duration

	// Health pass concurrency
	HealthParallelism int

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from a .env file (if present), environment
// variables, and command-line flags. Environment variables take precedence
// over defaults; flags take precedence over environment variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		// Defaults
		Port:               8080,
		Host:               "0.0.0.0",
		GracefulTimeout:    30 * time.Second,
		DBPath:             "accounts.db",
		AdminAuthMode:      "token",
		HealthInterval:     time.Hour,
		CooldownShort:      5 * time.Minute,
		CooldownLong:       time.Hour,
		HealthFailLimit:    3,
		DispatchFailLimit:  3,
		MaxAccountsPerSend: 3,
		LockWait:           5 * time.Second,
		RefreshTimeout:     15 * time.Second,
		ConnectTimeout:     10 * time.Second,
		ReadIdleTimeout:    60 * time.Second,
		ProbeTimeout:       20 * time.Second,
		HealthParallelism:  4,
		LogLevel:           "info",
		LogJSON:            true,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	return cfg
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("WARP_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("WARP_GATEWAY_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("WARP_GATEWAY_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
	if v := os.Getenv("TOKEN_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("TOKEN_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
	if v := os.Getenv("ADMIN_AUTH_MODE"); v != "" {
		c.AdminAuthMode = v
	}
	if v := os.Getenv("POOL_REFRESH_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.HealthInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("TOKEN_COOLDOWN_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.CooldownShort = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("TOKEN_QUOTA_COOLDOWN_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.CooldownLong = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("H_FAIL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HealthFailLimit = n
		}
	}
	if v := os.Getenv("F_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DispatchFailLimit = n
		}
	}
	if v := os.Getenv("MAX_ACCOUNTS_PER_REQUEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxAccountsPerSend = n
		}
	}
	if v := os.Getenv("WARP_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("WARP_REFRESH_URL"); v != "" {
		c.RefreshURL = v
	}
	if v := os.Getenv("WARP_QUOTA_URL"); v != "" {
		c.QuotaURL = v
	}
	if v := os.Getenv("WARP_REFRESH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RefreshTimeout = d
		}
	}
	if v := os.Getenv("WARP_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ConnectTimeout = d
		}
	}
	if v := os.Getenv("WARP_READ_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReadIdleTimeout = d
		}
	}
	if v := os.Getenv("HEALTH_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ProbeTimeout = d
		}
	}
	if v := os.Getenv("HEALTH_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HealthParallelism = n
		}
	}
	if v := os.Getenv("WARP_GATEWAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WARP_GATEWAY_LOG_JSON"); v != "" {
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

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.DBPath, "db", c.DBPath, "SQLite account store path")
	flag.StringVar(&c.AdminAuthMode, "admin-auth", c.AdminAuthMode, "Admin auth mode (token, local, off)")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}
