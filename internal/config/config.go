package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the TenantCore API server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Tenant    TenantConfig
}

type ServerConfig struct {
	Port         int
	Env          string
	MaxBodyBytes int64
}

type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	Secret    string
	Issuer    string
	AccessTTL time.Duration
}

type RateLimitConfig struct {
	LoginMaxAttempts int
	LoginWindow      time.Duration
	UserPerMinute    int
	TenantPerMinute  int
	EdgePerSecond    int
	EdgeBurst        int
}

type TenantConfig struct {
	DefaultMaxUsers int
	InviteTTL       time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Missing required values produce a descriptive error.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         envInt("TENANTCORE_PORT", 8080),
			Env:          envString("TENANTCORE_ENV", "development"),
			MaxBodyBytes: int64(envInt("TENANTCORE_MAX_BODY_BYTES", 1<<20)),
		},
		Database: DatabaseConfig{
			DSN:             os.Getenv("TENANTCORE_PG_DSN"),
			MaxOpenConns:    envInt("TENANTCORE_PG_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("TENANTCORE_PG_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("TENANTCORE_PG_CONN_MAX_LIFETIME", 15*time.Minute),
		},
		Auth: AuthConfig{
			Secret:    os.Getenv("TENANTCORE_AUTH_SECRET"),
			Issuer:    envString("TENANTCORE_AUTH_ISSUER", "tenantcore"),
			AccessTTL: envDuration("TENANTCORE_AUTH_ACCESS_TTL", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			LoginMaxAttempts: envInt("TENANTCORE_LOGIN_MAX_ATTEMPTS", 5),
			LoginWindow:      envDuration("TENANTCORE_LOGIN_WINDOW", 15*time.Minute),
			UserPerMinute:    envInt("TENANTCORE_USER_RPM", 100),
			TenantPerMinute:  envInt("TENANTCORE_TENANT_RPM", 1000),
			EdgePerSecond:    envInt("TENANTCORE_EDGE_RPS", 25),
			EdgeBurst:        envInt("TENANTCORE_EDGE_BURST", 50),
		},
		Tenant: TenantConfig{
			DefaultMaxUsers: envInt("TENANTCORE_DEFAULT_MAX_USERS", 25),
			InviteTTL:       envDuration("TENANTCORE_INVITE_TTL", 7*24*time.Hour),
		},
	}

	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("TENANTCORE_AUTH_SECRET is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("TENANTCORE_PORT must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.LoginMaxAttempts <= 0 {
		return nil, fmt.Errorf("TENANTCORE_LOGIN_MAX_ATTEMPTS must be positive")
	}
	if cfg.Tenant.DefaultMaxUsers <= 0 {
		return nil, fmt.Errorf("TENANTCORE_DEFAULT_MAX_USERS must be positive")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
