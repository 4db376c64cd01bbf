// Package config loads gateway settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every tunable of the gateway process. Defaults are carried in
// the struct tags so an empty environment yields a runnable local setup.
type Config struct {
	ListenAddr string `env:"GATEWAY_LISTEN_ADDR,default=:8080"`
	PublicURL  string `env:"GATEWAY_PUBLIC_URL,default=http://localhost:8080"`
	InstanceID string `env:"GATEWAY_INSTANCE_ID"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	// StoreDriver is one of sqlite, postgres or file.
	StoreDriver string `env:"STORE_DRIVER,default=sqlite"`
	StoreDSN    string `env:"STORE_DSN,default=file:gateway.db"`

	// RedisAddr selects the redis cache; empty keeps the in-process cache.
	RedisAddr            string        `env:"REDIS_ADDR"`
	CacheKeyPrefix       string        `env:"CACHE_KEY_PREFIX,default=mcpgw:"`
	CacheTTL             time.Duration `env:"CACHE_TTL,default=5m"`
	DisableNegativeCache bool          `env:"CACHE_DISABLE_NEGATIVE,default=false"`

	MaxSessions          int           `env:"SESSIONS_MAX,default=1000"`
	SessionTTL           time.Duration `env:"SESSIONS_TTL,default=30m"`
	SessionSweepInterval time.Duration `env:"SESSIONS_SWEEP_INTERVAL,default=1m"`
	KeepAliveInterval    time.Duration `env:"SSE_KEEPALIVE_INTERVAL,default=15s"`

	PoolIdleTimeout   time.Duration `env:"POOL_IDLE_TIMEOUT,default=5m"`
	PoolMaxPerKey     int           `env:"POOL_MAX_CONNS_PER_KEY,default=1"`
	PoolSweepInterval time.Duration `env:"POOL_SWEEP_INTERVAL,default=30s"`
	PoolDialTimeout   time.Duration `env:"POOL_DIAL_TIMEOUT,default=10s"`
	PoolDialRetries   uint64        `env:"POOL_DIAL_RETRIES,default=2"`

	OIDCIssuer   string `env:"OIDC_ISSUER"`
	OIDCJWKSURL  string `env:"OIDC_JWKS_URL"`
	OIDCAudience string `env:"OIDC_AUDIENCE"`
	OIDCOrgClaim string `env:"OIDC_ORG_CLAIM,default=org_id"`
	TokenURL     string `env:"OAUTH_TOKEN_URL"`

	PIIServiceURL string        `env:"PII_SERVICE_URL"`
	PIITimeout    time.Duration `env:"PII_TIMEOUT,default=5s"`

	MetricsInterval  time.Duration `env:"METRICS_INTERVAL,default=1m"`
	ExecutionTimeout time.Duration `env:"EXECUTION_TIMEOUT,default=5m"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks combinations that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "sqlite", "postgres", "file":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER: unsupported driver %q", c.StoreDriver))
	}
	if c.StoreDSN == "" {
		errs = append(errs, errors.New("STORE_DSN: required"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("SESSIONS_MAX: must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSIONS_TTL: must be positive"))
	}
	if c.PoolMaxPerKey <= 0 {
		errs = append(errs, errors.New("POOL_MAX_CONNS_PER_KEY: must be positive"))
	}
	if c.OIDCJWKSURL != "" && c.OIDCIssuer == "" {
		errs = append(errs, errors.New("OIDC_JWKS_URL: requires OIDC_ISSUER"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unsupported format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Audiences returns the accepted token audiences.
func (c *Config) Audiences() []string {
	var out []string
	for _, a := range strings.Split(c.OIDCAudience, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
