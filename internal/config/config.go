package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant     string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	AuthIssuer        string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL       string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey    string   `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS      float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int      `mapstructure:"RATE_LIMIT_BURST"`
	RedisURL          string   `mapstructure:"REDIS_URL"`
	EventsChannel     string   `mapstructure:"EVENTS_CHANNEL"`
	RendererMode      string   `mapstructure:"RENDERER_MODE"`
	RendererURL       string   `mapstructure:"RENDERER_URL"`
	RendererTimeoutMS int      `mapstructure:"RENDERER_TIMEOUT_MS"`
	PublicBaseURL     string   `mapstructure:"PUBLIC_BASE_URL"`
	BulkMaxParallel   int      `mapstructure:"BULK_MAX_PARALLEL"`
	BulkMaxItems      int      `mapstructure:"BULK_MAX_ITEMS"`
	RequestTimeoutSec int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	BodyLimit         string   `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit    string   `mapstructure:"BATCH_BODY_LIMIT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REDIS_URL", "EVENTS_CHANNEL",
	"RENDERER_MODE", "RENDERER_URL", "RENDERER_TIMEOUT_MS", "PUBLIC_BASE_URL",
	"BULK_MAX_PARALLEL", "BULK_MAX_ITEMS", "REQUEST_TIMEOUT_SECONDS",
	"BODY_LIMIT", "BATCH_BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("EVENTS_CHANNEL", "chart.lifecycle")
	v.SetDefault("RENDERER_MODE", "blob")
	v.SetDefault("RENDERER_TIMEOUT_MS", 5000)
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("BULK_MAX_PARALLEL", 4)
	v.SetDefault("BULK_MAX_ITEMS", 200)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BATCH_BODY_LIMIT", "8M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; unauthenticated requests act as dev-user/admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// RendererTimeout is the upper bound on a single document render during Close.
func (c *Config) RendererTimeout() time.Duration {
	return time.Duration(c.RendererTimeoutMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Validate checks cross-field constraints that Load cannot express as defaults.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}

	switch c.RendererMode {
	case "blob", "none":
	case "http":
		if c.RendererURL == "" {
			return fmt.Errorf("RENDERER_URL is required when RENDERER_MODE is \"http\"")
		}
	default:
		return fmt.Errorf("RENDERER_MODE must be \"blob\", \"http\", or \"none\", got %q", c.RendererMode)
	}

	if c.RendererTimeoutMS <= 0 {
		return fmt.Errorf("RENDERER_TIMEOUT_MS must be positive, got %d", c.RendererTimeoutMS)
	}
	if c.BulkMaxParallel < 1 {
		return fmt.Errorf("BULK_MAX_PARALLEL must be at least 1, got %d", c.BulkMaxParallel)
	}
	if c.BulkMaxItems < 1 {
		return fmt.Errorf("BULK_MAX_ITEMS must be at least 1, got %d", c.BulkMaxItems)
	}
	return nil
}
