// Package platform loads configuration and assembles the service graph
// shared by the realtime server and the delivery worker.
package platform

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/sanitize"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendLocal    = "local"

	EnvProduction = "production"

	defaultJWTSecret = "dev-secret-change-me"
)

// Config holds all configuration for both processes.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Server basics
	Addr               string        `env:"WS_ADDR" envDefault:":3002"`
	MaxConnections     int           `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	HTTPReadTimeout    time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout    time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownGrace      time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Connection throttling ahead of authentication
	ConnRateLimitEnabled     bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Auth
	JWTSecret              string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer              string        `env:"JWT_ISSUER" envDefault:"parkdog-api"`
	JWTRealtimeAudience    string        `env:"JWT_REALTIME_AUDIENCE" envDefault:"parkdog-realtime"`
	JWTAPIAudience         string        `env:"JWT_API_AUDIENCE" envDefault:"parkdog-client"`
	RealtimeTokenMaxAge    time.Duration `env:"REALTIME_TOKEN_MAX_AGE" envDefault:"15m"`
	TokenRevocationEnabled bool          `env:"TOKEN_REVOCATION_ENABLED" envDefault:"false"`

	// Backends
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"` // memory | postgres
	DatabaseURL  string `env:"DATABASE_URL"`
	StateBackend string `env:"STATE_BACKEND" envDefault:"memory"` // memory | redis
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	BusBackend   string `env:"BUS_BACKEND" envDefault:"local"` // local | nats
	NATSURL      string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"memory"` // memory | redis
	IDGenerator  string `env:"ID_GENERATOR" envDefault:"ulid"`    // ulid | counter

	// Abuse controls
	RateLimitProfile   string        `env:"RATE_LIMIT_PROFILE" envDefault:"development"`
	RateLimitOverrides string        `env:"RATE_LIMIT_OVERRIDES"`
	SanitizerProfile   string        `env:"SANITIZER_PROFILE" envDefault:"strict"`
	MaxMessageBytes    int           `env:"MAX_MESSAGE_BYTES" envDefault:"4096"`
	PresenceTTL        time.Duration `env:"PRESENCE_TTL" envDefault:"60s"`

	// Delivery
	RunWorkers      bool          `env:"RUN_WORKERS" envDefault:"true"`
	DeliveryWorkers int           `env:"DELIVERY_WORKERS" envDefault:"4"`
	PushWorkers     int           `env:"PUSH_WORKERS" envDefault:"2"`
	PushGatewayURL  string        `env:"PUSH_GATEWAY_URL"`
	PushTimeout     time.Duration `env:"PUSH_TIMEOUT" envDefault:"10s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be > 0, got %d", c.MaxMessageBytes)
	}
	if c.PresenceTTL < 5*time.Second {
		return fmt.Errorf("PRESENCE_TTL must be at least 5s, got %s", c.PresenceTTL)
	}
	if c.DeliveryWorkers < 1 || c.PushWorkers < 1 {
		return fmt.Errorf("DELIVERY_WORKERS and PUSH_WORKERS must be > 0")
	}

	// Enum checks
	if err := oneOf("STORE_BACKEND", c.StoreBackend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("STATE_BACKEND", c.StateBackend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("BUS_BACKEND", c.BusBackend, BackendLocal, BackendNATS); err != nil {
		return err
	}
	if err := oneOf("QUEUE_BACKEND", c.QueueBackend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("ID_GENERATOR", c.IDGenerator, "ulid", "counter"); err != nil {
		return err
	}
	if err := oneOf("SANITIZER_PROFILE", c.SanitizerProfile, sanitize.ProfileStrict, sanitize.ProfilePermissive); err != nil {
		return err
	}
	if err := oneOf("LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if err := oneOf("LOG_FORMAT", c.LogFormat, "json", "text", "pretty"); err != nil {
		return err
	}
	if _, err := c.RateLimitRules(); err != nil {
		return err
	}

	// Logical checks
	if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
	}

	if c.IsProduction() {
		if c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		// Every process has to see the same presence, bus and queue.
		if c.StoreBackend != BackendPostgres || c.StateBackend != BackendRedis ||
			c.BusBackend != BackendNATS || c.QueueBackend != BackendRedis {
			return fmt.Errorf("production requires STORE_BACKEND=postgres, STATE_BACKEND=redis, BUS_BACKEND=nats and QUEUE_BACKEND=redis")
		}
		if c.IDGenerator != "ulid" {
			return fmt.Errorf("ID_GENERATOR=%s is not allowed in production", c.IDGenerator)
		}
	}
	return nil
}

// RateLimitRules resolves the profile and applies RATE_LIMIT_OVERRIDES.
func (c *Config) RateLimitRules() (limits.Rules, error) {
	rules, err := limits.Profile(c.RateLimitProfile)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_PROFILE: %w", err)
	}
	overrides, err := limits.ParseOverrides(c.RateLimitOverrides)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_OVERRIDES: %w", err)
	}
	return rules.Merge(overrides), nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of: %v (got: %s)", name, allowed, value)
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Server Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Println("\n=== Backends ===")
	fmt.Printf("Store:           %s\n", c.StoreBackend)
	fmt.Printf("State:           %s\n", c.StateBackend)
	fmt.Printf("Bus:             %s\n", c.BusBackend)
	fmt.Printf("Queue:           %s\n", c.QueueBackend)
	fmt.Printf("IDs:             %s\n", c.IDGenerator)
	fmt.Println("\n=== Abuse Controls ===")
	fmt.Printf("Rate Profile:    %s\n", c.RateLimitProfile)
	fmt.Printf("Overrides:       %s\n", c.RateLimitOverrides)
	fmt.Printf("Sanitizer:       %s\n", c.SanitizerProfile)
	fmt.Printf("Max Message:     %d bytes\n", c.MaxMessageBytes)
	fmt.Println("\n=== Delivery ===")
	fmt.Printf("Run Workers:     %t\n", c.RunWorkers)
	fmt.Printf("Workers:         %d delivery, %d push\n", c.DeliveryWorkers, c.PushWorkers)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging. Secrets and
// connection strings are left out.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Str("store_backend", c.StoreBackend).
		Str("state_backend", c.StateBackend).
		Str("bus_backend", c.BusBackend).
		Str("queue_backend", c.QueueBackend).
		Str("id_generator", c.IDGenerator).
		Str("rate_limit_profile", c.RateLimitProfile).
		Str("rate_limit_overrides", c.RateLimitOverrides).
		Str("sanitizer_profile", c.SanitizerProfile).
		Int("max_message_bytes", c.MaxMessageBytes).
		Dur("presence_ttl", c.PresenceTTL).
		Bool("run_workers", c.RunWorkers).
		Int("delivery_workers", c.DeliveryWorkers).
		Int("push_workers", c.PushWorkers).
		Bool("push_gateway", c.PushGatewayURL != "").
		Bool("token_revocation", c.TokenRevocationEnabled).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
