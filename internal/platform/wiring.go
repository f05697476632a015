package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/auth"
	"github.com/adred-codev/parkdog_dm/internal/bus"
	"github.com/adred-codev/parkdog_dm/internal/delivery"
	"github.com/adred-codev/parkdog_dm/internal/ids"
	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/presence"
	"github.com/adred-codev/parkdog_dm/internal/push"
	"github.com/adred-codev/parkdog_dm/internal/queue"
	"github.com/adred-codev/parkdog_dm/internal/realtime"
	"github.com/adred-codev/parkdog_dm/internal/sanitize"
	"github.com/adred-codev/parkdog_dm/internal/social"
	"github.com/adred-codev/parkdog_dm/internal/store"
	"github.com/adred-codev/parkdog_dm/internal/store/postgres"
)

// Components is the assembled service graph. Build picks each backend from
// Config; Close releases them in reverse order.
type Components struct {
	Config *Config
	Logger zerolog.Logger

	IDs           ids.Generator
	Store         store.Store
	Social        social.Checker
	Presence      presence.Registry
	Limiter       limits.Limiter
	Sanitizer     *sanitize.Sanitizer
	Bus           bus.Bus
	Messages      queue.Queue
	Notifications queue.Queue
	Devices       push.DeviceRegistry
	Gateway       push.Gateway
	Pipeline      *delivery.Pipeline
	JWT           *auth.JWTManager

	Health []realtime.HealthCheck

	closers []func() error
}

// Build connects every backend named by cfg. On error, whatever was opened
// so far is closed.
func Build(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}
	if err := c.build(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context) error {
	cfg, logger := c.Config, c.Logger
	c.IDs = ids.New(ids.Kind(cfg.IDGenerator))

	rules, err := cfg.RateLimitRules()
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.StateBackend == BackendRedis || cfg.QueueBackend == BackendRedis {
		if rdb, err = c.openRedis(ctx); err != nil {
			return err
		}
	}

	if err := c.buildStore(ctx); err != nil {
		return err
	}

	if cfg.StateBackend == BackendRedis {
		c.Presence = presence.NewRedis(rdb)
		c.Limiter = limits.NewRedis(rdb, rules, logger)
	} else {
		c.Presence = presence.NewMemory()
		c.Limiter = limits.NewMemory(rules)
	}

	if cfg.QueueBackend == BackendRedis {
		c.Messages = queue.NewRedis(rdb, queue.MessagesOptions, logger)
		c.Notifications = queue.NewRedis(rdb, queue.NotificationsOptions, logger)
	} else {
		c.Messages = queue.NewMemory(queue.MessagesOptions)
		c.Notifications = queue.NewMemory(queue.NotificationsOptions)
	}

	if err := c.buildBus(); err != nil {
		return err
	}

	c.Sanitizer = sanitize.New(sanitize.Config{Profile: cfg.SanitizerProfile, MaxBytes: cfg.MaxMessageBytes})

	var revocations auth.RevocationList
	if cfg.TokenRevocationEnabled {
		if rdb != nil {
			revocations = auth.NewRedisRevocations(rdb, logger)
		} else {
			revocations = auth.NewMemoryRevocations()
		}
	}
	c.JWT = auth.NewJWTManager(auth.Config{
		Secret:           cfg.JWTSecret,
		Issuer:           cfg.JWTIssuer,
		RealtimeAudience: cfg.JWTRealtimeAudience,
		APIAudience:      cfg.JWTAPIAudience,
		RealtimeMaxAge:   cfg.RealtimeTokenMaxAge,
		Leeway:           5 * time.Second,
		Revocations:      revocations,
	})

	if cfg.PushGatewayURL != "" {
		c.Gateway = push.NewHTTPGateway(cfg.PushGatewayURL, cfg.PushTimeout, logger)
	} else {
		c.Gateway = push.NewLogGateway(logger)
	}

	c.Pipeline = delivery.NewPipeline(delivery.Deps{
		Store:         c.Store,
		Presence:      c.Presence,
		Bus:           c.Bus,
		Messages:      c.Messages,
		Notifications: c.Notifications,
		Devices:       c.Devices,
		Gateway:       c.Gateway,
		Logger:        logger,
	})

	logger.Info().
		Str("store", cfg.StoreBackend).
		Str("state", cfg.StateBackend).
		Str("bus", cfg.BusBackend).
		Str("queue", cfg.QueueBackend).
		Msg("Components initialized")
	return nil
}

func (c *Components) openRedis(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	c.closers = append(c.closers, rdb.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	c.Health = append(c.Health, realtime.HealthCheck{
		Name:  "redis",
		Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	return rdb, nil
}

func (c *Components) buildStore(ctx context.Context) error {
	if c.Config.StoreBackend != BackendPostgres {
		mem := store.NewMemory(c.IDs)
		c.Store = mem
		c.Social = social.NewMemory()
		c.Devices = push.NewMemoryRegistry()
		c.closers = append(c.closers, mem.Close)
		return nil
	}

	pg, err := postgres.Open(ctx, c.Config.DatabaseURL, c.IDs, c.Logger)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	c.closers = append(c.closers, pg.Close)

	devices := push.NewGormRegistry(pg.DB())
	if err := devices.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate device tokens: %w", err)
	}

	c.Store = pg
	c.Social = social.NewGorm(pg.DB())
	c.Devices = devices
	c.Health = append(c.Health, realtime.HealthCheck{Name: "postgres", Check: pg.Ping})
	return nil
}

func (c *Components) buildBus() error {
	if c.Config.BusBackend != BackendNATS {
		local := bus.NewLocal()
		c.Bus = local
		c.closers = append(c.closers, local.Close)
		return nil
	}

	nb, err := bus.NewNATS(bus.NATSConfig{URL: c.Config.NATSURL, Name: "parkdog-dm"}, c.Logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	c.Bus = nb
	c.closers = append(c.closers, nb.Close)
	c.Health = append(c.Health, realtime.HealthCheck{
		Name: "nats",
		Check: func(context.Context) error {
			if !nb.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	})
	return nil
}

// Service builds the protocol service and attaches it to the bus.
func (c *Components) Service() (*realtime.Service, error) {
	svc := realtime.NewService(realtime.Deps{
		Store:     c.Store,
		Social:    c.Social,
		Presence:  c.Presence,
		Limiter:   c.Limiter,
		Sanitizer: c.Sanitizer,
		Bus:       c.Bus,
		Delivery:  c.Pipeline,
		Logger:    c.Logger,
	}, realtime.Options{
		PresenceTTL:        c.Config.PresenceTTL,
		HideInternalErrors: c.Config.IsProduction(),
	})
	if err := c.Bus.Subscribe(svc.Hub().Deliver); err != nil {
		return nil, fmt.Errorf("subscribe bus: %w", err)
	}
	return svc, nil
}

// Server wraps svc in the HTTP surface configured by Config.
func (c *Components) Server(svc *realtime.Service, system *monitoring.SystemMonitor) *realtime.Server {
	cfg := c.Config
	return realtime.NewServer(realtime.ServerConfig{
		Addr:                       cfg.Addr,
		MaxConnections:             cfg.MaxConnections,
		HTTPReadTimeout:            cfg.HTTPReadTimeout,
		HTTPWriteTimeout:           cfg.HTTPWriteTimeout,
		HTTPIdleTimeout:            cfg.HTTPIdleTimeout,
		ShutdownGrace:              cfg.ShutdownGrace,
		CORSAllowedOrigins:         cfg.CORSAllowedOrigins,
		ConnectionRateLimitEnabled: cfg.ConnRateLimitEnabled,
		ConnRateLimitIPBurst:       cfg.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:        cfg.ConnRateLimitIPRate,
		ConnRateLimitGlobalBurst:   cfg.ConnRateLimitGlobalBurst,
		ConnRateLimitGlobalRate:    cfg.ConnRateLimitGlobalRate,
	}, realtime.ServerDeps{
		Service:  svc,
		Verifier: c.JWT,
		Limiter:  c.Limiter,
		Queues:   []queue.Queue{c.Messages, c.Notifications},
		Health:   c.Health,
		System:   system,
		Logger:   c.Logger,
	})
}

// Runner returns the worker pool for both delivery lanes.
func (c *Components) Runner() *delivery.Runner {
	return delivery.NewRunner(c.Logger,
		delivery.Lane{
			Queue:   c.Messages,
			Handler: c.Pipeline.DeliveryHandler(),
			Workers: c.Config.DeliveryWorkers,
			Timeout: queue.MessagesOptions.Timeout,
		},
		delivery.Lane{
			Queue:   c.Notifications,
			Handler: c.Pipeline.PushHandler(),
			Workers: c.Config.PushWorkers,
			Timeout: queue.NotificationsOptions.Timeout,
		},
	)
}

// Close releases backends in reverse order of opening.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.Logger.Warn().Err(err).Msg("Error closing component")
		}
	}
	c.closers = nil
}
