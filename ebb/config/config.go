package config

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/priority"
	"github.com/oduya/ebb/ebb/ratelimit"
	"github.com/oduya/ebb/ebb/retry"
	"github.com/oduya/ebb/ebb/store"
	"github.com/oduya/ebb/ebb/store/memory"
	"github.com/oduya/ebb/ebb/store/postgres"
)

type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMemory   Driver = "memory"
)

type CounterDriver string

const (
	CountersRedis  CounterDriver = "redis"
	CountersMemory CounterDriver = "memory"
)

// Config carries every tunable of the engine. All quotas, weights and
// thresholds are environment-specific and loaded at startup; nothing in
// the core mutates them.
type Config struct {
	StoreDriver   Driver        `env:"EBB_STORE_DRIVER" envDefault:"postgres"`
	CounterDriver CounterDriver `env:"EBB_COUNTER_DRIVER" envDefault:"redis"`

	PostgresDSN   string `env:"EBB_POSTGRES_DSN"`
	RedisAddr     string `env:"EBB_REDIS_ADDR"`
	RedisPassword string `env:"EBB_REDIS_PASSWORD"`
	RedisDB       int    `env:"EBB_REDIS_DB"`

	APIAddr string `env:"EBB_API_ADDR" envDefault:":8080"`

	MaxWorkers        int           `env:"EBB_MAX_WORKERS"`
	PollInterval      time.Duration `env:"EBB_POLL_INTERVAL"`
	ClaimBackoff      time.Duration `env:"EBB_CLAIM_BACKOFF"`
	ShutdownTimeout   time.Duration `env:"EBB_SHUTDOWN_TIMEOUT"`
	DefaultJobTimeout time.Duration `env:"EBB_DEFAULT_JOB_TIMEOUT"`

	// Priority tier base weights and aging.
	UrgentWeight        float64       `env:"EBB_URGENT_WEIGHT"`
	NormalWeight        float64       `env:"EBB_NORMAL_WEIGHT"`
	LowWeight           float64       `env:"EBB_LOW_WEIGHT"`
	NormalAgingBoost    float64       `env:"EBB_NORMAL_AGING_BOOST"`
	NormalAgingAfter    time.Duration `env:"EBB_NORMAL_AGING_AFTER"`
	LowAgingBoost       float64       `env:"EBB_LOW_AGING_BOOST"`
	LowAgingAfter       time.Duration `env:"EBB_LOW_AGING_AFTER"`
	LowEscalateAfter    time.Duration `env:"EBB_LOW_ESCALATE_AFTER"`
	PrioritySweepEvery  time.Duration `env:"EBB_PRIORITY_SWEEP_EVERY"`
	ScheduledSweepEvery time.Duration `env:"EBB_SCHEDULED_SWEEP_EVERY"`

	// Per-user sliding window and per-tenant token bucket.
	UserWindow           time.Duration `env:"EBB_USER_WINDOW"`
	UserWindowCap        int           `env:"EBB_USER_WINDOW_CAP"`
	TenantBucketCapacity float64       `env:"EBB_TENANT_BUCKET_CAPACITY"`
	TenantRefillPerSec   float64       `env:"EBB_TENANT_REFILL_PER_SEC"`
	TenantSmoothingRate  float64       `env:"EBB_TENANT_SMOOTHING_RATE"`
	TenantSmoothingBurst int           `env:"EBB_TENANT_SMOOTHING_BURST"`

	// Retry policy.
	RetryInitialDelay time.Duration `env:"EBB_RETRY_INITIAL_DELAY"`
	RetryMultiplier   float64       `env:"EBB_RETRY_MULTIPLIER"`
	RetryMaxDelay     time.Duration `env:"EBB_RETRY_MAX_DELAY"`
	MaxRetries        int           `env:"EBB_MAX_RETRIES"`
	RetryJitter       string        `env:"EBB_RETRY_JITTER"` // "none" or "full"

	// Event stream.
	StreamBufferSize int `env:"EBB_STREAM_BUFFER_SIZE"`
	EventReplayLimit int `env:"EBB_EVENT_REPLAY_LIMIT"`

	// Dead letters older than this may be purged by explicit operator
	// request. Zero disables the purge endpoint entirely.
	DeadLetterRetention time.Duration `env:"EBB_DEAD_LETTER_RETENTION"`

	MigrationsDir string `env:"EBB_MIGRATIONS_DIR" envDefault:"ebb/store/postgres/migrations"`

	// Logger is optional; a production zap logger is built when nil.
	Logger *zap.Logger `env:"-"`
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) SetDefaults() {
	if c.StoreDriver == "" {
		c.StoreDriver = DriverPostgres
	}
	if c.CounterDriver == "" {
		c.CounterDriver = CountersRedis
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 25
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ClaimBackoff == 0 {
		c.ClaimBackoff = time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.DefaultJobTimeout == 0 {
		c.DefaultJobTimeout = 5 * time.Minute
	}

	if c.UrgentWeight == 0 {
		c.UrgentWeight = 1000
	}
	if c.NormalWeight == 0 {
		c.NormalWeight = 100
	}
	if c.LowWeight == 0 {
		c.LowWeight = 10
	}
	if c.NormalAgingBoost == 0 {
		c.NormalAgingBoost = 50
	}
	if c.NormalAgingAfter == 0 {
		c.NormalAgingAfter = 15 * time.Minute
	}
	if c.LowAgingBoost == 0 {
		c.LowAgingBoost = 20
	}
	if c.LowAgingAfter == 0 {
		c.LowAgingAfter = 30 * time.Minute
	}
	if c.LowEscalateAfter == 0 {
		c.LowEscalateAfter = time.Hour
	}
	if c.PrioritySweepEvery == 0 {
		c.PrioritySweepEvery = 30 * time.Second
	}
	if c.ScheduledSweepEvery == 0 {
		c.ScheduledSweepEvery = time.Second
	}

	if c.UserWindow == 0 {
		c.UserWindow = 60 * time.Second
	}
	if c.UserWindowCap == 0 {
		c.UserWindowCap = 30
	}
	if c.TenantBucketCapacity == 0 {
		c.TenantBucketCapacity = 100
	}
	if c.TenantRefillPerSec == 0 {
		c.TenantRefillPerSec = 5
	}

	if c.RetryInitialDelay == 0 {
		c.RetryInitialDelay = time.Second
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = 2
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryJitter == "" {
		c.RetryJitter = "full"
	}

	if c.StreamBufferSize == 0 {
		c.StreamBufferSize = 256
	}
	if c.EventReplayLimit == 0 {
		c.EventReplayLimit = 1000
	}
}

func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return &ebberrors.ValidationError{Field: "max_workers", Message: "must be >= 1"}
	}
	if c.PollInterval <= 0 {
		return &ebberrors.ValidationError{Field: "poll_interval", Message: "must be > 0"}
	}
	if c.UrgentWeight <= c.NormalWeight || c.NormalWeight <= c.LowWeight {
		return &ebberrors.ValidationError{Field: "tier_weights", Message: "must satisfy urgent > normal > low"}
	}
	if c.NormalWeight+c.NormalAgingBoost >= c.UrgentWeight {
		return &ebberrors.ValidationError{Field: "normal_aging_boost", Message: "aged normal score must stay below the urgent weight"}
	}
	if c.UserWindow <= 0 || c.UserWindowCap < 1 {
		return &ebberrors.ValidationError{Field: "user_window", Message: "window must be > 0 and cap >= 1"}
	}
	if c.TenantBucketCapacity < 1 || c.TenantRefillPerSec <= 0 {
		return &ebberrors.ValidationError{Field: "tenant_bucket", Message: "capacity must be >= 1 and refill > 0"}
	}
	if c.RetryMultiplier < 1 {
		return &ebberrors.ValidationError{Field: "retry_multiplier", Message: "must be >= 1"}
	}
	if c.MaxRetries < 0 {
		return &ebberrors.ValidationError{Field: "max_retries", Message: "must be >= 0"}
	}
	if c.RetryJitter != "none" && c.RetryJitter != "full" {
		return &ebberrors.ValidationError{Field: "retry_jitter", Message: "must be \"none\" or \"full\""}
	}

	switch c.StoreDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return &ebberrors.ValidationError{Field: "postgres_dsn", Message: "required for the postgres store driver"}
		}
	case DriverMemory:
	default:
		return &ebberrors.ValidationError{Field: "store_driver", Message: "unsupported driver: " + string(c.StoreDriver)}
	}

	switch c.CounterDriver {
	case CountersRedis:
		if c.RedisAddr == "" {
			return &ebberrors.ValidationError{Field: "redis_addr", Message: "required for the redis counter driver"}
		}
	case CountersMemory:
	default:
		return &ebberrors.ValidationError{Field: "counter_driver", Message: "unsupported driver: " + string(c.CounterDriver)}
	}

	return nil
}

// Scorer builds the priority scorer from the configured weights.
func (c *Config) Scorer() *priority.Scorer {
	return priority.NewScorer(priority.Weights{
		UrgentBase:    c.UrgentWeight,
		NormalBase:    c.NormalWeight,
		LowBase:       c.LowWeight,
		NormalBoost:   c.NormalAgingBoost,
		NormalAfter:   c.NormalAgingAfter,
		LowBoost:      c.LowAgingBoost,
		LowAfter:      c.LowAgingAfter,
		EscalateAfter: c.LowEscalateAfter,
	})
}

// RetryPolicy builds the retry policy from the configured delays.
func (c *Config) RetryPolicy() *retry.Policy {
	var strategy retry.Strategy = retry.NewExponential(c.RetryInitialDelay, c.RetryMultiplier, c.RetryMaxDelay)
	if c.RetryJitter == "full" {
		strategy = retry.WithFullJitter(strategy)
	}
	return retry.NewPolicy(strategy, c.MaxRetries)
}

// CreateStore builds the configured job store.
func (c *Config) CreateStore(ctx context.Context) (store.Store, error) {
	switch c.StoreDriver {
	case DriverPostgres:
		return postgres.New(ctx, c.PostgresDSN)
	case DriverMemory:
		return memory.New(c.Scorer()), nil
	default:
		return nil, &ebberrors.ValidationError{Field: "store_driver", Message: "unsupported driver: " + string(c.StoreDriver)}
	}
}

// CreateCounterStore builds the configured rate-limit counter store.
func (c *Config) CreateCounterStore(ctx context.Context) (ratelimit.CounterStore, error) {
	switch c.CounterDriver {
	case CountersRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, &ebberrors.StoreUnavailableError{Op: "redis ping", Err: err}
		}
		return ratelimit.NewRedisCounters(client), nil
	case CountersMemory:
		return ratelimit.NewMemoryCounters(), nil
	default:
		return nil, &ebberrors.ValidationError{Field: "counter_driver", Message: "unsupported driver: " + string(c.CounterDriver)}
	}
}

// Limiter builds the composite rate limiter over the given counter store.
func (c *Config) Limiter(counters ratelimit.CounterStore) *ratelimit.Limiter {
	return ratelimit.New(counters, ratelimit.Config{
		UserWindow:      c.UserWindow,
		UserWindowCap:   c.UserWindowCap,
		TenantCapacity:  c.TenantBucketCapacity,
		TenantRefillSec: c.TenantRefillPerSec,
		SmoothingRate:   c.TenantSmoothingRate,
		SmoothingBurst:  c.TenantSmoothingBurst,
	})
}
