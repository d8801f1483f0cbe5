package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the runtime configuration read from the environment
type Config struct {
	Env   string
	Debug bool
	Port  string

	DatabaseDriver string
	DatabaseDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BufferTTL        time.Duration
	BufferMaxEntries int64

	QueueConcurrency    int
	QueueRateLimit      int
	QueueRateWindow     time.Duration
	QueueMaxAttempts    int
	QueueInitialBackoff time.Duration
	QueueJournalPath    string

	QuoteTimeout   time.Duration
	BuildTimeout   time.Duration
	ExecuteTimeout time.Duration
	ReleaseDelay   time.Duration

	VenueBuildDelay time.Duration

	RecoveryInterval   time.Duration
	RecoveryStaleAfter time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("DEBUG", false)
	v.SetDefault("PORT", "8080")

	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_DSN", "klear.db")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("BUFFER_TTL", 300*time.Second)
	v.SetDefault("BUFFER_MAX_ENTRIES", 50)

	v.SetDefault("QUEUE_CONCURRENCY", 10)
	v.SetDefault("QUEUE_RATE_LIMIT", 100)
	v.SetDefault("QUEUE_RATE_WINDOW", 60*time.Second)
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)
	v.SetDefault("QUEUE_INITIAL_BACKOFF", 2*time.Second)
	v.SetDefault("QUEUE_JOURNAL_PATH", "data/jobs")

	v.SetDefault("PIPELINE_QUOTE_TIMEOUT", 5*time.Second)
	v.SetDefault("PIPELINE_BUILD_TIMEOUT", 10*time.Second)
	v.SetDefault("PIPELINE_EXECUTE_TIMEOUT", 30*time.Second)
	v.SetDefault("PIPELINE_RELEASE_DELAY", time.Second)

	v.SetDefault("VENUE_BUILD_DELAY", 2*time.Second)

	v.SetDefault("RECOVERY_INTERVAL", time.Minute)
	v.SetDefault("RECOVERY_STALE_AFTER", 5*time.Minute)
}

// Load reads .env files if present and then the process environment
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Env:   v.GetString("ENV"),
		Debug: v.GetBool("DEBUG"),
		Port:  v.GetString("PORT"),

		DatabaseDriver: v.GetString("DATABASE_DRIVER"),
		DatabaseDSN:    v.GetString("DATABASE_DSN"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		BufferTTL:        v.GetDuration("BUFFER_TTL"),
		BufferMaxEntries: v.GetInt64("BUFFER_MAX_ENTRIES"),

		QueueConcurrency:    v.GetInt("QUEUE_CONCURRENCY"),
		QueueRateLimit:      v.GetInt("QUEUE_RATE_LIMIT"),
		QueueRateWindow:     v.GetDuration("QUEUE_RATE_WINDOW"),
		QueueMaxAttempts:    v.GetInt("QUEUE_MAX_ATTEMPTS"),
		QueueInitialBackoff: v.GetDuration("QUEUE_INITIAL_BACKOFF"),
		QueueJournalPath:    v.GetString("QUEUE_JOURNAL_PATH"),

		QuoteTimeout:   v.GetDuration("PIPELINE_QUOTE_TIMEOUT"),
		BuildTimeout:   v.GetDuration("PIPELINE_BUILD_TIMEOUT"),
		ExecuteTimeout: v.GetDuration("PIPELINE_EXECUTE_TIMEOUT"),
		ReleaseDelay:   v.GetDuration("PIPELINE_RELEASE_DELAY"),

		VenueBuildDelay: v.GetDuration("VENUE_BUILD_DELAY"),

		RecoveryInterval:   v.GetDuration("RECOVERY_INTERVAL"),
		RecoveryStaleAfter: v.GetDuration("RECOVERY_STALE_AFTER"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("env", cfg.Env).
		Str("database_driver", cfg.DatabaseDriver).
		Str("redis_addr", cfg.RedisAddr).
		Int("queue_concurrency", cfg.QueueConcurrency).
		Msg("configuration loaded")

	return cfg, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.BufferMaxEntries <= 0 {
		return fmt.Errorf("BUFFER_MAX_ENTRIES must be positive, got %d", c.BufferMaxEntries)
	}
	if c.BufferTTL <= 0 {
		return fmt.Errorf("BUFFER_TTL must be positive, got %s", c.BufferTTL)
	}
	if c.QueueConcurrency <= 0 || c.QueueMaxAttempts <= 0 {
		return errors.New("QUEUE_CONCURRENCY and QUEUE_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
