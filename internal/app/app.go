// Package app wires the order execution services together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/config"
	"github.com/ksred/klear-dex/internal/database"
	"github.com/ksred/klear-dex/internal/exchange"
	"github.com/ksred/klear-dex/internal/jobqueue"
	"github.com/ksred/klear-dex/internal/pipeline"
	"github.com/ksred/klear-dex/internal/stream"
	"github.com/ksred/klear-dex/internal/trading"
	"github.com/ksred/klear-dex/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Redis      redis.UniversalClient
	Buffer     *stream.RedisBuffer
	Dispatcher *stream.Dispatcher
	Pipeline   *pipeline.Pipeline
	Queue      *jobqueue.Queue
	Service    *trading.Service
	Recovery   *trading.Recovery
	Router     *gin.Engine

	journal     *jobqueue.BadgerJournal
	rateLimiter *middleware.RateLimiter
	venues      []pipeline.Venue
	ownsRedis   bool
}

type Option func(*App)

// WithRedis uses client instead of dialing Config.RedisAddr
func WithRedis(client redis.UniversalClient) Option {
	return func(a *App) {
		a.Redis = client
	}
}

// WithVenues replaces the simulated venues orders are routed across
func WithVenues(venues ...pipeline.Venue) Option {
	return func(a *App) {
		a.venues = venues
	}
}

// New builds every service from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}

	db, err := database.NewDatabase(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.DB = db

	if a.Redis == nil {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.ownsRedis = true
	}

	if a.venues == nil {
		for _, v := range exchange.DefaultVenues(exchange.DefaultPriceTable(), cfg.VenueBuildDelay) {
			a.venues = append(a.venues, v)
		}
	}

	a.Buffer = stream.NewRedisBuffer(a.Redis, stream.BufferConfig{
		TTL:        cfg.BufferTTL,
		MaxEntries: cfg.BufferMaxEntries,
	})
	a.Dispatcher = stream.NewDispatcher(stream.NewRegistry(), a.Buffer)

	if cfg.QueueJournalPath != "" {
		journal, err := jobqueue.OpenBadgerJournal(cfg.QueueJournalPath)
		if err != nil {
			return nil, fmt.Errorf("open job journal: %w", err)
		}
		a.journal = journal
	}

	repo := trading.NewDatabase(db)
	a.Pipeline = pipeline.New(repo, a.venues, a.Dispatcher, pipeline.Config{
		QuoteTimeout:   cfg.QuoteTimeout,
		BuildTimeout:   cfg.BuildTimeout,
		ExecuteTimeout: cfg.ExecuteTimeout,
		ReleaseDelay:   cfg.ReleaseDelay,
		MaxAttempts:    cfg.QueueMaxAttempts,
	})

	queueCfg := jobqueue.Config{
		Concurrency:    cfg.QueueConcurrency,
		RateLimit:      cfg.QueueRateLimit,
		RateWindow:     cfg.QueueRateWindow,
		MaxAttempts:    cfg.QueueMaxAttempts,
		InitialBackoff: cfg.QueueInitialBackoff,
	}
	var journal jobqueue.Journal
	if a.journal != nil {
		journal = a.journal
	}
	a.Queue = jobqueue.New(queueCfg, func(ctx context.Context, job jobqueue.Job) error {
		return a.Pipeline.Run(ctx, job.ID, job.Attempt)
	}, journal)
	a.Queue.OnExhausted(func(job jobqueue.Job, err error) {
		log.Error().
			Err(err).
			Str("order_id", job.ID).
			Int("attempts", job.Attempt+1).
			Msg("order failed permanently")
	})

	a.Service = trading.NewService(db, a.Queue, a.Dispatcher, cfg.ReleaseDelay)
	a.Recovery = trading.NewRecovery(repo, a.Queue, cfg.RecoveryInterval, cfg.RecoveryStaleAfter)
	a.rateLimiter = middleware.NewRateLimiter()
	a.Router = a.routes()

	return a, nil
}

func (a *App) routes() *gin.Engine {
	if a.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(a.rateLimiter.Middleware())

	handlers := trading.NewGinHandlers(a.Service)

	router.GET("/healthz", a.healthHandler())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		{
			orders.POST("/execute", handlers.ExecuteOrderHandler())
			orders.GET("/:order_id", handlers.GetOrderHandler())
			orders.GET("/:order_id/quotes", handlers.GetQuotesHandler())
			orders.GET("/:order_id/ws", handlers.StreamHandler())
		}
	}

	return router
}

func (a *App) healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		status := gin.H{"database": "ok", "redis": "ok"}
		healthy := true

		if sqlDB, err := a.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			status["database"] = "unavailable"
			healthy = false
		}
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "unavailable"
			healthy = false
		}

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// Start launches the queue workers and background loops. They stop when ctx is done.
func (a *App) Start(ctx context.Context) error {
	if err := a.Queue.Start(ctx); err != nil {
		return err
	}

	go a.Dispatcher.Follow(ctx, a.Buffer.Notifications(ctx))
	go a.Recovery.Start(ctx)
	go a.rateLimiter.Cleanup(ctx)

	return nil
}

// Close drains in-flight jobs and releases storage
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if err := a.Queue.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if a.ownsRedis {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	return errors.Join(errs...)
}
