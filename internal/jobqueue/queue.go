// Package jobqueue runs one job per order id with bounded concurrency, a global admission
// rate limit and exponential retry.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ksred/klear-dex/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var ErrQueueStopped = errors.New("job queue stopped")

// Job is one attempt of work for an id. Attempt is 0-based.
type Job struct {
	ID         string    `json:"id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler runs a job. A non-nil error schedules a retry while attempts remain, unless it
// wraps a backoff.Permanent error, which exhausts the job immediately.
type Handler func(ctx context.Context, job Job) error

// Journal persists outstanding jobs so they survive a restart
type Journal interface {
	Put(ctx context.Context, job Job) error
	Delete(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]Job, error)
}

type Config struct {
	Concurrency    int
	RateLimit      int
	RateWindow     time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    10,
		RateLimit:      100,
		RateWindow:     time.Minute,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
	}
}

type Queue struct {
	cfg         Config
	handler     Handler
	journal     Journal
	limiter     *rate.Limiter
	onExhausted func(Job, error)
	logger      zerolog.Logger

	mu          sync.Mutex
	outstanding map[string]struct{}
	pending     []Job
	timers      map[string]*time.Timer
	notify      chan struct{}
	started     bool
	stopped     bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. journal may be nil, in which case jobs live in memory only.
func New(cfg Config, handler Handler, journal Journal) *Queue {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}

	// one token per window/limit with no burst keeps any rolling window at or under RateLimit
	limit := rate.Inf
	burst := 0
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		limit = rate.Every(cfg.RateWindow / time.Duration(cfg.RateLimit))
		burst = 1
	}

	return &Queue{
		cfg:         cfg,
		handler:     handler,
		journal:     journal,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      log.With().Str("component", "jobqueue").Logger(),
		outstanding: make(map[string]struct{}),
		timers:      make(map[string]*time.Timer),
		notify:      make(chan struct{}, 1),
	}
}

// OnExhausted registers a hook called once a job has failed its last attempt
func (q *Queue) OnExhausted(fn func(Job, error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onExhausted = fn
}

// Start replays journaled jobs and launches the workers. Runs inherit ctx.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return fmt.Errorf("start: %w", ErrQueueStopped)
	}
	q.started = true
	q.runCtx = ctx
	admitCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()

	if q.journal != nil {
		jobs, err := q.journal.Pending(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("replay journal: %w", err)
		}
		for _, job := range jobs {
			q.mu.Lock()
			if _, ok := q.outstanding[job.ID]; !ok {
				q.outstanding[job.ID] = struct{}{}
				q.pending = append(q.pending, job)
			}
			q.mu.Unlock()
		}
		if len(jobs) > 0 {
			q.logger.Info().Int("jobs", len(jobs)).Msg("replayed journaled jobs")
			q.signal()
		}
	}

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(admitCtx)
	}

	q.logger.Info().
		Int("concurrency", q.cfg.Concurrency).
		Int("rate_limit", q.cfg.RateLimit).
		Dur("rate_window", q.cfg.RateWindow).
		Int("max_attempts", q.cfg.MaxAttempts).
		Msg("job queue started")
	return nil
}

// Submit enqueues the first attempt for id. It reports false when a job for id is already
// outstanding, in which case nothing changes.
func (q *Queue) Submit(ctx context.Context, id string) (bool, error) {
	return q.Resubmit(ctx, id, 0)
}

// Resubmit enqueues id starting at the given attempt, subject to the same dedup as Submit
func (q *Queue) Resubmit(ctx context.Context, id string, attempt int) (bool, error) {
	job := Job{ID: id, Attempt: attempt, EnqueuedAt: time.Now()}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false, ErrQueueStopped
	}
	if _, ok := q.outstanding[id]; ok {
		q.mu.Unlock()
		q.logger.Debug().Str("job_id", id).Msg("duplicate submission ignored")
		return false, nil
	}
	q.outstanding[id] = struct{}{}
	q.mu.Unlock()

	if q.journal != nil {
		if err := q.journal.Put(ctx, job); err != nil {
			q.mu.Lock()
			delete(q.outstanding, id)
			q.mu.Unlock()
			return false, fmt.Errorf("journal job %s: %w", id, err)
		}
	}

	q.push(job)
	q.logger.Debug().Str("job_id", id).Int("attempt", attempt).Msg("job submitted")
	return true, nil
}

// Outstanding reports whether a job for id is queued, running or waiting to retry
func (q *Queue) Outstanding(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.outstanding[id]
	return ok
}

// Stop refuses new submissions, cancels pending retries and waits for in-flight runs.
// Journaled jobs are replayed by the next Start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info().Msg("job queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight jobs: %w", ctx.Err())
	}
}

// RetryDelay is the wait before the attempt that follows a failed attempt
func RetryDelay(initial time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, ok := q.next(ctx)
		if !ok {
			return
		}
		if err := q.limiter.Wait(ctx); err != nil {
			// stopping; the job stays journaled
			return
		}
		q.process(job)
	}
}

func (q *Queue) next(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return job, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, false
		case <-q.notify:
		}
	}
}

func (q *Queue) process(job Job) {
	logger := q.logger.With().
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Logger()

	metrics.JobsInFlight.Inc()
	err := q.run(job)
	metrics.JobsInFlight.Dec()

	if err == nil {
		q.finish(job.ID)
		metrics.JobsProcessed.WithLabelValues(metrics.OutcomeSucceeded).Inc()
		logger.Info().Dur("queued_for", time.Since(job.EnqueuedAt)).Msg("job succeeded")
		return
	}

	var permanent *backoff.PermanentError
	if job.Attempt+1 < q.cfg.MaxAttempts && !errors.As(err, &permanent) {
		delay := RetryDelay(q.cfg.InitialBackoff, job.Attempt)
		metrics.JobsProcessed.WithLabelValues(metrics.OutcomeRetried).Inc()
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retry scheduled")
		q.retry(Job{ID: job.ID, Attempt: job.Attempt + 1, EnqueuedAt: time.Now()}, delay)
		return
	}

	q.finish(job.ID)
	metrics.JobsProcessed.WithLabelValues(metrics.OutcomeExhausted).Inc()
	logger.Error().Err(err).Int("max_attempts", q.cfg.MaxAttempts).Msg("job exhausted retries")

	q.mu.Lock()
	hook := q.onExhausted
	q.mu.Unlock()
	if hook != nil {
		hook(job, err)
	}
}

func (q *Queue) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return q.handler(q.runCtx, job)
}

func (q *Queue) retry(job Job, delay time.Duration) {
	if q.journal != nil {
		if err := q.journal.Put(context.WithoutCancel(q.runCtx), job); err != nil {
			q.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to journal retry")
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.timers[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, job.ID)
		stopped := q.stopped
		q.mu.Unlock()
		if !stopped {
			q.push(job)
		}
	})
}

func (q *Queue) finish(id string) {
	if q.journal != nil {
		if err := q.journal.Delete(context.WithoutCancel(q.runCtx), id); err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("failed to remove job from journal")
		}
	}
	q.mu.Lock()
	delete(q.outstanding, id)
	q.mu.Unlock()
}

func (q *Queue) push(job Job) {
	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
