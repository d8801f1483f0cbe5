// Package pipeline drives a single order attempt from PENDING to a terminal status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/ksred/klear-dex/internal/metrics"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrNoQuotes = errors.New("no venue returned a quote")

// Repository persists orders and quotes as the pipeline moves
type Repository interface {
	LoadOrder(ctx context.Context, orderID string) (*types.Order, error)
	SaveOrder(ctx context.Context, order *types.Order) error
	SaveQuote(ctx context.Context, quote *types.Quote) error
}

// Venue quotes, builds and executes swaps
type Venue interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (types.Quote, error)
	Build(ctx context.Context, req types.ExecutionRequest) error
	Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error)
}

// Publisher emits status updates and releases subscriber connections
type Publisher interface {
	Publish(ctx context.Context, update types.StatusUpdate)
	ReleaseAfter(orderID string, delay time.Duration)
}

// Config holds stage timeouts and the retry budget the queue runs with
type Config struct {
	QuoteTimeout   time.Duration
	BuildTimeout   time.Duration
	ExecuteTimeout time.Duration
	ReleaseDelay   time.Duration
	MaxAttempts    int
}

func DefaultConfig() Config {
	return Config{
		QuoteTimeout:   5 * time.Second,
		BuildTimeout:   10 * time.Second,
		ExecuteTimeout: 30 * time.Second,
		ReleaseDelay:   time.Second,
		MaxAttempts:    3,
	}
}

type Pipeline struct {
	repo      Repository
	venues    []Venue
	publisher Publisher
	cfg       Config
}

func New(repo Repository, venues []Venue, publisher Publisher, cfg Config) *Pipeline {
	return &Pipeline{
		repo:      repo,
		venues:    venues,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Run executes one attempt of orderID. attempt is the 0-based job attempt number.
// A returned error means the order ended this attempt FAILED. A missing order is
// reported as a backoff.Permanent error so the queue does not retry it.
func (p *Pipeline) Run(ctx context.Context, orderID string, attempt int) error {
	logger := log.With().
		Str("component", "pipeline").
		Str("order_id", orderID).
		Int("attempt", attempt).
		Logger()

	order, err := p.repo.LoadOrder(ctx, orderID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load order")
		err = fmt.Errorf("load order %s: %w", orderID, err)
		if errors.Is(err, types.ErrOrderNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if order.Status == types.StatusConfirmed {
		logger.Info().Msg("order already confirmed, skipping redelivered job")
		return nil
	}

	run := &run{Pipeline: p, order: order, attempt: attempt, logger: logger}
	if err := run.execute(ctx); err != nil {
		run.fail(ctx, err)
		return err
	}
	return nil
}

// run carries the state of one attempt
type run struct {
	*Pipeline
	order   *types.Order
	attempt int
	logger  zerolog.Logger
}

func (r *run) execute(ctx context.Context) error {
	r.order.BeginAttempt(r.attempt)
	if err := r.persist(ctx); err != nil {
		return err
	}
	r.publish(ctx, types.NewStatusUpdate(r.order.OrderID, types.StatusPending, "Order received and queued"))
	r.logger.Info().Msg("order run started")

	quote, err := r.route(ctx)
	if err != nil {
		return err
	}

	req := types.ExecutionRequest{
		OrderID:  r.order.OrderID,
		Venue:    quote.DexName,
		TokenIn:  r.order.TokenIn,
		TokenOut: r.order.TokenOut,
		Amount:   r.order.Amount,
		Slippage: r.order.Slippage,
		Quote:    quote,
	}
	venue := r.venue(quote.DexName)

	if err := r.advance(ctx, types.StatusBuilding, "Building transaction"); err != nil {
		return err
	}
	if err := r.stage(ctx, "build", r.cfg.BuildTimeout, func(ctx context.Context) error {
		return venue.Build(ctx, req)
	}); err != nil {
		return err
	}

	if err := r.advance(ctx, types.StatusSubmitted, "Transaction submitted to "+quote.DexName); err != nil {
		return err
	}
	var result *types.ExecutionResult
	if err := r.stage(ctx, "execute", r.cfg.ExecuteTimeout, func(ctx context.Context) error {
		res, err := venue.Execute(ctx, req)
		if err != nil {
			return err
		}
		if !types.WithinSlippage(quote.Price, res.RealizedPrice, r.order.Slippage) {
			return fmt.Errorf("%w: quoted %.6f realized %.6f slippage %.4f",
				types.ErrSlippageExceeded, quote.Price, res.RealizedPrice, r.order.Slippage)
		}
		result = res
		return nil
	}); err != nil {
		return err
	}

	// the order only becomes CONFIRMED in memory once the row says so
	confirmed := *r.order
	if err := confirmed.Confirm(result.Reference, result.RealizedPrice); err != nil {
		return err
	}
	if err := r.repo.SaveOrder(ctx, &confirmed); err != nil {
		r.logger.Error().
			Err(err).
			Str("tx_hash", result.Reference).
			Msg("execution landed but confirmation was not recorded")
		// retrying would execute the swap a second time
		return backoff.Permanent(fmt.Errorf("record confirmation of %s: %w", result.Reference, err))
	}
	*r.order = confirmed
	r.publish(ctx, types.NewConfirmedUpdate(r.order.OrderID, result.Reference, result.RealizedPrice))
	r.publisher.ReleaseAfter(r.order.OrderID, r.cfg.ReleaseDelay)

	r.logger.Info().
		Str("dex", quote.DexName).
		Str("tx_hash", result.Reference).
		Float64("execution_price", result.RealizedPrice).
		Float64("amount_out", result.AmountOut).
		Msg("order confirmed")
	return nil
}

// route fetches quotes from every venue concurrently and records the best one
func (r *run) route(ctx context.Context) (types.Quote, error) {
	if err := r.advance(ctx, types.StatusRouting, "Comparing prices across venues"); err != nil {
		return types.Quote{}, err
	}

	var quotes []types.Quote
	if err := r.stage(ctx, "quote", r.cfg.QuoteTimeout, func(ctx context.Context) error {
		var err error
		quotes, err = r.fetchQuotes(ctx)
		return err
	}); err != nil {
		return types.Quote{}, err
	}

	for i := range quotes {
		if err := r.repo.SaveQuote(ctx, &quotes[i]); err != nil {
			return types.Quote{}, fmt.Errorf("save quote: %w", err)
		}
	}

	best, err := SelectBest(quotes)
	if err != nil {
		return types.Quote{}, err
	}
	r.order.SelectedDex = best.DexName
	if err := r.persist(ctx); err != nil {
		return types.Quote{}, err
	}
	r.publish(ctx, types.NewRoutingUpdate(r.order.OrderID, quotes, best.DexName))

	r.logger.Info().
		Str("dex", best.DexName).
		Float64("price", best.Price).
		Float64("estimated_output", best.EstimatedOutput).
		Int("quotes", len(quotes)).
		Msg("route selected")
	return best, nil
}

// fetchQuotes fans out to all venues; any failure fails the whole group
func (r *run) fetchQuotes(ctx context.Context) ([]types.Quote, error) {
	if len(r.venues) == 0 {
		return nil, ErrNoQuotes
	}

	quotes := make([]types.Quote, len(r.venues))
	g, gctx := errgroup.WithContext(ctx)
	for i, venue := range r.venues {
		g.Go(func() error {
			q, err := venue.Quote(gctx, r.order.TokenIn, r.order.TokenOut, r.order.Amount)
			if err != nil {
				return fmt.Errorf("%s: %w", venue.Name(), err)
			}
			q.DexName = venue.Name()
			q.QuoteID = uuid.NewString()
			q.OrderID = r.order.OrderID
			q.Attempt = r.attempt
			q.EstimatedOutput = types.EstimatedOutput(r.order.Amount, q.Price, q.Fee)
			q.CreatedAt = time.Now()
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch quotes: %w", err)
	}
	return quotes, nil
}

// SelectBest returns the quote with the highest estimated output; the first one wins ties
func SelectBest(quotes []types.Quote) (types.Quote, error) {
	if len(quotes) == 0 {
		return types.Quote{}, ErrNoQuotes
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.EstimatedOutput > best.EstimatedOutput {
			best = q
		}
	}
	return best, nil
}

func (r *run) advance(ctx context.Context, status types.OrderStatus, message string) error {
	if err := r.order.Transition(status); err != nil {
		return err
	}
	if err := r.persist(ctx); err != nil {
		return err
	}
	r.publish(ctx, types.NewStatusUpdate(r.order.OrderID, status, message))
	r.logger.Debug().Str("status", string(status)).Msg("status advanced")
	return nil
}

// stage runs fn under its own timeout and records how long it took
func (r *run) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s stage timed out after %s: %w", name, timeout, err)
	}
	return err
}

// fail records the failure on the order and tells the subscriber
func (r *run) fail(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)

	if err := r.order.Fail(cause.Error()); err != nil {
		// already terminal; keep whatever outcome was recorded
		r.logger.Warn().Err(err).Msg("cannot mark order failed")
		return
	}
	if err := r.persist(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist order failure")
	}
	r.publish(ctx, types.NewFailedUpdate(r.order.OrderID, r.order.ErrorMessage, r.attempt))

	var permanent *backoff.PermanentError
	final := r.attempt+1 >= r.cfg.MaxAttempts || errors.As(cause, &permanent)
	if final {
		r.publisher.ReleaseAfter(r.order.OrderID, r.cfg.ReleaseDelay)
	}

	r.logger.Warn().
		Err(cause).
		Bool("final_attempt", final).
		Msg("order attempt failed")
}

func (r *run) persist(ctx context.Context) error {
	if err := r.repo.SaveOrder(ctx, r.order); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (r *run) publish(ctx context.Context, update types.StatusUpdate) {
	r.publisher.Publish(ctx, update)
}

func (r *run) venue(name string) Venue {
	for _, v := range r.venues {
		if v.Name() == name {
			return v
		}
	}
	return nil
}
