package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Recovery requeues orders that stopped moving before reaching a terminal status,
// such as runs lost to a crash without a job journal.
type Recovery struct {
	db         *Database
	queue      Submitter
	interval   time.Duration // Time between sweeps
	staleAfter time.Duration
	batchSize  int
}

func NewRecovery(db *Database, queue Submitter, interval, staleAfter time.Duration) *Recovery {
	return &Recovery{
		db:         db,
		queue:      queue,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  100,
	}
}

// Start begins the recovery loop
func (r *Recovery) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_recovery").Logger()
	logger.Info().Dur("interval", r.interval).Dur("stale_after", r.staleAfter).Msg("starting order recovery")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order recovery")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to recover stale orders")
			}
		}
	}
}

// Sweep resubmits stale non-terminal orders at their recorded attempt and returns how many
// were requeued. Orders that still have a job outstanding are left alone.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "order_recovery").Logger()

	orders, err := r.db.FindStaleOrders(ctx, time.Now().Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	logger.Info().Int("stale_count", len(orders)).Msg("processing stale orders")

	requeued := 0
	for _, order := range orders {
		if r.queue.Outstanding(order.OrderID) {
			continue
		}

		accepted, err := r.queue.Resubmit(ctx, order.OrderID, order.RetryCount)
		if err != nil {
			logger.Error().
				Err(err).
				Str("order_id", order.OrderID).
				Msg("failed to requeue stale order")
			continue
		}
		if accepted {
			requeued++
			logger.Warn().
				Str("order_id", order.OrderID).
				Str("status", string(order.Status)).
				Int("attempt", order.RetryCount).
				Time("updated_at", order.UpdatedAt).
				Msg("requeued stale order")
		}
	}

	return requeued, nil
}
