package stream

import (
	"context"
	"time"

	"github.com/ksred/klear-dex/internal/metrics"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher is the single entry point for emitting status updates. Publish and Attach for the
// same order id are serialized so that every update reaches a subscriber exactly once and in
// publish order, whether it is delivered live or replayed from the buffer.
type Dispatcher struct {
	registry *Registry
	buffer   BufferStore
	locks    *keyedMutex
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewDispatcher(registry *Registry, buffer BufferStore) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		buffer:   buffer,
		locks:    newKeyedMutex(),
		timeout:  5 * time.Second,
		logger:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Publish delivers update to the live subscriber of its order, or buffers it.
// Delivery problems are absorbed here and never reach the caller.
func (d *Dispatcher) Publish(ctx context.Context, update types.StatusUpdate) {
	payload, err := update.Encode()
	if err != nil {
		d.logger.Error().Err(err).Str("order_id", update.OrderID).Msg("failed to encode status update")
		metrics.UpdatesPublished.WithLabelValues(metrics.PathDropped).Inc()
		return
	}

	unlock := d.locks.Lock(update.OrderID)
	defer unlock()

	logger := d.logger.With().
		Str("order_id", update.OrderID).
		Str("status", string(update.Status)).
		Logger()

	if sub, ok := d.registry.Get(update.OrderID); ok {
		err := d.send(ctx, sub, payload)
		if err == nil {
			metrics.UpdatesPublished.WithLabelValues(metrics.PathLive).Inc()
			logger.Debug().Msg("update delivered live")
			return
		}
		logger.Warn().Err(err).Msg("live delivery failed, buffering update")
		d.drop(update.OrderID, sub)
	}

	if err := d.buffer.Append(d.storeCtx(ctx), update.OrderID, payload); err != nil {
		logger.Error().Err(err).Msg("failed to buffer status update")
		metrics.UpdatesPublished.WithLabelValues(metrics.PathDropped).Inc()
		return
	}
	metrics.UpdatesPublished.WithLabelValues(metrics.PathBuffered).Inc()
	logger.Debug().Msg("update buffered")
}

// Attach makes sub the live subscriber for orderID, closing any previous one, then replays
// the buffered log to it in append order before any later update can be delivered.
func (d *Dispatcher) Attach(ctx context.Context, orderID string, sub Subscriber) error {
	unlock := d.locks.Lock(orderID)
	defer unlock()

	logger := d.logger.With().Str("order_id", orderID).Logger()

	if prev := d.registry.Register(orderID, sub); prev != nil && prev != sub {
		logger.Info().Msg("replacing previous subscriber")
		_ = prev.Close()
	}

	flushed, err := d.flush(ctx, orderID, sub)
	if err != nil {
		logger.Warn().Err(err).Int("flushed", flushed).Msg("subscriber failed during buffer flush")
		d.drop(orderID, sub)
		return err
	}

	logger.Info().Int("flushed", flushed).Msg("subscriber attached")
	return nil
}

// Drain replays newly buffered entries to the live subscriber of orderID, if this process
// holds one. Used when another instance buffered updates for a subscriber attached here.
func (d *Dispatcher) Drain(ctx context.Context, orderID string) {
	if _, ok := d.registry.Get(orderID); !ok {
		return
	}

	unlock := d.locks.Lock(orderID)
	defer unlock()

	sub, ok := d.registry.Get(orderID)
	if !ok {
		return
	}
	if _, err := d.flush(ctx, orderID, sub); err != nil {
		d.logger.Warn().Err(err).Str("order_id", orderID).Msg("subscriber failed during drain")
		d.drop(orderID, sub)
	}
}

// Follow drains orders named on notifications until the channel closes
func (d *Dispatcher) Follow(ctx context.Context, notifications <-chan string) {
	for orderID := range notifications {
		d.Drain(ctx, orderID)
	}
}

// flush must be called with the order lock held
func (d *Dispatcher) flush(ctx context.Context, orderID string, sub Subscriber) (int, error) {
	entries, err := d.buffer.Drain(d.storeCtx(ctx), orderID)
	if err != nil {
		// nothing was removed; the log stays for the next attach
		return 0, err
	}

	for i, entry := range entries {
		if err := d.send(ctx, sub, entry); err != nil {
			if rqErr := d.buffer.Requeue(d.storeCtx(ctx), orderID, entries[i:]); rqErr != nil {
				d.logger.Error().Err(rqErr).Str("order_id", orderID).
					Int("lost", len(entries)-i).
					Msg("failed to requeue undelivered updates")
			}
			return i, err
		}
		metrics.BufferFlushed.Inc()
	}
	return len(entries), nil
}

// Detach closes and removes the live subscriber of orderID if present
func (d *Dispatcher) Detach(orderID string) {
	unlock := d.locks.Lock(orderID)
	defer unlock()
	d.drop(orderID, nil)
}

// Unsubscribe removes sub if it is still the live subscriber of orderID
func (d *Dispatcher) Unsubscribe(orderID string, sub Subscriber) {
	unlock := d.locks.Lock(orderID)
	defer unlock()
	d.drop(orderID, sub)
}

// ReleaseAfter detaches whatever subscriber orderID has once delay elapses
func (d *Dispatcher) ReleaseAfter(orderID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		d.Detach(orderID)
	})
}

func (d *Dispatcher) drop(orderID string, sub Subscriber) {
	if removed, ok := d.registry.Remove(orderID, sub); ok {
		if err := removed.Close(); err != nil {
			d.logger.Debug().Err(err).Str("order_id", orderID).Msg("subscriber close")
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, sub Subscriber, payload []byte) error {
	if sub.Closed() {
		return ErrSubscriberClosed
	}
	sendCtx, cancel := context.WithTimeout(d.storeCtx(ctx), d.timeout)
	defer cancel()
	return sub.Send(sendCtx, payload)
}

// storeCtx detaches delivery from the caller's cancellation so a run that is being torn
// down still records its final update.
func (d *Dispatcher) storeCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
