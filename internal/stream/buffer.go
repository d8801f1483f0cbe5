package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// BufferStore is an append log of undelivered updates per order, shared between instances
type BufferStore interface {
	// Append adds entry at the tail, refreshes expiry and trims to the retained cap
	Append(ctx context.Context, orderID string, entry []byte) error
	// Drain returns every entry in append order and deletes the log in one atomic step
	Drain(ctx context.Context, orderID string) ([][]byte, error)
	// Requeue puts entries back at the head, keeping their order
	Requeue(ctx context.Context, orderID string, entries [][]byte) error
	// Len returns the number of buffered entries
	Len(ctx context.Context, orderID string) (int64, error)
}

// BufferConfig controls retention of buffered updates
type BufferConfig struct {
	TTL           time.Duration
	MaxEntries    int64
	KeyPrefix     string
	NotifyChannel string
}

func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		TTL:           300 * time.Second,
		MaxEntries:    50,
		KeyPrefix:     "order_updates:",
		NotifyChannel: "order_updates:notify",
	}
}

// RedisBuffer keeps each order's log in a Redis list
type RedisBuffer struct {
	client redis.UniversalClient
	cfg    BufferConfig
}

var _ BufferStore = (*RedisBuffer)(nil)

func NewRedisBuffer(client redis.UniversalClient, cfg BufferConfig) *RedisBuffer {
	def := DefaultBufferConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.NotifyChannel == "" {
		cfg.NotifyChannel = def.NotifyChannel
	}
	return &RedisBuffer{client: client, cfg: cfg}
}

func (b *RedisBuffer) key(orderID string) string {
	return b.cfg.KeyPrefix + orderID
}

func (b *RedisBuffer) Append(ctx context.Context, orderID string, entry []byte) error {
	key := b.key(orderID)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, entry)
		pipe.LTrim(ctx, key, -b.cfg.MaxEntries, -1)
		pipe.Expire(ctx, key, b.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append buffered update: %w", err)
	}

	// wake up whichever instance holds the live subscriber
	if err := b.client.Publish(ctx, b.cfg.NotifyChannel, orderID).Err(); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("failed to publish buffer notification")
	}
	return nil
}

func (b *RedisBuffer) Drain(ctx context.Context, orderID string) ([][]byte, error) {
	key := b.key(orderID)
	var rng *redis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain buffered updates: %w", err)
	}

	vals := rng.Val()
	entries := make([][]byte, len(vals))
	for i, v := range vals {
		entries[i] = []byte(v)
	}
	return entries, nil
}

func (b *RedisBuffer) Requeue(ctx context.Context, orderID string, entries [][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	key := b.key(orderID)

	// LPUSH reverses its arguments, so push newest first
	vals := make([]interface{}, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		vals = append(vals, entries[i])
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, vals...)
		pipe.LTrim(ctx, key, -b.cfg.MaxEntries, -1)
		pipe.Expire(ctx, key, b.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue buffered updates: %w", err)
	}
	return nil
}

func (b *RedisBuffer) Len(ctx context.Context, orderID string) (int64, error) {
	return b.client.LLen(ctx, b.key(orderID)).Result()
}

// Notifications streams order ids whose buffer received an entry on any instance.
// The channel closes when ctx is done.
func (b *RedisBuffer) Notifications(ctx context.Context) <-chan string {
	out := make(chan string, 64)
	sub := b.client.Subscribe(ctx, b.cfg.NotifyChannel)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
