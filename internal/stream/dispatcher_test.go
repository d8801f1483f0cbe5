package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-dex/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSubscriber records every payload it is sent. failAfter < 0 never fails.
type memSubscriber struct {
	mu        sync.Mutex
	received  []types.StatusUpdate
	failAfter int
	closed    bool
}

func newMemSubscriber() *memSubscriber {
	return &memSubscriber{failAfter: -1}
}

func (m *memSubscriber) Send(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSubscriberClosed
	}
	if m.failAfter >= 0 && len(m.received) >= m.failAfter {
		m.closed = true
		return errors.New("write: broken pipe")
	}
	u, err := types.DecodeStatusUpdate(payload)
	if err != nil {
		return err
	}
	m.received = append(m.received, u)
	return nil
}

func (m *memSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSubscriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *memSubscriber) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.received))
	for i, u := range m.received {
		out[i] = u.Message
	}
	return out
}

func newTestDispatcher(t *testing.T, cfg BufferConfig) (*Dispatcher, *RedisBuffer) {
	t.Helper()
	buf, _ := newTestBuffer(t, cfg)
	return NewDispatcher(NewRegistry(), buf), buf
}

func update(orderID string, i int) types.StatusUpdate {
	return types.NewStatusUpdate(orderID, types.StatusRouting, fmt.Sprintf("m%03d", i))
}

func expected(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("m%03d", i)
	}
	return out
}

func TestPublishDeliversLive(t *testing.T) {
	d, buf := newTestDispatcher(t, DefaultBufferConfig())
	ctx := context.Background()

	sub := newMemSubscriber()
	require.NoError(t, d.Attach(ctx, "ord-live", sub))

	for i := 0; i < 3; i++ {
		d.Publish(ctx, update("ord-live", i))
	}

	assert.Equal(t, expected(3), sub.messages())
	n, err := buf.Len(ctx, "ord-live")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAttachFlushesThenClearsBuffer(t *testing.T) {
	d, buf := newTestDispatcher(t, DefaultBufferConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d.Publish(ctx, update("ord-late", i))
	}
	n, err := buf.Len(ctx, "ord-late")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	sub := newMemSubscriber()
	require.NoError(t, d.Attach(ctx, "ord-late", sub))
	assert.Equal(t, expected(4), sub.messages())

	n, err = buf.Len(ctx, "ord-late")
	require.NoError(t, err)
	assert.Zero(t, n, "buffer is cleared after a successful flush")

	d.Publish(ctx, update("ord-late", 4))
	assert.Equal(t, expected(5), sub.messages())
}

func TestFailedLiveDeliveryFallsBackToBuffer(t *testing.T) {
	d, buf := newTestDispatcher(t, DefaultBufferConfig())
	ctx := context.Background()

	sub := newMemSubscriber()
	sub.failAfter = 1
	require.NoError(t, d.Attach(ctx, "ord-broken", sub))

	for i := 0; i < 3; i++ {
		d.Publish(ctx, update("ord-broken", i))
	}

	assert.Equal(t, expected(1), sub.messages())
	_, ok := d.registry.Get("ord-broken")
	assert.False(t, ok, "failed subscriber is dropped")

	n, err := buf.Len(ctx, "ord-broken")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	again := newMemSubscriber()
	require.NoError(t, d.Attach(ctx, "ord-broken", again))
	assert.Equal(t, []string{"m001", "m002"}, again.messages())
}

func TestFlushFailureRequeuesUndelivered(t *testing.T) {
	d, buf := newTestDispatcher(t, DefaultBufferConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.Publish(ctx, update("ord-rq", i))
	}

	flaky := newMemSubscriber()
	flaky.failAfter = 1
	require.Error(t, d.Attach(ctx, "ord-rq", flaky))
	assert.Equal(t, expected(1), flaky.messages())

	n, err := buf.Len(ctx, "ord-rq")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	d.Publish(ctx, update("ord-rq", 3))

	sub := newMemSubscriber()
	require.NoError(t, d.Attach(ctx, "ord-rq", sub))
	assert.Equal(t, []string{"m001", "m002", "m003"}, sub.messages())
}

func TestAttachReplacesPreviousSubscriber(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultBufferConfig())
	ctx := context.Background()

	first := newMemSubscriber()
	second := newMemSubscriber()
	require.NoError(t, d.Attach(ctx, "ord-r", first))
	require.NoError(t, d.Attach(ctx, "ord-r", second))

	assert.True(t, first.Closed())
	d.Publish(ctx, update("ord-r", 0))
	assert.Empty(t, first.messages())
	assert.Equal(t, expected(1), second.messages())

	// the replaced subscriber going away must not unhook the new one
	d.Unsubscribe("ord-r", first)
	got, ok := d.registry.Get("ord-r")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestDetachIsIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultBufferConfig())
	ctx := context.Background()

	sub := newMemSubscriber()
	require.NoError(t, d.Attach(ctx, "ord-d", sub))

	d.Detach("ord-d")
	d.Detach("ord-d")
	d.Detach("never-attached")

	assert.True(t, sub.Closed())
	assert.Zero(t, d.registry.Len())
	assert.Zero(t, d.locks.size())
}

func TestReleaseAfterClosesSubscriber(t *testing.T) {
	d, _ := newTestDispatcher(t, DefaultBufferConfig())
	sub := newMemSubscriber()
	require.NoError(t, d.Attach(context.Background(), "ord-rel", sub))

	d.ReleaseAfter("ord-rel", 20*time.Millisecond)
	assert.False(t, sub.Closed())
	assert.Eventually(t, sub.Closed, time.Second, 5*time.Millisecond)
}

// Attaching at any point while the producer publishes must yield the full sequence exactly once.
func TestNoLossWhenAttachRacesPublish(t *testing.T) {
	const updates = 40
	cfg := DefaultBufferConfig()
	cfg.MaxEntries = updates

	for run := 0; run < 10; run++ {
		d, _ := newTestDispatcher(t, cfg)
		ctx := context.Background()
		orderID := fmt.Sprintf("ord-race-%d", run)
		attachAt := rand.Intn(updates + 1)

		sub := newMemSubscriber()
		var wg sync.WaitGroup
		started := make(chan struct{})

		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				if i == attachAt {
					close(started)
				}
				d.Publish(ctx, update(orderID, i))
			}
			if attachAt == updates {
				close(started)
			}
		}()
		go func() {
			defer wg.Done()
			<-started
			assert.NoError(t, d.Attach(ctx, orderID, sub))
		}()
		wg.Wait()

		assert.Equal(t, expected(updates), sub.messages(), "attach at %d", attachAt)
	}
}

func TestConcurrentOrdersStayIsolated(t *testing.T) {
	d, buf := newTestDispatcher(t, DefaultBufferConfig())
	ctx := context.Background()

	subs := make([]*memSubscriber, 5)
	var wg sync.WaitGroup
	for o := 0; o < 5; o++ {
		subs[o] = newMemSubscriber()
		orderID := fmt.Sprintf("ord-%d", o)
		wg.Add(2)
		go func(sub *memSubscriber) {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
			assert.NoError(t, d.Attach(ctx, orderID, sub))
		}(subs[o])
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				d.Publish(ctx, update(orderID, i))
			}
		}()
	}
	wg.Wait()

	for o, sub := range subs {
		orderID := fmt.Sprintf("ord-%d", o)
		assert.Equal(t, expected(10), sub.messages(), orderID)
		for _, u := range sub.received {
			assert.Equal(t, orderID, u.OrderID)
		}
		n, err := buf.Len(ctx, orderID)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

func TestFollowDrainsUpdatesBufferedElsewhere(t *testing.T) {
	buf, _ := newTestBuffer(t, DefaultBufferConfig())
	worker := NewDispatcher(NewRegistry(), buf)
	gateway := NewDispatcher(NewRegistry(), buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gateway.Follow(ctx, buf.Notifications(ctx))

	sub := newMemSubscriber()
	require.NoError(t, gateway.Attach(ctx, "ord-x", sub))

	// the notification subscription comes up asynchronously; keep publishing until it lands
	i := 0
	require.Eventually(t, func() bool {
		worker.Publish(ctx, update("ord-x", i))
		i++
		return len(sub.messages()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sub.messages()) == i
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, expected(i), sub.messages())
}
