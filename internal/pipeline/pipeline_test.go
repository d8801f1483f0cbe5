package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu     sync.Mutex
	orders map[string]types.Order
	quotes []types.Quote

	// saveErr is returned when an order is saved with status rejectStatus
	rejectStatus types.OrderStatus
	saveErr      error
}

func newMemRepo(orders ...types.Order) *memRepo {
	r := &memRepo{orders: make(map[string]types.Order)}
	for _, o := range orders {
		r.orders[o.OrderID] = o
	}
	return r
}

func (r *memRepo) LoadOrder(_ context.Context, orderID string) (*types.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	return &o, nil
}

func (r *memRepo) SaveOrder(_ context.Context, order *types.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil && order.Status == r.rejectStatus {
		return r.saveErr
	}
	r.orders[order.OrderID] = *order
	return nil
}

func (r *memRepo) SaveQuote(_ context.Context, quote *types.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes = append(r.quotes, *quote)
	return nil
}

func (r *memRepo) order(id string) types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id]
}

type fakeVenue struct {
	name       string
	price      float64
	fee        float64
	quoteErr   error
	quoteDelay time.Duration
	execErr    error
	realized   float64
	builds     int
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) Quote(ctx context.Context, _, _ string, _ float64) (types.Quote, error) {
	if v.quoteDelay > 0 {
		select {
		case <-ctx.Done():
			return types.Quote{}, ctx.Err()
		case <-time.After(v.quoteDelay):
		}
	}
	if v.quoteErr != nil {
		return types.Quote{}, v.quoteErr
	}
	return types.Quote{Price: v.price, Fee: v.fee}, nil
}

func (v *fakeVenue) Build(context.Context, types.ExecutionRequest) error {
	v.builds++
	return nil
}

func (v *fakeVenue) Execute(_ context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	if v.execErr != nil {
		return nil, v.execErr
	}
	price := v.realized
	if price == 0 {
		price = req.Quote.Price
	}
	return &types.ExecutionResult{Reference: "0xabc", RealizedPrice: price}, nil
}

type recorder struct {
	mu       sync.Mutex
	updates  []types.StatusUpdate
	released []string
}

func (r *recorder) Publish(_ context.Context, u types.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) ReleaseAfter(orderID string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, orderID)
}

func (r *recorder) statuses() []types.OrderStatus {
	out := make([]types.OrderStatus, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Status
	}
	return out
}

func pendingOrder(id string) types.Order {
	return types.Order{
		OrderID:  id,
		TokenIn:  "SOL",
		TokenOut: "USDC",
		Amount:   1.5,
		Slippage: 0.01,
		Status:   types.StatusPending,
	}
}

func setup(venues ...Venue) (*Pipeline, *memRepo, *recorder) {
	repo := newMemRepo(pendingOrder("ord-1"))
	rec := &recorder{}
	return New(repo, venues, rec, DefaultConfig()), repo, rec
}

func TestRunConfirmsOnBestRoute(t *testing.T) {
	raydium := &fakeVenue{name: "RAYDIUM", price: 95.2, fee: 0.003}
	meteora := &fakeVenue{name: "METEORA", price: 95.8, fee: 0.002}
	p, repo, rec := setup(raydium, meteora)

	require.NoError(t, p.Run(context.Background(), "ord-1", 0))

	assert.Equal(t, []types.OrderStatus{
		types.StatusPending,
		types.StatusRouting,
		types.StatusRouting,
		types.StatusBuilding,
		types.StatusSubmitted,
		types.StatusConfirmed,
	}, rec.statuses())

	routed := rec.updates[2]
	assert.Equal(t, "METEORA", routed.SelectedDex)
	assert.Equal(t, "Best route selected: METEORA", routed.Message)
	require.Len(t, routed.Quotes, 2)
	assert.Equal(t, "RAYDIUM", routed.Quotes[0].DexName)
	// 1.5 * 95.2 * 0.997 and 1.5 * 95.8 * 0.998
	assert.InDelta(t, 142.3716, routed.Quotes[0].EstimatedOutput, 1e-9)
	assert.Equal(t, "METEORA", routed.Quotes[1].DexName)
	assert.InDelta(t, 143.4126, routed.Quotes[1].EstimatedOutput, 1e-9)
	assert.Greater(t, routed.Quotes[1].EstimatedOutput, routed.Quotes[0].EstimatedOutput)

	confirmed := rec.updates[5]
	assert.Equal(t, "0xabc", confirmed.TxHash)
	require.NotNil(t, confirmed.ExecutionPrice)
	assert.InDelta(t, 95.8, *confirmed.ExecutionPrice, 1e-9)

	order := repo.order("ord-1")
	assert.Equal(t, types.StatusConfirmed, order.Status)
	assert.Equal(t, "METEORA", order.SelectedDex)
	assert.NoError(t, order.Validate())
	assert.Len(t, repo.quotes, 2)
	for _, q := range repo.quotes {
		assert.Equal(t, "ord-1", q.OrderID)
		assert.NotEmpty(t, q.QuoteID)
	}
	assert.Equal(t, 1, meteora.builds)
	assert.Zero(t, raydium.builds)
	assert.Equal(t, []string{"ord-1"}, rec.released)
}

func TestSelectBestPrefersFirstOnTie(t *testing.T) {
	quotes := []types.Quote{
		{DexName: "RAYDIUM", EstimatedOutput: 10},
		{DexName: "METEORA", EstimatedOutput: 10},
	}
	best, err := SelectBest(quotes)
	require.NoError(t, err)
	assert.Equal(t, "RAYDIUM", best.DexName)

	_, err = SelectBest(nil)
	assert.ErrorIs(t, err, ErrNoQuotes)
}

func TestRunFailsWhenAnyVenueFailsToQuote(t *testing.T) {
	raydium := &fakeVenue{name: "RAYDIUM", price: 95.2, fee: 0.003}
	meteora := &fakeVenue{name: "METEORA", quoteErr: errors.New("pool unavailable")}
	p, repo, rec := setup(raydium, meteora)

	err := p.Run(context.Background(), "ord-1", 0)
	require.Error(t, err)
	assert.ErrorContains(t, err, "pool unavailable")

	order := repo.order("ord-1")
	assert.Equal(t, types.StatusFailed, order.Status)
	assert.Contains(t, order.ErrorMessage, "pool unavailable")
	assert.Empty(t, repo.quotes, "no quotes are persisted when routing fails")

	last := rec.updates[len(rec.updates)-1]
	assert.Equal(t, types.StatusFailed, last.Status)
	assert.Equal(t, "Order failed", last.Message)
	require.NotNil(t, last.RetryCount)
	assert.Zero(t, *last.RetryCount)
	assert.Empty(t, rec.released, "connection stays open while retries remain")
}

func TestRunFailsOnSlippage(t *testing.T) {
	venue := &fakeVenue{name: "RAYDIUM", price: 100, fee: 0.003, realized: 98}
	p, repo, rec := setup(venue)

	err := p.Run(context.Background(), "ord-1", 2)
	assert.ErrorIs(t, err, types.ErrSlippageExceeded)

	order := repo.order("ord-1")
	assert.Equal(t, types.StatusFailed, order.Status)
	assert.Equal(t, 2, order.RetryCount)
	assert.Empty(t, order.TxHash)
	assert.NoError(t, order.Validate())
	assert.Equal(t, []string{"ord-1"}, rec.released, "last attempt releases the connection")
}

func TestRunFailsOnQuoteTimeout(t *testing.T) {
	venue := &fakeVenue{name: "RAYDIUM", price: 100, quoteDelay: time.Second}
	p, repo, _ := setup(venue)
	p.cfg.QuoteTimeout = 20 * time.Millisecond

	err := p.Run(context.Background(), "ord-1", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "quote stage timed out")
	assert.Equal(t, types.StatusFailed, repo.order("ord-1").Status)
}

func TestRunFailsOnExecutionError(t *testing.T) {
	venue := &fakeVenue{name: "RAYDIUM", price: 100, execErr: errors.New("transaction reverted")}
	p, repo, rec := setup(venue)

	require.Error(t, p.Run(context.Background(), "ord-1", 1))
	order := repo.order("ord-1")
	assert.Equal(t, types.StatusFailed, order.Status)
	assert.Equal(t, "RAYDIUM", order.SelectedDex)
	assert.Equal(t, types.StatusSubmitted, rec.updates[len(rec.updates)-2].Status)
}

func TestRunFailsWhenConfirmationIsNotRecorded(t *testing.T) {
	venue := &fakeVenue{name: "RAYDIUM", price: 100, fee: 0.003}
	p, repo, rec := setup(venue)
	repo.rejectStatus = types.StatusConfirmed
	repo.saveErr = errors.New("db: connection reset")

	err := p.Run(context.Background(), "ord-1", 0)
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")
	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent, "the swap landed, so the attempt is not retried")

	assert.Equal(t, []types.OrderStatus{
		types.StatusPending,
		types.StatusRouting,
		types.StatusRouting,
		types.StatusBuilding,
		types.StatusSubmitted,
		types.StatusFailed,
	}, rec.statuses())
	last := rec.updates[len(rec.updates)-1]
	assert.Contains(t, last.Error, "0xabc")

	order := repo.order("ord-1")
	assert.Equal(t, types.StatusFailed, order.Status)
	assert.Empty(t, order.TxHash)
	assert.NoError(t, order.Validate())
	assert.Equal(t, []string{"ord-1"}, rec.released, "no retry follows, so the connection is released")
}

func TestRetryResetsFailedOrder(t *testing.T) {
	venue := &fakeVenue{name: "RAYDIUM", price: 100, fee: 0.003}
	failed := pendingOrder("ord-1")
	require.NoError(t, failed.Fail("previous attempt"))

	repo := newMemRepo(failed)
	rec := &recorder{}
	p := New(repo, []Venue{venue}, rec, DefaultConfig())

	require.NoError(t, p.Run(context.Background(), "ord-1", 1))
	order := repo.order("ord-1")
	assert.Equal(t, types.StatusConfirmed, order.Status)
	assert.Empty(t, order.ErrorMessage)
	assert.Equal(t, 1, order.RetryCount)
}

func TestRunSkipsConfirmedOrder(t *testing.T) {
	done := pendingOrder("ord-1")
	done.Status = types.StatusConfirmed
	done.TxHash = "0xdone"

	repo := newMemRepo(done)
	rec := &recorder{}
	p := New(repo, []Venue{&fakeVenue{name: "RAYDIUM", price: 1}}, rec, DefaultConfig())

	require.NoError(t, p.Run(context.Background(), "ord-1", 0))
	assert.Empty(t, rec.updates)
	assert.Equal(t, "0xdone", repo.order("ord-1").TxHash)
}

func TestRunUnknownOrder(t *testing.T) {
	p, _, rec := setup()
	err := p.Run(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent, "a missing order is not retried")
	assert.Empty(t, rec.updates)
}

func TestRunWithoutVenues(t *testing.T) {
	p, repo, _ := setup()
	err := p.Run(context.Background(), "ord-1", 0)
	assert.ErrorIs(t, err, ErrNoQuotes)
	assert.Equal(t, types.StatusFailed, repo.order("ord-1").Status)
}
