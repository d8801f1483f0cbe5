package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// pricePlaces is the precision venues quote and fill at
const pricePlaces = 6

// Venue is a simulated DEX that quotes, builds and executes swaps
type Venue struct {
	ID          string
	FeeRate     float64 // fraction of output taken as fee
	MinSpread   float64 // lower bound of the price multiplier applied to the reference price
	MaxSpread   float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	BuildDelay  time.Duration
	SuccessRate float64 // 0-1, probability of a successful execution
	Prices      *PriceTable

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultVenues returns the venues the engine routes across, in routing order
func DefaultVenues(prices *PriceTable, buildDelay time.Duration) []*Venue {
	return []*Venue{
		{
			ID:          "RAYDIUM",
			FeeRate:     0.003, // 0.3%
			MinSpread:   0.98,
			MaxSpread:   1.02,
			MinLatency:  150 * time.Millisecond,
			MaxLatency:  250 * time.Millisecond,
			BuildDelay:  buildDelay,
			SuccessRate: 0.97,
			Prices:      prices,
			rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		},
		{
			ID:          "METEORA",
			FeeRate:     0.002, // 0.2%
			MinSpread:   0.97,
			MaxSpread:   1.02,
			MinLatency:  150 * time.Millisecond,
			MaxLatency:  300 * time.Millisecond,
			BuildDelay:  buildDelay,
			SuccessRate: 0.95,
			Prices:      prices,
			rng:         rand.New(rand.NewSource(time.Now().UnixNano() + 1)),
		},
	}
}

// Seed makes the venue's randomness reproducible
func (v *Venue) Seed(seed int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rng = rand.New(rand.NewSource(seed))
}

func (v *Venue) Name() string {
	return v.ID
}

// Quote returns this venue's price for swapping amount of tokenIn into tokenOut
func (v *Venue) Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (types.Quote, error) {
	logger := log.With().
		Str("dex", v.ID).
		Str("pair", tokenIn+"/"+tokenOut).
		Float64("amount", amount).
		Logger()

	if err := v.wait(ctx, v.latency()); err != nil {
		return types.Quote{}, fmt.Errorf("quote from %s: %w", v.ID, err)
	}

	ref, ok := v.Prices.Get(tokenIn, tokenOut)
	if !ok {
		logger.Warn().Msg("no reference price for pair")
		return types.Quote{}, fmt.Errorf("quote from %s: no liquidity for %s/%s", v.ID, tokenIn, tokenOut)
	}

	multiplier := v.MinSpread + v.float()*(v.MaxSpread-v.MinSpread)
	price := round(ref * multiplier)

	quote := types.Quote{
		DexName:         v.ID,
		Price:           price,
		Fee:             v.FeeRate,
		EstimatedOutput: types.EstimatedOutput(amount, price, v.FeeRate),
	}

	logger.Debug().
		Float64("price", quote.Price).
		Float64("estimated_output", quote.EstimatedOutput).
		Msg("quote issued")

	return quote, nil
}

// Build simulates constructing the swap transaction
func (v *Venue) Build(ctx context.Context, req types.ExecutionRequest) error {
	if err := v.wait(ctx, v.BuildDelay); err != nil {
		return fmt.Errorf("build on %s: %w", v.ID, err)
	}
	return nil
}

// Execute simulates landing the swap. The realized price is always within the requested
// slippage of the quoted price.
func (v *Venue) Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	logger := log.With().
		Str("dex", v.ID).
		Str("order_id", req.OrderID).
		Float64("quoted_price", req.Quote.Price).
		Float64("slippage", req.Slippage).
		Logger()

	logger.Info().Msg("executing swap")

	if err := v.wait(ctx, v.latency()); err != nil {
		return nil, fmt.Errorf("execute on %s: %w", v.ID, err)
	}

	if v.float() > v.SuccessRate {
		logger.Warn().
			Float64("success_rate", v.SuccessRate).
			Msg("swap execution failed")
		return nil, fmt.Errorf("execution failed on %s: transaction reverted", v.ID)
	}

	realized := RealizedPrice(req.Quote.Price, req.Slippage, v.float())
	result := &types.ExecutionResult{
		Reference:     txHash(),
		RealizedPrice: realized,
		AmountOut:     types.EstimatedOutput(req.Amount, realized, v.FeeRate),
	}

	logger.Info().
		Str("tx_hash", result.Reference).
		Float64("realized_price", result.RealizedPrice).
		Float64("amount_out", result.AmountOut).
		Msg("swap executed")

	return result, nil
}

// RealizedPrice degrades quoted by a fraction u in [0,1) of the slippage bound, rounded to
// venue precision without leaving [quoted*(1-slippage), quoted].
func RealizedPrice(quoted, slippage, u float64) float64 {
	price := quoted * (1 - u*slippage)

	rounded := decimal.NewFromFloat(price).Truncate(pricePlaces).InexactFloat64()
	if types.WithinSlippage(quoted, rounded, slippage) {
		return rounded
	}
	if types.WithinSlippage(quoted, price, slippage) {
		return price
	}
	return quoted
}

func (v *Venue) latency() time.Duration {
	if v.MaxLatency <= v.MinLatency {
		return v.MinLatency
	}
	return v.MinLatency + time.Duration(v.float()*float64(v.MaxLatency-v.MinLatency))
}

func (v *Venue) float() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rng == nil {
		v.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return v.rng.Float64()
}

func (v *Venue) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func round(p float64) float64 {
	return decimal.NewFromFloat(p).Round(pricePlaces).InexactFloat64()
}

// txHash produces a 64 character hex transaction reference
func txHash() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
