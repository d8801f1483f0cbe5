package exchange

import (
	"strings"
	"sync"
)

// PriceTable holds reference prices venues quote around, keyed by "IN/OUT"
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewPriceTable(prices map[string]float64) *PriceTable {
	t := &PriceTable{prices: make(map[string]float64, len(prices))}
	for pair, p := range prices {
		t.prices[strings.ToUpper(pair)] = p
	}
	return t
}

// DefaultPriceTable seeds reference prices for the pairs the simulator trades
func DefaultPriceTable() *PriceTable {
	return NewPriceTable(map[string]float64{
		"SOL/USDC":  95.5,
		"SOL/USDT":  95.4,
		"BONK/USDC": 0.000021,
		"JUP/USDC":  0.82,
		"USDC/USDT": 1.0,
	})
}

// Set records the reference price of one unit of in expressed in out
func (t *PriceTable) Set(in, out string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[key(in, out)] = price
}

// Get returns the reference price for in/out, inverting the reverse pair if needed
func (t *PriceTable) Get(in, out string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.prices[key(in, out)]; ok && p > 0 {
		return p, true
	}
	if p, ok := t.prices[key(out, in)]; ok && p > 0 {
		return 1 / p, true
	}
	return 0, false
}

func key(in, out string) string {
	return strings.ToUpper(in) + "/" + strings.ToUpper(out)
}
