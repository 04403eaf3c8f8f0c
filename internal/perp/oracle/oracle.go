// Package oracle defines the price reference consumed by the settlement
// engine. Ingestion and proof verification live outside this module; the
// engine only reads, and a stale or missing price is a hard error that
// aborts the settlement.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

// PriceFeed supplies the current reference price for a pair.
type PriceFeed interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

type entry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// MemoryFeed is a push-updated feed with staleness enforcement, used by
// tests and by deployments that receive prices over the admin surface.
type MemoryFeed struct {
	mu     sync.RWMutex
	clock  model.Clock
	maxAge time.Duration
	prices map[string]entry
}

var _ PriceFeed = (*MemoryFeed)(nil)

func NewMemoryFeed(clock model.Clock, maxAge time.Duration) *MemoryFeed {
	return &MemoryFeed{
		clock:  clock,
		maxAge: maxAge,
		prices: make(map[string]entry),
	}
}

// Update records a new price observation for a pair.
func (f *MemoryFeed) Update(pair string, price decimal.Decimal) error {
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", perrors.ErrZeroPrice, price)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[pair] = entry{price: price, updatedAt: f.clock.Now()}
	return nil
}

func (f *MemoryFeed) GetPrice(_ context.Context, pair string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.prices[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", perrors.ErrPriceStale, pair)
	}
	if f.maxAge > 0 && f.clock.Now().Sub(e.updatedAt) > f.maxAge {
		return decimal.Zero, fmt.Errorf("%w: %s last updated %s", perrors.ErrPriceStale, pair, e.updatedAt)
	}
	return e.price, nil
}
