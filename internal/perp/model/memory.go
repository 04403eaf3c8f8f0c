package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
)

type positionKey struct {
	owner uuid.UUID
	side  string
}

type marketRecord struct {
	cfg       *MarketConfig
	state     *MarketState
	orders    btree.Map[uint64, *Order]
	positions map[positionKey]*Position
}

// MemoryRepository is the in-process repository used by tests and by
// single-node deployments that persist through snapshots instead of a
// database. Orders are kept in a btree so keepers drain them in id order.
//
// Every read returns a copy and every save stores one, matching the gorm
// backend: mutating a fetched record changes nothing until Save*.
type MemoryRepository struct {
	mu      sync.RWMutex
	markets map[MarketKey]*marketRecord
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{markets: make(map[MarketKey]*marketRecord)}
}

func (r *MemoryRepository) CreateMarket(_ context.Context, cfg *MarketConfig, st *MarketState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[cfg.Key]; ok {
		return fmt.Errorf("%w: %s", perrors.ErrMarketExists, cfg.Key)
	}
	c, s := *cfg, *st
	r.markets[cfg.Key] = &marketRecord{
		cfg:       &c,
		state:     &s,
		positions: make(map[positionKey]*Position),
	}
	return nil
}

func (r *MemoryRepository) market(key MarketKey) (*marketRecord, error) {
	rec, ok := r.markets[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrMarketNotFound, key)
	}
	return rec, nil
}

func (r *MemoryRepository) GetMarketConfig(_ context.Context, key MarketKey) (*MarketConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.market(key)
	if err != nil {
		return nil, err
	}
	cfg := *rec.cfg
	return &cfg, nil
}

func (r *MemoryRepository) GetMarketState(_ context.Context, key MarketKey) (*MarketState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.market(key)
	if err != nil {
		return nil, err
	}
	st := *rec.state
	return &st, nil
}

func (r *MemoryRepository) SaveMarketConfig(_ context.Context, cfg *MarketConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.market(cfg.Key)
	if err != nil {
		return err
	}
	c := *cfg
	rec.cfg = &c
	return nil
}

func (r *MemoryRepository) SaveMarketState(_ context.Context, st *MarketState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.market(st.Key)
	if err != nil {
		return err
	}
	s := *st
	rec.state = &s
	return nil
}

func (r *MemoryRepository) ListMarkets(_ context.Context) ([]MarketKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]MarketKey, 0, len(r.markets))
	for k := range r.markets {
		keys = append(keys, k)
	}
	return keys, nil
}

func (r *MemoryRepository) CreateOrder(_ context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.market(order.Market)
	if err != nil {
		return err
	}
	o := *order
	rec.orders.Set(order.ID, &o)
	return nil
}

func (r *MemoryRepository) GetOrder(_ context.Context, key MarketKey, id uint64) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.market(key)
	if err != nil {
		return nil, err
	}
	order, ok := rec.orders.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s #%d", perrors.ErrOrderNotFound, key, id)
	}
	o := *order
	return &o, nil
}

func (r *MemoryRepository) DeleteOrder(_ context.Context, key MarketKey, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.market(key)
	if err != nil {
		return err
	}
	if _, ok := rec.orders.Delete(id); !ok {
		return fmt.Errorf("%w: %s #%d", perrors.ErrOrderNotFound, key, id)
	}
	return nil
}

func (r *MemoryRepository) ListOrders(_ context.Context, key MarketKey) ([]*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.market(key)
	if err != nil {
		return nil, err
	}
	orders := make([]*Order, 0, rec.orders.Len())
	rec.orders.Scan(func(_ uint64, o *Order) bool {
		c := *o
		orders = append(orders, &c)
		return true
	})
	return orders, nil
}

func (r *MemoryRepository) GetPosition(_ context.Context, key MarketKey, owner uuid.UUID, side string) (*Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.market(key)
	if err != nil {
		return nil, err
	}
	pos, ok := rec.positions[positionKey{owner: owner, side: side}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s %s", perrors.ErrPositionNotFound, key, owner, side)
	}
	p := *pos
	return &p, nil
}

func (r *MemoryRepository) SavePosition(_ context.Context, pos *Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.market(pos.Market)
	if err != nil {
		return err
	}
	p := *pos
	rec.positions[positionKey{owner: pos.Owner, side: pos.Side}] = &p
	return nil
}

func (r *MemoryRepository) ListPositions(_ context.Context, key MarketKey, side string) ([]*Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.market(key)
	if err != nil {
		return nil, err
	}
	var out []*Position
	for k, pos := range rec.positions {
		if k.side == side {
			p := *pos
			out = append(out, &p)
		}
	}
	return out, nil
}
