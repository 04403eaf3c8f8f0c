package model

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the owner-scoped persistence contract for every engine
// entity. Implementations must be safe for concurrent use; the engine
// serializes mutations per market above this layer.
type Repository interface {
	CreateMarket(ctx context.Context, cfg *MarketConfig, st *MarketState) error
	GetMarketConfig(ctx context.Context, key MarketKey) (*MarketConfig, error)
	GetMarketState(ctx context.Context, key MarketKey) (*MarketState, error)
	SaveMarketConfig(ctx context.Context, cfg *MarketConfig) error
	SaveMarketState(ctx context.Context, st *MarketState) error
	ListMarkets(ctx context.Context) ([]MarketKey, error)

	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, key MarketKey, id uint64) (*Order, error)
	DeleteOrder(ctx context.Context, key MarketKey, id uint64) error
	// ListOrders returns pending orders for a market in ascending id order.
	ListOrders(ctx context.Context, key MarketKey) ([]*Order, error)

	GetPosition(ctx context.Context, key MarketKey, owner uuid.UUID, side string) (*Position, error)
	SavePosition(ctx context.Context, pos *Position) error
	ListPositions(ctx context.Context, key MarketKey, side string) ([]*Position, error)
}
