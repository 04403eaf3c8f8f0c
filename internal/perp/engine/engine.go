// Package engine implements the settlement state machine: order placement,
// execution, cancellation and forced exits, orchestrating accrual, risk
// validation, the position ledger and the LP vault. Every mutation runs to
// completion under an exclusive per-market lock; intermediate states are
// never observable.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/admin"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
	"github.com/merkle-trade/perp-engine/internal/perp/oracle"
	"github.com/merkle-trade/perp-engine/internal/perp/rewards"
	"github.com/merkle-trade/perp-engine/internal/perp/vault"
	"github.com/merkle-trade/perp-engine/pkg/metrics"
)

// Engine is the trading core. Construction requires the root capability so
// the vault settlement capability can be issued; afterwards authorization is
// purely by possession of the returned handles.
type Engine struct {
	logger    *zap.Logger
	clock     model.Clock
	repo      model.Repository
	feed      oracle.PriceFeed
	fees      rewards.FeeDistributor
	hooks     rewards.Hooks
	delegates rewards.DelegateRegistry
	registry  *admin.Registry
	settleCap *admin.SettleCap
	metrics   *metrics.EngineMetrics
	journal   *Journal

	mu     sync.RWMutex
	locks  map[model.MarketKey]*sync.RWMutex
	vaults map[string]*vault.Vault
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Logger    *zap.Logger
	Clock     model.Clock
	Repo      model.Repository
	Feed      oracle.PriceFeed
	Fees      rewards.FeeDistributor
	Hooks     rewards.Hooks
	Delegates rewards.DelegateRegistry
	Registry  *admin.Registry
	Metrics   *metrics.EngineMetrics
}

// New wires the engine and claims its vault settlement capability.
func New(deps Deps, root *admin.RootCap) (*Engine, error) {
	settleCap, err := deps.Registry.IssueSettle(root)
	if err != nil {
		return nil, fmt.Errorf("issue settlement capability: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = model.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewEngineMetrics(nil)
	}
	e := &Engine{
		logger:    deps.Logger.Named("engine"),
		clock:     deps.Clock,
		repo:      deps.Repo,
		feed:      deps.Feed,
		fees:      deps.Fees,
		hooks:     deps.Hooks,
		delegates: deps.Delegates,
		registry:  deps.Registry,
		settleCap: settleCap,
		metrics:   deps.Metrics,
		journal:   NewJournal(deps.Logger),
		locks:     make(map[model.MarketKey]*sync.RWMutex),
		vaults:    make(map[string]*vault.Vault),
	}
	// Markets persisted by a previous run need their locks re-armed, or
	// every operation on them fails after a restart.
	keys, err := e.repo.ListMarkets(context.Background())
	if err != nil {
		return nil, fmt.Errorf("list persisted markets: %w", err)
	}
	for _, key := range keys {
		e.locks[key] = &sync.RWMutex{}
	}
	return e, nil
}

// Journal exposes the engine's event journal.
func (e *Engine) Journal() *Journal { return e.journal }

// CreateVault registers the house LP pool for a collateral asset.
// Root-gated.
func (e *Engine) CreateVault(root *admin.RootCap, cfg vault.Config) (*vault.Vault, error) {
	if !e.registry.HoldsRoot(root) {
		return nil, perrors.ErrCapabilityUnknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vaults[cfg.Collateral]; ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrVaultExists, cfg.Collateral)
	}
	v := vault.New(e.logger, e.clock, e.fees, e.registry, cfg)
	e.vaults[cfg.Collateral] = v
	return v, nil
}

// Vault returns the pool for a collateral asset.
func (e *Engine) Vault(collateral string) (*vault.Vault, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vaults[collateral]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrVaultNotFound, collateral)
	}
	return v, nil
}

// CreateMarket initializes a market against an existing vault. Root-gated.
func (e *Engine) CreateMarket(ctx context.Context, root *admin.RootCap, cfg *model.MarketConfig) error {
	if !e.registry.HoldsRoot(root) {
		return perrors.ErrCapabilityUnknown
	}
	if _, err := e.Vault(cfg.Key.Collateral); err != nil {
		return err
	}
	st := &model.MarketState{
		Key:            cfg.Key,
		NextOrderID:    1,
		LastAccrueTime: e.clock.Now(),
	}
	if err := e.repo.CreateMarket(ctx, cfg, st); err != nil {
		return err
	}
	e.mu.Lock()
	e.locks[cfg.Key] = &sync.RWMutex{}
	e.mu.Unlock()
	e.logger.Info("market created", zap.String("market", cfg.Key.String()))
	return nil
}

// UpdateMarketConfig replaces a market's parameter set. Requires a live
// capability scoped to that market.
func (e *Engine) UpdateMarketConfig(ctx context.Context, mcap *admin.MarketCap, cfg *model.MarketConfig) error {
	if !e.registry.Holds(mcap, cfg.Key) {
		return perrors.ErrCapabilityUnknown
	}
	lk, err := e.marketLock(cfg.Key)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()
	return e.repo.SaveMarketConfig(ctx, cfg)
}

// SetPaused pauses or restarts a market.
func (e *Engine) SetPaused(ctx context.Context, mcap *admin.MarketCap, key model.MarketKey, paused bool) error {
	if !e.registry.Holds(mcap, key) {
		return perrors.ErrCapabilityUnknown
	}
	lk, err := e.marketLock(key)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()
	cfg, err := e.repo.GetMarketConfig(ctx, key)
	if err != nil {
		return err
	}
	cfg.Paused = paused
	return e.repo.SaveMarketConfig(ctx, cfg)
}

func (e *Engine) marketLock(key model.MarketKey) (*sync.RWMutex, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lk, ok := e.locks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrMarketNotFound, key)
	}
	return lk, nil
}

// GetPosition is a read-only position lookup.
func (e *Engine) GetPosition(ctx context.Context, key model.MarketKey, owner uuid.UUID, side string) (*model.Position, error) {
	lk, err := e.marketLock(key)
	if err != nil {
		return nil, err
	}
	lk.RLock()
	defer lk.RUnlock()
	return e.repo.GetPosition(ctx, key, owner, side)
}

// ListOrders returns the pending order queue for a market in id order.
func (e *Engine) ListOrders(ctx context.Context, key model.MarketKey) ([]*model.Order, error) {
	lk, err := e.marketLock(key)
	if err != nil {
		return nil, err
	}
	lk.RLock()
	defer lk.RUnlock()
	return e.repo.ListOrders(ctx, key)
}

// ListMarkets returns every initialized market key.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.MarketKey, error) {
	return e.repo.ListMarkets(ctx)
}

// authorize accepts the owner or a registered delegate signer.
func (e *Engine) authorize(ctx context.Context, owner, signer uuid.UUID) error {
	if signer == uuid.Nil || signer == owner {
		return nil
	}
	ok, err := e.delegates.IsRegistered(ctx, owner, signer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: signer %s for owner %s", perrors.ErrUnauthorized, signer, owner)
	}
	return nil
}

// positionOrEmpty returns the live position or a fresh flat record.
func (e *Engine) positionOrEmpty(ctx context.Context, key model.MarketKey, owner uuid.UUID, side string) (*model.Position, error) {
	pos, err := e.repo.GetPosition(ctx, key, owner, side)
	if err != nil {
		if stderrors.Is(err, perrors.ErrPositionNotFound) {
			return &model.Position{Market: key, Owner: owner, Side: side}, nil
		}
		return nil, err
	}
	return pos, nil
}

func (e *Engine) updatePoolGauges(collateral string) {
	v, err := e.Vault(collateral)
	if err != nil {
		return
	}
	bal, _ := v.Balance().Float64()
	mdd, _ := v.MDD().Float64()
	e.metrics.PoolBalance.WithLabelValues(collateral).Set(bal)
	e.metrics.PoolMDD.WithLabelValues(collateral).Set(mdd)
}
