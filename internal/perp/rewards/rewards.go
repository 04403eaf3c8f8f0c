// Package rewards declares the external settlement-time integrations: the
// fee sink, the reward/XP hooks and the delegate signer registry. All hooks
// run synchronously inside the settlement's atomic unit; a hook failure is
// fatal to the whole settlement.
package rewards

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeDistributor receives every entry, exit, execution and vault fee.
// Rebate and referral accounting behind it is out of scope.
type FeeDistributor interface {
	DepositFeeWithRebate(ctx context.Context, asset string, amount decimal.Decimal, trader uuid.UUID) error
}

// Hooks is the gamification surface consumed during settlement.
type Hooks interface {
	FeeDiscount(ctx context.Context, trader uuid.UUID, pair string) (decimal.Decimal, error)
	RewardBoost(ctx context.Context, trader uuid.UUID, pair string) (decimal.Decimal, error)
	MintReward(ctx context.Context, trader uuid.UUID, amount decimal.Decimal) error
	IncreaseXP(ctx context.Context, trader uuid.UUID, pair string, amount decimal.Decimal) error
}

// DelegateRegistry answers whether a signer may act for a trader and moves
// funds between the trader's wallet and the trading escrow.
type DelegateRegistry interface {
	IsRegistered(ctx context.Context, trader, signer uuid.UUID) (bool, error)
	WithdrawToTrading(ctx context.Context, trader uuid.UUID, asset string, amount decimal.Decimal) error
	DepositFromTrading(ctx context.Context, trader uuid.UUID, asset string, amount decimal.Decimal) error
}

// NopFeeDistributor accumulates fees in memory. Default wiring for tests
// and single-node runs without the external distributor.
type NopFeeDistributor struct {
	mu    sync.Mutex
	total map[string]decimal.Decimal
}

func NewNopFeeDistributor() *NopFeeDistributor {
	return &NopFeeDistributor{total: make(map[string]decimal.Decimal)}
}

func (d *NopFeeDistributor) DepositFeeWithRebate(_ context.Context, asset string, amount decimal.Decimal, _ uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total[asset] = d.total[asset].Add(amount)
	return nil
}

// Collected returns the fees accumulated for an asset.
func (d *NopFeeDistributor) Collected(asset string) decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total[asset]
}

// NopHooks grants no discount, no boost, and swallows rewards and XP.
type NopHooks struct{}

func (NopHooks) FeeDiscount(context.Context, uuid.UUID, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (NopHooks) RewardBoost(context.Context, uuid.UUID, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (NopHooks) MintReward(context.Context, uuid.UUID, decimal.Decimal) error { return nil }

func (NopHooks) IncreaseXP(context.Context, uuid.UUID, string, decimal.Decimal) error { return nil }

// OpenDelegateRegistry treats every signer as registered and performs fund
// movement as pure bookkeeping. Suitable only where custody is external.
type OpenDelegateRegistry struct{}

func (OpenDelegateRegistry) IsRegistered(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}

func (OpenDelegateRegistry) WithdrawToTrading(context.Context, uuid.UUID, string, decimal.Decimal) error {
	return nil
}

func (OpenDelegateRegistry) DepositFromTrading(context.Context, uuid.UUID, string, decimal.Decimal) error {
	return nil
}
