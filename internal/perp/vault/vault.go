// Package vault implements the pooled house counterparty: LP share
// accounting against pool NAV, the drawdown circuit breaker, and the
// tranche-based redemption schedule.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/admin"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
	"github.com/merkle-trade/perp-engine/internal/perp/rewards"
)

var one = decimal.NewFromInt(1)

// Config is the per-collateral vault parameter set.
type Config struct {
	Collateral    string `json:"collateral" yaml:"collateral"`
	LPTokenSymbol string `json:"lp_token_symbol" yaml:"lp_token_symbol"`

	// WithdrawDivision is the number of daily redemption tranches.
	WithdrawDivision int `json:"withdraw_division" yaml:"withdraw_division"`

	MinDeposit decimal.Decimal `json:"min_deposit" yaml:"min_deposit"`

	// SoftMDDThreshold blocks size-increasing trades; HardMDDThreshold
	// blocks essentially all pool-affecting operations.
	SoftMDDThreshold decimal.Decimal `json:"soft_mdd_threshold" yaml:"soft_mdd_threshold"`
	HardMDDThreshold decimal.Decimal `json:"hard_mdd_threshold" yaml:"hard_mdd_threshold"`

	DepositFeeRate  decimal.Decimal `json:"deposit_fee_rate" yaml:"deposit_fee_rate"`
	WithdrawFeeRate decimal.Decimal `json:"withdraw_fee_rate" yaml:"withdraw_fee_rate"`
}

// DefaultConfig returns the vault parameters used when the operator
// configures nothing else.
func DefaultConfig(collateral string) Config {
	return Config{
		Collateral:       collateral,
		LPTokenSymbol:    "HLP-" + collateral,
		WithdrawDivision: 5,
		MinDeposit:       decimal.NewFromInt(1),
		SoftMDDThreshold: decimal.NewFromFloat(0.10),
		HardMDDThreshold: decimal.NewFromFloat(0.20),
		DepositFeeRate:   decimal.Zero,
		WithdrawFeeRate:  decimal.Zero,
	}
}

// Vault is the house LP pool for one collateral asset.
type Vault struct {
	mu     sync.RWMutex
	logger *zap.Logger
	clock  model.Clock
	fees   rewards.FeeDistributor

	registry *admin.Registry

	cfg Config

	balance decimal.Decimal // pool NAV in collateral units
	supply  decimal.Decimal // outstanding LP shares

	// watermark is the historical share-price high; zero means unset. It is
	// monotone non-decreasing except when reset by a new high.
	watermark decimal.Decimal

	shares map[uuid.UUID]decimal.Decimal
	plans  map[uuid.UUID]*model.RedeemPlan
}

// New builds a vault. The registry gates the privileged settlement transfer
// methods: only a capability it issued may move pool funds.
func New(logger *zap.Logger, clock model.Clock, fees rewards.FeeDistributor, registry *admin.Registry, cfg Config) *Vault {
	if cfg.WithdrawDivision <= 0 {
		cfg.WithdrawDivision = 5
	}
	return &Vault{
		logger:   logger.Named("vault").With(zap.String("collateral", cfg.Collateral)),
		clock:    clock,
		fees:     fees,
		registry: registry,
		cfg:      cfg,
		shares:   make(map[uuid.UUID]decimal.Decimal),
		plans:    make(map[uuid.UUID]*model.RedeemPlan),
	}
}

// Config returns a copy of the vault configuration.
func (v *Vault) Config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// Deposit escrows collateral and mints shares proportional to the pool's
// pre-deposit NAV, 1:1 when the pool is empty. Mints that round to zero are
// rejected rather than silently donating the deposit to existing LPs.
func (v *Vault) Deposit(ctx context.Context, owner uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount.LessThan(v.cfg.MinDeposit) {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", perrors.ErrBelowMinDeposit, amount, v.cfg.MinDeposit)
	}
	if v.hardBrokenLocked() {
		return decimal.Zero, perrors.ErrHardBreaker
	}

	fee := amount.Mul(v.cfg.DepositFeeRate)
	net := amount.Sub(fee)

	var minted decimal.Decimal
	if v.supply.IsZero() {
		minted = net
	} else {
		minted = net.Div(v.balance).Mul(v.supply).Truncate(sharePrecision)
	}
	if minted.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s against balance %s", perrors.ErrDustDeposit, net, v.balance)
	}

	if fee.IsPositive() {
		if err := v.fees.DepositFeeWithRebate(ctx, v.cfg.Collateral, fee, owner); err != nil {
			return decimal.Zero, err
		}
	}

	v.balance = v.balance.Add(net)
	v.supply = v.supply.Add(minted)
	v.shares[owner] = v.shares[owner].Add(minted)
	v.touchWatermarkLocked()

	v.logger.Info("lp deposit",
		zap.String("owner", owner.String()),
		zap.String("amount", amount.String()),
		zap.String("minted", minted.String()),
		zap.String("share_price", v.sharePriceLocked().String()),
	)
	return minted, nil
}

// sharePrecision bounds minted-share granularity so proportional mints of
// tiny deposits against a large pool round to zero and get rejected.
const sharePrecision = 8

// SharePrice is pool balance over share supply, zero with no supply.
func (v *Vault) SharePrice() decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sharePriceLocked()
}

func (v *Vault) sharePriceLocked() decimal.Decimal {
	if v.supply.IsZero() {
		return decimal.Zero
	}
	return v.balance.Div(v.supply)
}

func (v *Vault) touchWatermarkLocked() {
	price := v.sharePriceLocked()
	if price.GreaterThan(v.watermark) {
		v.watermark = price
	}
}

// MDD is the fractional decline of the share price from its historical
// high: zero with no supply or an unset watermark, otherwise in [0, 1].
func (v *Vault) MDD() decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mddLocked()
}

func (v *Vault) mddLocked() decimal.Decimal {
	if v.supply.IsZero() || v.watermark.IsZero() {
		return decimal.Zero
	}
	dd := v.watermark.Sub(v.sharePriceLocked()).Div(v.watermark)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// SoftBroken reports whether the soft breaker blocks size-increasing trades.
func (v *Vault) SoftBroken() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mddLocked().GreaterThanOrEqual(v.cfg.SoftMDDThreshold)
}

// HardBroken reports whether the hard breaker blocks pool-affecting
// operations.
func (v *Vault) HardBroken() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.hardBrokenLocked()
}

func (v *Vault) hardBrokenLocked() bool {
	return v.mddLocked().GreaterThanOrEqual(v.cfg.HardMDDThreshold)
}

// Balance returns the pool NAV.
func (v *Vault) Balance() decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balance
}

// Supply returns outstanding LP shares.
func (v *Vault) Supply() decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.supply
}

// SharesOf returns an owner's unescrowed LP share balance.
func (v *Vault) SharesOf(owner uuid.UUID) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.shares[owner]
}

func (v *Vault) checkSettleCap(sc *admin.SettleCap) error {
	if !v.registry.HoldsSettle(sc) {
		return perrors.ErrCapabilityUnknown
	}
	return nil
}

// Absorb moves a trader loss into the pool. Settlement-engine only. The
// hard breaker is re-checked as a post-condition; a settlement that newly
// trips it is rolled back and aborted.
func (v *Vault) Absorb(sc *admin.SettleCap, amount decimal.Decimal) error {
	if err := v.checkSettleCap(sc); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("absorb amount must be non-negative: %s", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applyLocked(amount)
}

// PayOut moves a trader profit out of the pool. Settlement-engine only,
// same post-condition as Absorb.
func (v *Vault) PayOut(sc *admin.SettleCap, amount decimal.Decimal) error {
	if err := v.checkSettleCap(sc); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("payout amount must be non-negative: %s", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applyLocked(amount.Neg())
}

func (v *Vault) applyLocked(delta decimal.Decimal) error {
	preTripped := v.hardBrokenLocked()
	prev := v.balance
	v.balance = v.balance.Add(delta)
	if v.balance.IsNegative() {
		v.balance = prev
		return fmt.Errorf("%w: pool balance %s cannot cover %s", perrors.ErrHardBreaker, prev, delta.Neg())
	}
	v.touchWatermarkLocked()
	if !preTripped && v.hardBrokenLocked() {
		v.balance = prev
		return fmt.Errorf("%w: settlement would push drawdown past %s", perrors.ErrHardBreaker, v.cfg.HardMDDThreshold)
	}
	return nil
}
