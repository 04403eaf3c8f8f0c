package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

const trancheWindow = 24 * time.Hour

// RegisterRedeemPlan escrows a fixed share amount into a redemption plan.
// One plan per owner per vault; the escrowed shares leave the owner's
// balance immediately.
func (v *Vault) RegisterRedeemPlan(owner uuid.UUID, shares decimal.Decimal) (*model.RedeemPlan, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.plans[owner]; ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrPlanExists, owner)
	}
	if shares.LessThanOrEqual(decimal.Zero) || v.shares[owner].LessThan(shares) {
		return nil, fmt.Errorf("%w: have %s, want %s", perrors.ErrInsufficientShares, v.shares[owner], shares)
	}

	v.shares[owner] = v.shares[owner].Sub(shares)
	plan := &model.RedeemPlan{
		Owner:           owner,
		Collateral:      v.cfg.Collateral,
		InitialShares:   shares,
		RemainingShares: shares,
		StartedAt:       v.clock.Now(),
	}
	v.plans[owner] = plan

	v.logger.Info("redeem plan registered",
		zap.String("owner", owner.String()),
		zap.String("shares", shares.String()),
	)
	return plan, nil
}

// Redeem releases the next eligible tranche: one of WithdrawDivision equal
// slices per elapsed 24h window, the final tranche sweeping the rounding
// remainder. Shares convert at the share price of redemption time, minus
// the withdrawal fee. Returns the collateral paid out.
func (v *Vault) Redeem(ctx context.Context, owner uuid.UUID) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	plan, ok := v.plans[owner]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", perrors.ErrPlanNotFound, owner)
	}
	if v.hardBrokenLocked() {
		return decimal.Zero, perrors.ErrHardBreaker
	}

	elapsed := v.clock.Now().Sub(plan.StartedAt)
	eligible := int(elapsed/trancheWindow) + 1
	if eligible > v.cfg.WithdrawDivision {
		eligible = v.cfg.WithdrawDivision
	}
	if plan.TranchesRedeemed >= eligible {
		return decimal.Zero, fmt.Errorf("%w: tranche %d of %d, next window not yet open",
			perrors.ErrRedeemTooEarly, plan.TranchesRedeemed, v.cfg.WithdrawDivision)
	}

	division := decimal.NewFromInt(int64(v.cfg.WithdrawDivision))
	trancheShares := plan.InitialShares.Div(division).Truncate(sharePrecision)
	if plan.TranchesRedeemed == v.cfg.WithdrawDivision-1 {
		trancheShares = plan.RemainingShares
	}
	if trancheShares.GreaterThan(plan.RemainingShares) {
		trancheShares = plan.RemainingShares
	}

	gross := trancheShares.Mul(v.sharePriceLocked())
	fee := gross.Mul(v.cfg.WithdrawFeeRate)
	payout := gross.Sub(fee)

	if fee.IsPositive() {
		if err := v.fees.DepositFeeWithRebate(ctx, v.cfg.Collateral, fee, owner); err != nil {
			return decimal.Zero, err
		}
	}

	v.supply = v.supply.Sub(trancheShares)
	v.balance = v.balance.Sub(gross)
	plan.RemainingShares = plan.RemainingShares.Sub(trancheShares)
	plan.TranchesRedeemed++
	plan.WithdrawnAmount = plan.WithdrawnAmount.Add(payout)

	done := plan.RemainingShares.IsZero() || plan.TranchesRedeemed >= v.cfg.WithdrawDivision
	if done {
		delete(v.plans, owner)
	}
	v.touchWatermarkLocked()

	v.logger.Info("redeem tranche",
		zap.String("owner", owner.String()),
		zap.Int("tranche", plan.TranchesRedeemed),
		zap.String("shares", trancheShares.String()),
		zap.String("payout", payout.String()),
		zap.Bool("complete", done),
	)
	return payout, nil
}

// CancelRedeemPlan destroys the plan and returns all un-redeemed shares to
// the owner's balance. Already-claimed tranches stay withdrawn.
func (v *Vault) CancelRedeemPlan(owner uuid.UUID) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	plan, ok := v.plans[owner]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", perrors.ErrPlanNotFound, owner)
	}
	returned := plan.RemainingShares
	v.shares[owner] = v.shares[owner].Add(returned)
	delete(v.plans, owner)

	v.logger.Info("redeem plan cancelled",
		zap.String("owner", owner.String()),
		zap.String("returned_shares", returned.String()),
	)
	return returned, nil
}

// Plan returns the owner's active redemption plan, if any.
func (v *Vault) Plan(owner uuid.UUID) (*model.RedeemPlan, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	plan, ok := v.plans[owner]
	return plan, ok
}
