package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/accrual"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
	"github.com/merkle-trade/perp-engine/internal/perp/risk"
	"github.com/merkle-trade/perp-engine/internal/perp/vault"
)

// ExecutionResult reports how an execution attempt resolved. Exactly one of
// Executed or Cancelled is true on a nil error; soft failures cancel the
// order with a reason instead of erroring so the keeper never retries them.
type ExecutionResult struct {
	Executed  bool
	Cancelled bool
	Reason    perrors.CancelReason
	ExecPrice decimal.Decimal
	Position  *model.Position
}

// ExecuteOrder settles a pending order against the current oracle price.
// Hard failures (unknown order, stale price, storage) leave the order
// pending; soft failures cancel it and refund the escrow.
func (e *Engine) ExecuteOrder(ctx context.Context, key model.MarketKey, orderID uint64) (*ExecutionResult, error) {
	lk, err := e.marketLock(key)
	if err != nil {
		return nil, err
	}
	lk.Lock()
	defer lk.Unlock()
	defer e.observeSettlement()()

	order, err := e.repo.GetOrder(ctx, key, orderID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.repo.GetMarketConfig(ctx, key)
	if err != nil {
		return nil, err
	}
	if cfg.Paused {
		// The order stays pending; unpausing resumes settlement.
		return nil, fmt.Errorf("%w: %s", perrors.ErrMarketPaused, key)
	}
	st, err := e.repo.GetMarketState(ctx, key)
	if err != nil {
		return nil, err
	}
	refPrice, err := e.feed.GetPrice(ctx, key.Pair)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if order.IsMarket && cfg.MarketOrderTimeout > 0 && now.Sub(order.CreatedAt) > cfg.MarketOrderTimeout {
		return e.cancelResult(ctx, order, perrors.ReasonMarketOrderExpired)
	}

	v, err := e.Vault(key.Collateral)
	if err != nil {
		return nil, err
	}
	if v.HardBroken() || (order.IsIncrease && v.SoftBroken()) {
		return e.cancelResult(ctx, order, perrors.ReasonBreakerTripped)
	}

	accrual.Accrue(cfg, st, now)

	execPrice := impactPrice(cfg, st, order.Side, order.IsIncrease, order.SizeDelta, refPrice)
	if !executableAt(order, execPrice) {
		if order.IsMarket {
			// Slippage guard violated; market orders never wait.
			return e.cancelResult(ctx, order, perrors.ReasonPriceUnexecutable)
		}
		return nil, fmt.Errorf("%w: exec %s vs limit %s", perrors.ErrPriceNotReached, execPrice, order.Price)
	}

	if order.IsIncrease {
		return e.settleIncrease(ctx, cfg, st, v, order, execPrice)
	}
	return e.settleDecrease(ctx, cfg, st, v, order, execPrice)
}

func (e *Engine) cancelResult(ctx context.Context, order *model.Order, reason perrors.CancelReason) (*ExecutionResult, error) {
	if err := e.cancelLocked(ctx, order, reason); err != nil {
		return nil, err
	}
	return &ExecutionResult{Cancelled: true, Reason: reason}, nil
}

// settleIncrease commits a size-increasing order: risk fees settle against
// the pool, the entry fee is taken on the executed size, and the position is
// grown at the volume-weighted entry price. The escrowed collateral is
// already in trading custody, so only the pool leg and the fee leg move
// funds here.
func (e *Engine) settleIncrease(ctx context.Context, cfg *model.MarketConfig, st *model.MarketState, v *vault.Vault, order *model.Order, execPrice decimal.Decimal) (*ExecutionResult, error) {
	pos, err := e.positionOrEmpty(ctx, order.Market, order.Owner, order.Side)
	if err != nil {
		return nil, err
	}

	// Caps re-checked at execution time: other flow may have landed since
	// placement.
	if err := risk.CheckOpenInterestCap(cfg, st, order.Side, order.SizeDelta); err != nil {
		return e.cancelResult(ctx, order, perrors.ReasonCapExceeded)
	}
	if err := risk.CheckSkewCap(cfg, st, order.Side, true, order.SizeDelta); err != nil {
		return e.cancelResult(ctx, order, perrors.ReasonCapExceeded)
	}

	owed := accrual.OwedRiskFee(st, pos)
	discount, err := e.hooks.FeeDiscount(ctx, order.Owner, order.Market.Pair)
	if err != nil {
		return nil, err
	}
	rate := accrual.FeeRate(cfg, st, order.Side, true, order.SizeDelta)
	entryFee := order.SizeDelta.Mul(rate).Mul(one.Sub(discount))

	newCollateral := pos.Collateral.Add(order.CollateralDelta).Sub(owed).Sub(entryFee)
	if newCollateral.LessThanOrEqual(decimal.Zero) {
		return e.cancelResult(ctx, order, perrors.ReasonInsufficientCollateral)
	}

	// Auto-trim: if the fee netting pushed leverage past the cap, shrink the
	// size delta instead of rejecting the whole order.
	newSize := pos.Size.Add(order.SizeDelta)
	maxSize := newCollateral.Mul(cfg.MaxLeverage)
	if newSize.GreaterThan(maxSize) {
		newSize = maxSize
	}
	actualDelta := newSize.Sub(pos.Size)
	if actualDelta.LessThanOrEqual(decimal.Zero) {
		return e.cancelResult(ctx, order, perrors.ReasonInsufficientCollateral)
	}

	// Pool leg first: if the breaker post-condition rejects it, nothing has
	// mutated and the order stays pending.
	if err := e.settlePool(v, owed); err != nil {
		return nil, err
	}

	totalFee := entryFee.Add(cfg.ExecutionFee)
	if totalFee.IsPositive() {
		if err := e.fees.DepositFeeWithRebate(ctx, order.Market.Collateral, totalFee, order.Owner); err != nil {
			return nil, err
		}
	}
	if err := e.settleRewards(ctx, order.Owner, order.Market.Pair, actualDelta, entryFee); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	oldSize := pos.Size
	if pos.LinkedID != order.PositionID {
		pos.LinkedID = order.PositionID
	}
	pos.AvgEntryPrice = weightedEntry(pos.Size, pos.AvgEntryPrice, actualDelta, execPrice)
	pos.Size = newSize
	pos.Collateral = newCollateral
	pos.StopLoss = order.StopLoss
	pos.TakeProfit = capTakeProfit(cfg, order.Side, pos.AvgEntryPrice, pos.Size, pos.Collateral, order.TakeProfit)
	accrual.Snapshot(st, pos, now)
	st.AddOpenInterest(order.Side, actualDelta)

	if err := e.repo.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := e.repo.SaveMarketState(ctx, st); err != nil {
		return nil, err
	}
	if err := e.repo.DeleteOrder(ctx, order.Market, order.ID); err != nil {
		return nil, err
	}

	tag := model.EventPositionUpdate
	if oldSize.IsZero() {
		tag = model.EventPositionOpen
	}
	e.journal.Append(model.PositionEvent{
		Type:       tag,
		Market:     order.Market,
		Owner:      order.Owner,
		Side:       order.Side,
		OrderID:    order.ID,
		Size:       pos.Size,
		Collateral: pos.Collateral,
		Price:      execPrice,
		Time:       now,
	})
	e.metrics.OrdersExecuted.WithLabelValues(order.Market.Pair, order.Side).Inc()
	e.updatePoolGauges(order.Market.Collateral)

	return &ExecutionResult{Executed: true, ExecPrice: execPrice, Position: pos}, nil
}

// settleDecrease commits a size-decreasing order: realized PnL and accrued
// risk fees settle against the pool, the freed collateral plus the settled
// amount minus the exit fee returns to the trader.
func (e *Engine) settleDecrease(ctx context.Context, cfg *model.MarketConfig, st *model.MarketState, v *vault.Vault, order *model.Order, execPrice decimal.Decimal) (*ExecutionResult, error) {
	pos, err := e.positionOrEmpty(ctx, order.Market, order.Owner, order.Side)
	if err != nil {
		return nil, err
	}
	if pos.IsFlat() || order.SizeDelta.GreaterThan(pos.Size) {
		return e.cancelResult(ctx, order, perrors.ReasonOversizedDecrease)
	}

	d, err := e.computeDecrease(ctx, cfg, st, pos, order.SizeDelta, execPrice, false)
	if err != nil {
		return nil, err
	}

	// A partial close must leave an admissible residual. Checked before any
	// transfer so the position is untouched on failure.
	if !d.remSize.IsZero() {
		if err := risk.ValidateDecrease(cfg, d.remSize, d.remCollateral); err != nil {
			return e.cancelResult(ctx, order, perrors.ReasonInsufficientCollateral)
		}
	}

	if err := e.applyDecrease(ctx, cfg, st, v, pos, order, d, execPrice, model.EventPositionClose); err != nil {
		return nil, err
	}
	e.metrics.OrdersExecuted.WithLabelValues(order.Market.Pair, order.Side).Inc()
	return &ExecutionResult{Executed: true, ExecPrice: execPrice, Position: pos}, nil
}

// decreaseOutcome is the fully computed settlement of a close before any
// funds move.
type decreaseOutcome struct {
	closeSize        decimal.Decimal
	closedCollateral decimal.Decimal
	remSize          decimal.Decimal
	remCollateral    decimal.Decimal
	pnl              decimal.Decimal // raw realized pnl over the closed size
	settle           decimal.Decimal // pnl minus risk fees, capped both ways
	feeShortfall     decimal.Decimal // risk fee charged to the remaining collateral
	exitFee          decimal.Decimal
	payout           decimal.Decimal // returned to the trader
}

// computeDecrease derives the settlement amounts for closing closeSize at
// execPrice. Profit is capped at MaxProfitRate times the freed collateral
// and loss at the freed collateral itself, so the trader can never owe the
// pool more than the position held. suppressProfit zeroes a positive pnl
// before capping, used by the forced-exit cooldown check.
func (e *Engine) computeDecrease(ctx context.Context, cfg *model.MarketConfig, st *model.MarketState, pos *model.Position, closeSize, execPrice decimal.Decimal, suppressProfit bool) (*decreaseOutcome, error) {
	d := &decreaseOutcome{
		closeSize:        closeSize,
		closedCollateral: releasedCollateral(pos, closeSize),
		remSize:          pos.Size.Sub(closeSize),
	}
	d.remCollateral = pos.Collateral.Sub(d.closedCollateral)

	owed := accrual.OwedRiskFee(st, pos)
	d.pnl = positionPnL(pos, closeSize, execPrice)
	pnl := d.pnl
	if suppressProfit && pnl.IsPositive() {
		pnl = decimal.Zero
	}
	d.settle = pnl.Sub(owed)

	maxProfit := cfg.MaxProfitRate.Mul(d.closedCollateral)
	if d.settle.GreaterThan(maxProfit) {
		d.settle = maxProfit
	}
	lossFloor := d.closedCollateral.Neg()
	if d.settle.LessThan(lossFloor) {
		// The owed risk fee accrued over the whole position; whatever the
		// freed collateral cannot cover comes out of the remaining
		// collateral, so a partial close never sheds accrued debt. The
		// accrual snapshot reset in applyDecrease is only sound because of
		// this.
		shortfall := lossFloor.Sub(d.settle)
		if shortfall.GreaterThan(d.remCollateral) {
			shortfall = d.remCollateral
		}
		d.remCollateral = d.remCollateral.Sub(shortfall)
		d.feeShortfall = shortfall
		d.settle = lossFloor
	}

	discount, err := e.hooks.FeeDiscount(ctx, pos.Owner, pos.Market.Pair)
	if err != nil {
		return nil, err
	}
	rate := accrual.FeeRate(cfg, st, pos.Side, false, closeSize)
	d.exitFee = closeSize.Mul(rate).Mul(one.Sub(discount))

	// The exit fee never digs past what the close actually frees.
	available := d.closedCollateral.Add(d.settle)
	if available.IsNegative() {
		available = decimal.Zero
	}
	if d.exitFee.GreaterThan(available) {
		d.exitFee = available
	}

	d.payout = d.closedCollateral.Add(d.settle).Sub(d.exitFee)
	if d.payout.IsNegative() {
		d.payout = decimal.Zero
	}
	return d, nil
}

// applyDecrease moves the settled funds and commits the shrunken position.
// closeTag is the journal tag used when the close empties the position.
func (e *Engine) applyDecrease(ctx context.Context, cfg *model.MarketConfig, st *model.MarketState, v *vault.Vault, pos *model.Position, order *model.Order, d *decreaseOutcome, execPrice decimal.Decimal, closeTag string) error {
	// Pool leg first: a breaker post-condition failure aborts before any
	// position mutation. The pool collects the capped settle plus any fee
	// shortfall taken from the remaining collateral.
	if err := e.settlePool(v, d.settle.Neg().Add(d.feeShortfall)); err != nil {
		return err
	}

	// Forced exits carry no escrowed execution fee; only ordered closes do.
	totalFee := d.exitFee
	if order != nil {
		totalFee = totalFee.Add(cfg.ExecutionFee)
	}
	if totalFee.IsPositive() {
		if err := e.fees.DepositFeeWithRebate(ctx, pos.Market.Collateral, totalFee, pos.Owner); err != nil {
			return err
		}
	}
	if d.payout.IsPositive() {
		if err := e.delegates.DepositFromTrading(ctx, pos.Owner, pos.Market.Collateral, d.payout); err != nil {
			return err
		}
	}

	now := e.clock.Now()
	pos.Size = d.remSize
	pos.Collateral = d.remCollateral
	if pos.Size.IsZero() {
		pos.Collateral = decimal.Zero
		pos.AvgEntryPrice = decimal.Zero
		pos.StopLoss = decimal.Zero
		pos.TakeProfit = decimal.Zero
	} else {
		pos.TakeProfit = capTakeProfit(cfg, pos.Side, pos.AvgEntryPrice, pos.Size, pos.Collateral, pos.TakeProfit)
	}
	accrual.Snapshot(st, pos, now)
	st.AddOpenInterest(pos.Side, d.closeSize.Neg())

	if err := e.repo.SavePosition(ctx, pos); err != nil {
		return err
	}
	if err := e.repo.SaveMarketState(ctx, st); err != nil {
		return err
	}
	var orderID uint64
	if order != nil {
		orderID = order.ID
		if err := e.repo.DeleteOrder(ctx, order.Market, order.ID); err != nil {
			return err
		}
	}

	tag := model.EventPositionUpdate
	if pos.Size.IsZero() {
		tag = closeTag
	}
	e.journal.Append(model.PositionEvent{
		Type:       tag,
		Market:     pos.Market,
		Owner:      pos.Owner,
		Side:       pos.Side,
		OrderID:    orderID,
		Size:       d.closeSize,
		Collateral: d.closedCollateral,
		Price:      execPrice,
		PnL:        d.settle,
		Time:       now,
	})
	e.updatePoolGauges(pos.Market.Collateral)
	return nil
}

// settlePool routes the trader-owed amount to the pool: positive absorbs a
// trader loss, negative pays out a trader profit.
func (e *Engine) settlePool(v *vault.Vault, owed decimal.Decimal) error {
	switch {
	case owed.IsPositive():
		return v.Absorb(e.settleCap, owed)
	case owed.IsNegative():
		return v.PayOut(e.settleCap, owed.Neg())
	default:
		return nil
	}
}

func (e *Engine) settleRewards(ctx context.Context, owner uuid.UUID, pair string, sizeDelta, fee decimal.Decimal) error {
	if err := e.hooks.IncreaseXP(ctx, owner, pair, sizeDelta); err != nil {
		return err
	}
	boost, err := e.hooks.RewardBoost(ctx, owner, pair)
	if err != nil {
		return err
	}
	reward := fee.Mul(boost)
	if reward.IsPositive() {
		return e.hooks.MintReward(ctx, owner, reward)
	}
	return nil
}

// weightedEntry blends the existing entry price with the executed delta.
func weightedEntry(oldSize, oldAvg, delta, execPrice decimal.Decimal) decimal.Decimal {
	total := oldSize.Add(delta)
	if total.IsZero() {
		return execPrice
	}
	return oldSize.Mul(oldAvg).Add(delta.Mul(execPrice)).Div(total)
}
