package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/accrual"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
	"github.com/merkle-trade/perp-engine/internal/perp/risk"
)

// PlaceOrderRequest carries everything a trader (or registered delegate)
// submits to open a pending order.
type PlaceOrderRequest struct {
	Market model.MarketKey
	Owner  uuid.UUID
	// Signer may differ from Owner only when registered as a delegate.
	Signer uuid.UUID

	Side       string
	IsIncrease bool
	IsMarket   bool
	// CanExecuteAbove selects which side of the requested price the order
	// tolerates at execution.
	CanExecuteAbove bool

	SizeDelta       decimal.Decimal
	CollateralDelta decimal.Decimal
	Price           decimal.Decimal

	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// PlaceOrder validates and queues an order. For increase orders the
// collateral (plus execution fee) is escrowed before validation completes;
// escrow and validation form one atomic unit, so a validation failure always
// unwinds the deposit.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	lk, err := e.marketLock(req.Market)
	if err != nil {
		return nil, err
	}
	lk.Lock()
	defer lk.Unlock()
	defer e.observeSettlement()()

	cfg, err := e.repo.GetMarketConfig(ctx, req.Market)
	if err != nil {
		return nil, err
	}
	if cfg.Paused {
		return nil, fmt.Errorf("%w: %s", perrors.ErrMarketPaused, req.Market)
	}
	if err := e.authorize(ctx, req.Owner, req.Signer); err != nil {
		return nil, err
	}

	v, err := e.Vault(req.Market.Collateral)
	if err != nil {
		return nil, err
	}
	if v.HardBroken() {
		return nil, perrors.ErrHardBreaker
	}
	if req.IsIncrease && v.SoftBroken() {
		return nil, perrors.ErrSoftBreaker
	}

	if req.Price.LessThanOrEqual(decimal.Zero) {
		return nil, perrors.ErrZeroPrice
	}
	if req.SizeDelta.IsNegative() || req.CollateralDelta.IsNegative() {
		return nil, perrors.ErrEmptyOrder
	}
	if req.SizeDelta.IsZero() && req.CollateralDelta.IsZero() {
		return nil, perrors.ErrEmptyOrder
	}

	st, err := e.repo.GetMarketState(ctx, req.Market)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	accrual.Accrue(cfg, st, now)

	pos, err := e.positionOrEmpty(ctx, req.Market, req.Owner, req.Side)
	if err != nil {
		return nil, err
	}

	// Escrow first for increase orders; every rejection below must refund.
	escrow := cfg.ExecutionFee
	if req.IsIncrease {
		escrow = escrow.Add(req.CollateralDelta)
	}
	if escrow.IsPositive() {
		if err := e.delegates.WithdrawToTrading(ctx, req.Owner, req.Market.Collateral, escrow); err != nil {
			return nil, fmt.Errorf("%w: %v", perrors.ErrEscrowFailed, err)
		}
	}
	refund := func() {
		if escrow.IsPositive() {
			if err := e.delegates.DepositFromTrading(ctx, req.Owner, req.Market.Collateral, escrow); err != nil {
				e.logger.Error("escrow refund failed",
					zap.String("owner", req.Owner.String()),
					zap.String("amount", escrow.String()),
					zap.Error(err))
			}
		}
	}

	if err := e.validatePlacement(ctx, cfg, st, pos, &req); err != nil {
		refund()
		return nil, err
	}

	// A fresh linking id is only minted when the slot is flat.
	positionID := pos.LinkedID
	if pos.IsFlat() {
		positionID = uuid.New()
	}

	order := &model.Order{
		ID:              st.NextOrderID,
		Market:          req.Market,
		Owner:           req.Owner,
		Side:            req.Side,
		IsIncrease:      req.IsIncrease,
		IsMarket:        req.IsMarket,
		CanExecuteAbove: req.CanExecuteAbove,
		SizeDelta:       req.SizeDelta,
		CollateralDelta: req.CollateralDelta,
		Price:           req.Price,
		StopLoss:        req.StopLoss,
		TakeProfit:      req.TakeProfit,
		EscrowedAmount:  escrow,
		PositionID:      positionID,
		CreatedAt:       now,
	}
	st.NextOrderID++

	if err := e.repo.CreateOrder(ctx, order); err != nil {
		refund()
		return nil, err
	}
	if err := e.repo.SaveMarketState(ctx, st); err != nil {
		return nil, err
	}

	e.journal.Append(model.PositionEvent{
		Type:       model.EventOrderPlaced,
		Market:     req.Market,
		Owner:      req.Owner,
		Side:       req.Side,
		OrderID:    order.ID,
		Size:       req.SizeDelta,
		Collateral: req.CollateralDelta,
		Price:      req.Price,
		Time:       now,
	})
	e.metrics.OrdersPlaced.WithLabelValues(req.Market.Pair, req.Side).Inc()
	return order, nil
}

// validatePlacement runs the pure risk checks against the projected
// post-trade position.
func (e *Engine) validatePlacement(ctx context.Context, cfg *model.MarketConfig, st *model.MarketState, pos *model.Position, req *PlaceOrderRequest) error {
	if !req.IsIncrease {
		// A decrease must actually close size; a zero-size decrease would
		// settle nothing while still resetting the accrual snapshots.
		if req.SizeDelta.LessThanOrEqual(decimal.Zero) {
			return perrors.ErrEmptyOrder
		}
		if pos.IsFlat() || req.SizeDelta.GreaterThan(pos.Size) {
			return fmt.Errorf("%w: delta %s against size %s", perrors.ErrDecreaseOversized, req.SizeDelta, pos.Size)
		}
		remSize := pos.Size.Sub(req.SizeDelta)
		remCollateral := pos.Collateral.Sub(releasedCollateral(pos, req.SizeDelta))
		return risk.ValidateDecrease(cfg, remSize, remCollateral)
	}

	discount, err := e.hooks.FeeDiscount(ctx, req.Owner, req.Market.Pair)
	if err != nil {
		return err
	}
	rate := accrual.FeeRate(cfg, st, req.Side, true, req.SizeDelta)
	entryFee := req.SizeDelta.Mul(rate).Mul(one.Sub(discount))
	owed := accrual.OwedRiskFee(st, pos)

	newSize := pos.Size.Add(req.SizeDelta)
	newCollateral := pos.Collateral.Add(req.CollateralDelta).Sub(entryFee).Sub(owed)
	return risk.ValidateIncrease(cfg, st, req.Side, req.SizeDelta, req.CollateralDelta, newSize, newCollateral)
}

// CancelOrder removes a pending order and refunds its escrow. Owner- or
// delegate-gated.
func (e *Engine) CancelOrder(ctx context.Context, key model.MarketKey, orderID uint64, signer uuid.UUID) error {
	lk, err := e.marketLock(key)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	order, err := e.repo.GetOrder(ctx, key, orderID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, order.Owner, signer); err != nil {
		return err
	}
	return e.cancelLocked(ctx, order, perrors.ReasonOwnerRequest)
}

// cancelLocked is the shared soft-failure recovery: refund escrow, drop the
// order, emit the tagged cancellation. Callers hold the market lock.
func (e *Engine) cancelLocked(ctx context.Context, order *model.Order, reason perrors.CancelReason) error {
	if order.EscrowedAmount.IsPositive() {
		if err := e.delegates.DepositFromTrading(ctx, order.Owner, order.Market.Collateral, order.EscrowedAmount); err != nil {
			return fmt.Errorf("refund escrow for order %d: %w", order.ID, err)
		}
	}
	if err := e.repo.DeleteOrder(ctx, order.Market, order.ID); err != nil {
		return err
	}
	e.journal.Append(model.PositionEvent{
		Type:       model.EventOrderCancelled,
		Market:     order.Market,
		Owner:      order.Owner,
		Side:       order.Side,
		OrderID:    order.ID,
		Size:       order.SizeDelta,
		Collateral: order.CollateralDelta,
		Price:      order.Price,
		Reason:     string(reason),
		Time:       e.clock.Now(),
	})
	e.metrics.OrdersCancelled.WithLabelValues(order.Market.Pair, string(reason)).Inc()
	return nil
}

// UpdateTPSL replaces a position's triggers, re-capping take-profit against
// the max-profit bound. Owner- or delegate-gated.
func (e *Engine) UpdateTPSL(ctx context.Context, key model.MarketKey, owner uuid.UUID, side string, stopLoss, takeProfit decimal.Decimal, signer uuid.UUID) error {
	lk, err := e.marketLock(key)
	if err != nil {
		return err
	}
	lk.Lock()
	defer lk.Unlock()

	if err := e.authorize(ctx, owner, signer); err != nil {
		return err
	}
	cfg, err := e.repo.GetMarketConfig(ctx, key)
	if err != nil {
		return err
	}
	pos, err := e.repo.GetPosition(ctx, key, owner, side)
	if err != nil {
		return err
	}
	if pos.IsFlat() {
		return fmt.Errorf("%w: %s %s %s", perrors.ErrPositionNotFound, key, owner, side)
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = capTakeProfit(cfg, side, pos.AvgEntryPrice, pos.Size, pos.Collateral, takeProfit)
	return e.repo.SavePosition(ctx, pos)
}

// releasedCollateral is the collateral freed by closing closeSize:
// proportional to the share of the position being closed.
func releasedCollateral(pos *model.Position, closeSize decimal.Decimal) decimal.Decimal {
	if pos.Size.IsZero() {
		return decimal.Zero
	}
	if closeSize.Equal(pos.Size) {
		return pos.Collateral
	}
	return pos.Collateral.Mul(closeSize).Div(pos.Size)
}

func (e *Engine) observeSettlement() func() {
	start := e.clock.Now()
	return func() {
		e.metrics.SettlementDuration.Observe(e.clock.Now().Sub(start).Seconds())
	}
}
