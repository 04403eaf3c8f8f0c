package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/accrual"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

// ExitResult reports a forced exit: the event tag applied and the trader's
// final settlement.
type ExitResult struct {
	Tag       string
	ExecPrice decimal.Decimal
	Settled   decimal.Decimal
	Payout    decimal.Decimal
}

// ExecuteExitPosition force-closes a position when the liquidation threshold
// or a stop-loss/take-profit trigger is crossed; anyone may call it, the
// position's own state decides eligibility. The circuit breaker never blocks
// a forced exit: closing exposure must stay possible in a drawdown.
//
// Within the exit cooldown after the position's last settlement, a positive
// PnL counts as zero for the threshold check only; the settlement itself
// always uses the real PnL.
func (e *Engine) ExecuteExitPosition(ctx context.Context, key model.MarketKey, owner uuid.UUID, side string) (*ExitResult, error) {
	lk, err := e.marketLock(key)
	if err != nil {
		return nil, err
	}
	lk.Lock()
	defer lk.Unlock()
	defer e.observeSettlement()()

	pos, err := e.repo.GetPosition(ctx, key, owner, side)
	if err != nil {
		return nil, err
	}
	if pos.IsFlat() {
		return nil, fmt.Errorf("%w: %s %s %s", perrors.ErrPositionNotFound, key, owner, side)
	}
	cfg, err := e.repo.GetMarketConfig(ctx, key)
	if err != nil {
		return nil, err
	}
	st, err := e.repo.GetMarketState(ctx, key)
	if err != nil {
		return nil, err
	}
	v, err := e.Vault(key.Collateral)
	if err != nil {
		return nil, err
	}
	refPrice, err := e.feed.GetPrice(ctx, key.Pair)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	accrual.Accrue(cfg, st, now)
	execPrice := impactPrice(cfg, st, side, false, pos.Size, refPrice)

	cooldownActive := cfg.ExitCooldown > 0 && now.Sub(pos.LastSettleTime) < cfg.ExitCooldown

	reported, err := e.computeDecrease(ctx, cfg, st, pos, pos.Size, execPrice, cooldownActive)
	if err != nil {
		return nil, err
	}

	tag, ok := exitTag(cfg, pos, execPrice, reported)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s %s", perrors.ErrNotLiquidatable, key, owner, side)
	}

	// Re-derive without profit suppression so the trader settles at the real
	// PnL even inside the cooldown window.
	outcome := reported
	if cooldownActive && reported.pnl.IsPositive() {
		outcome, err = e.computeDecrease(ctx, cfg, st, pos, pos.Size, execPrice, false)
		if err != nil {
			return nil, err
		}
	}

	if err := e.applyDecrease(ctx, cfg, st, v, pos, nil, outcome, execPrice, tag); err != nil {
		return nil, err
	}
	e.metrics.ForcedExits.WithLabelValues(key.Pair, tag).Inc()
	return &ExitResult{
		Tag:       tag,
		ExecPrice: execPrice,
		Settled:   outcome.settle,
		Payout:    outcome.payout,
	}, nil
}

// exitTag decides whether a forced exit is allowed and which event tag it
// carries. Take-profit wins over stop-loss, both win over liquidation.
func exitTag(cfg *model.MarketConfig, pos *model.Position, execPrice decimal.Decimal, d *decreaseOutcome) (string, bool) {
	if takeProfitCrossed(pos, execPrice) {
		return model.EventTakeProfit, true
	}
	if stopLossCrossed(pos, execPrice) {
		return model.EventStopLoss, true
	}
	remaining := pos.Collateral.Add(d.settle).Sub(d.exitFee)
	threshold := pos.Collateral.Mul(cfg.LiquidateThreshold)
	if remaining.LessThanOrEqual(threshold) {
		return model.EventLiquidate, true
	}
	return "", false
}
