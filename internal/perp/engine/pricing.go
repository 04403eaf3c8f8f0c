package engine

import (
	"github.com/shopspring/decimal"

	"github.com/merkle-trade/perp-engine/internal/perp/accrual"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)

	// maxImpactRate caps the price-impact adjustment at 0.5% either way.
	maxImpactRate = decimal.NewFromFloat(0.005)
)

// impactPrice adjusts the oracle reference by a skew-dependent impact: the
// trade is marked at the midpoint skew it produces, scaled against the skew
// cap, so skew-increasing flow pays a worse price and skew-reducing flow a
// better one.
func impactPrice(cfg *model.MarketConfig, st *model.MarketState, side string, increase bool, sizeDelta, refPrice decimal.Decimal) decimal.Decimal {
	if cfg.SkewCap.IsZero() || sizeDelta.IsZero() {
		return refPrice
	}
	signed := accrual.SignedSizeDelta(side, increase, sizeDelta)
	mid := st.Skew().Add(signed.Div(two))
	ratio := mid.Div(cfg.SkewCap)
	if ratio.GreaterThan(one) {
		ratio = one
	} else if ratio.LessThan(one.Neg()) {
		ratio = one.Neg()
	}
	return refPrice.Mul(one.Add(ratio.Mul(maxImpactRate)))
}

// executableAt checks the order's slippage-direction guard against the
// impact-adjusted price.
func executableAt(order *model.Order, execPrice decimal.Decimal) bool {
	if order.CanExecuteAbove {
		return execPrice.GreaterThanOrEqual(order.Price)
	}
	return execPrice.LessThanOrEqual(order.Price)
}

// positionPnL realizes profit or loss over the closed size: the relative
// move from the volume-weighted entry, long positive when price rises.
func positionPnL(pos *model.Position, closeSize, execPrice decimal.Decimal) decimal.Decimal {
	if pos.AvgEntryPrice.IsZero() {
		return decimal.Zero
	}
	move := execPrice.Sub(pos.AvgEntryPrice).Div(pos.AvgEntryPrice)
	pnl := closeSize.Mul(move)
	if pos.Side == model.SideShort {
		pnl = pnl.Neg()
	}
	return pnl
}

// capTakeProfit clamps a requested take-profit trigger so the profit it
// realizes never exceeds MaxProfitRate times collateral. A zero request
// defaults to the cap itself.
func capTakeProfit(cfg *model.MarketConfig, side string, avgPrice, size, collateral, requested decimal.Decimal) decimal.Decimal {
	if size.IsZero() || avgPrice.IsZero() {
		return requested
	}
	maxProfit := cfg.MaxProfitRate.Mul(collateral)
	moveCap := maxProfit.Div(size)
	var capped decimal.Decimal
	if side == model.SideLong {
		capped = avgPrice.Mul(one.Add(moveCap))
		if requested.IsZero() || requested.GreaterThan(capped) {
			return capped
		}
	} else {
		capped = avgPrice.Mul(one.Sub(moveCap))
		if capped.IsNegative() {
			capped = decimal.Zero
		}
		if requested.IsZero() || requested.LessThan(capped) {
			return capped
		}
	}
	return requested
}

// stopLossCrossed reports whether the execution price breached the trigger.
func stopLossCrossed(pos *model.Position, execPrice decimal.Decimal) bool {
	if pos.StopLoss.IsZero() {
		return false
	}
	if pos.Side == model.SideLong {
		return execPrice.LessThanOrEqual(pos.StopLoss)
	}
	return execPrice.GreaterThanOrEqual(pos.StopLoss)
}

// takeProfitCrossed reports whether the execution price reached the trigger.
func takeProfitCrossed(pos *model.Position, execPrice decimal.Decimal) bool {
	if pos.TakeProfit.IsZero() {
		return false
	}
	if pos.Side == model.SideLong {
		return execPrice.GreaterThanOrEqual(pos.TakeProfit)
	}
	return execPrice.LessThanOrEqual(pos.TakeProfit)
}
