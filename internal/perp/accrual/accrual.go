// Package accrual implements the lazy per-market fee accumulators: a linear
// rollover charge on held collateral and a skew-driven funding charge on
// position size. Both accrue on touch at the start of any settlement call.
package accrual

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

var two = decimal.NewFromInt(2)

// Accrue advances both accumulators from the market's last accrual time to
// now. The funding rate chases skew * SkewFactor but may move at most
// MaxFundingVelocity per second; the fee accumulator integrates the rate's
// trajectory over the interval (trapezoid), not a single endpoint multiply,
// so a rate flip mid-interval does not produce a step discontinuity.
func Accrue(cfg *model.MarketConfig, st *model.MarketState, now time.Time) {
	if !now.After(st.LastAccrueTime) {
		return
	}
	dt := decimal.NewFromFloat(now.Sub(st.LastAccrueTime).Seconds())

	st.AccRolloverFeePerCollateral = st.AccRolloverFeePerCollateral.
		Add(cfg.RolloverRatePerSec.Mul(dt))

	target := st.Skew().Mul(cfg.SkewFactor)
	step := target.Sub(st.AccFundingRate)
	maxStep := cfg.MaxFundingVelocity.Mul(dt)
	if step.Abs().GreaterThan(maxStep) {
		if step.IsNegative() {
			step = maxStep.Neg()
		} else {
			step = maxStep
		}
	}
	newRate := st.AccFundingRate.Add(step)
	st.AccFundingFeePerSize = st.AccFundingFeePerSize.
		Add(st.AccFundingRate.Add(newRate).Div(two).Mul(dt))
	st.AccFundingRate = newRate

	st.LastAccrueTime = now
}

// OwedRiskFee returns the rollover plus funding fee the position owes since
// its last snapshot. Positive means the trader pays the pool. Funding is
// sign-aware: a positive accumulator delta charges longs and credits shorts.
func OwedRiskFee(st *model.MarketState, pos *model.Position) decimal.Decimal {
	if pos.IsFlat() {
		return decimal.Zero
	}
	rollover := st.AccRolloverFeePerCollateral.Sub(pos.RolloverSnapshot).Mul(pos.Collateral)
	funding := st.AccFundingFeePerSize.Sub(pos.FundingSnapshot).Mul(pos.Size)
	if pos.Side == model.SideShort {
		funding = funding.Neg()
	}
	return rollover.Add(funding)
}

// Snapshot resets the position's accrual snapshots to the current
// accumulators. Called after every settlement that touches the position.
func Snapshot(st *model.MarketState, pos *model.Position, now time.Time) {
	pos.RolloverSnapshot = st.AccRolloverFeePerCollateral
	pos.FundingSnapshot = st.AccFundingFeePerSize
	pos.LastSettleTime = now
}

// FeeRate picks the maker or taker rate for a trade. The maker rate goes to
// the side that shrinks the existing skew imbalance.
func FeeRate(cfg *model.MarketConfig, st *model.MarketState, side string, increase bool, sizeDelta decimal.Decimal) decimal.Decimal {
	before := st.Skew()
	after := before.Add(SignedSizeDelta(side, increase, sizeDelta))
	if after.Abs().LessThan(before.Abs()) {
		return cfg.MakerFeeRate
	}
	return cfg.TakerFeeRate
}

// SignedSizeDelta maps a trade onto its skew contribution: long exposure
// growth is positive, short exposure growth negative.
func SignedSizeDelta(side string, increase bool, sizeDelta decimal.Decimal) decimal.Decimal {
	grow := side == model.SideLong
	if !increase {
		grow = !grow
	}
	if grow {
		return sizeDelta
	}
	return sizeDelta.Neg()
}
