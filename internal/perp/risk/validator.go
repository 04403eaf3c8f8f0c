// Package risk holds the pure trade admission checks. Nothing here mutates
// state; the settlement engine calls these against projected post-trade
// positions before committing anything.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/accrual"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

// leverageBuffer widens the increase-path leverage band to absorb rounding
// from fee netting. The decrease path deliberately re-checks against the
// unbuffered bounds.
var leverageBuffer = decimal.NewFromFloat(0.000001)

// ValidateIncrease checks a size-increasing trade against the market's
// bounds using the projected post-trade position.
func ValidateIncrease(cfg *model.MarketConfig, st *model.MarketState, side string,
	sizeDelta, collateralDelta, newSize, newCollateral decimal.Decimal) error {

	if collateralDelta.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: collateral delta %s", perrors.ErrCollateralOutOfRange, collateralDelta)
	}
	if collateralDelta.LessThan(cfg.MinOrderCollateral) {
		return fmt.Errorf("%w: delta %s < min %s", perrors.ErrCollateralOutOfRange, collateralDelta, cfg.MinOrderCollateral)
	}
	if newSize.LessThan(cfg.MinOrderSize) {
		return fmt.Errorf("%w: %s < %s", perrors.ErrSizeBelowMinimum, newSize, cfg.MinOrderSize)
	}
	if newCollateral.LessThan(cfg.MinOrderCollateral) || newCollateral.GreaterThan(cfg.MaxOrderCollateral) {
		return fmt.Errorf("%w: %s outside [%s, %s]", perrors.ErrCollateralOutOfRange,
			newCollateral, cfg.MinOrderCollateral, cfg.MaxOrderCollateral)
	}

	if st.OpenInterest(side).Add(sizeDelta).GreaterThan(cfg.MaxOpenInterest) {
		return fmt.Errorf("%w: %s side", perrors.ErrOpenInterestExceeded, side)
	}
	if err := CheckSkewCap(cfg, st, side, true, sizeDelta); err != nil {
		return err
	}

	leverage := newSize.Div(newCollateral)
	lo := cfg.MinLeverage.Sub(leverageBuffer)
	hi := cfg.MaxLeverage.Add(leverageBuffer)
	if leverage.LessThan(lo) || leverage.GreaterThan(hi) {
		return fmt.Errorf("%w: %s outside [%s, %s]", perrors.ErrLeverageOutOfRange,
			leverage, cfg.MinLeverage, cfg.MaxLeverage)
	}
	return nil
}

// CheckSkewCap rejects trades that push the absolute skew beyond the cap.
// Skew-reducing trades and zero-size deltas always pass; this check is
// repeated at execution time because other trades may have landed since
// placement.
func CheckSkewCap(cfg *model.MarketConfig, st *model.MarketState, side string, increase bool, sizeDelta decimal.Decimal) error {
	if sizeDelta.IsZero() {
		return nil
	}
	before := st.Skew()
	after := before.Add(accrual.SignedSizeDelta(side, increase, sizeDelta))
	if after.Abs().LessThanOrEqual(before.Abs()) {
		return nil
	}
	if after.Abs().GreaterThan(cfg.SkewCap) {
		return fmt.Errorf("%w: |%s| > %s", perrors.ErrSkewExceeded, after, cfg.SkewCap)
	}
	return nil
}

// CheckOpenInterestCap re-verifies the per-side cap at execution time.
func CheckOpenInterestCap(cfg *model.MarketConfig, st *model.MarketState, side string, sizeDelta decimal.Decimal) error {
	if st.OpenInterest(side).Add(sizeDelta).GreaterThan(cfg.MaxOpenInterest) {
		return fmt.Errorf("%w: %s side", perrors.ErrOpenInterestExceeded, side)
	}
	return nil
}

// ValidateDecrease checks the residual position left by a size-decreasing
// trade. A full close (both zero) always passes; a partial close must leave
// a position that would itself be admissible, with the leverage band checked
// unbuffered.
func ValidateDecrease(cfg *model.MarketConfig, remainingSize, remainingCollateral decimal.Decimal) error {
	if remainingSize.IsZero() && remainingCollateral.IsZero() {
		return nil
	}
	if remainingSize.LessThan(cfg.MinOrderSize) {
		return fmt.Errorf("%w: residual %s < %s", perrors.ErrSizeBelowMinimum, remainingSize, cfg.MinOrderSize)
	}
	if remainingCollateral.LessThan(cfg.MinOrderCollateral) || remainingCollateral.GreaterThan(cfg.MaxOrderCollateral) {
		return fmt.Errorf("%w: residual %s outside [%s, %s]", perrors.ErrCollateralOutOfRange,
			remainingCollateral, cfg.MinOrderCollateral, cfg.MaxOrderCollateral)
	}
	leverage := remainingSize.Div(remainingCollateral)
	if leverage.LessThan(cfg.MinLeverage) || leverage.GreaterThan(cfg.MaxLeverage) {
		return fmt.Errorf("%w: residual %s outside [%s, %s]", perrors.ErrLeverageOutOfRange,
			leverage, cfg.MinLeverage, cfg.MaxLeverage)
	}
	return nil
}
