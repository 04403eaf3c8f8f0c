package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig() *model.MarketConfig {
	return &model.MarketConfig{
		Key:                model.MarketKey{Pair: "BTC_USD", Collateral: "USDC"},
		MinLeverage:        dec("3"),
		MaxLeverage:        dec("150"),
		MaxOpenInterest:    dec("10000000"),
		SkewCap:            dec("5000000"),
		MinOrderCollateral: dec("100"),
		MaxOrderCollateral: dec("1000000"),
		MinOrderSize:       dec("1000"),
	}
}

func TestValidateIncreaseExactMaxLeverage(t *testing.T) {
	cfg := testConfig()
	st := &model.MarketState{}

	// 150x exactly on the nose must pass.
	err := ValidateIncrease(cfg, st, model.SideLong,
		dec("150000"), dec("1000"), dec("150000"), dec("1000"))
	require.NoError(t, err)

	// One collateral unit short of 150x must fail.
	err = ValidateIncrease(cfg, st, model.SideLong,
		dec("150150"), dec("1000"), dec("150150"), dec("1000"))
	require.ErrorIs(t, err, perrors.ErrLeverageOutOfRange)
}

func TestValidateIncreaseExactMinLeverage(t *testing.T) {
	cfg := testConfig()
	st := &model.MarketState{}

	err := ValidateIncrease(cfg, st, model.SideLong,
		dec("3000"), dec("1000"), dec("3000"), dec("1000"))
	require.NoError(t, err)

	err = ValidateIncrease(cfg, st, model.SideLong,
		dec("2900"), dec("1000"), dec("2900"), dec("1000"))
	require.ErrorIs(t, err, perrors.ErrLeverageOutOfRange)
}

func TestValidateIncreaseCollateralBounds(t *testing.T) {
	cfg := testConfig()
	st := &model.MarketState{}

	err := ValidateIncrease(cfg, st, model.SideLong,
		dec("1000"), dec("50"), dec("1000"), dec("50"))
	assert.ErrorIs(t, err, perrors.ErrCollateralOutOfRange)

	err = ValidateIncrease(cfg, st, model.SideLong,
		dec("1000"), decimal.Zero, dec("1000"), dec("200"))
	assert.ErrorIs(t, err, perrors.ErrCollateralOutOfRange)

	err = ValidateIncrease(cfg, st, model.SideLong,
		dec("9000000"), dec("2000000"), dec("9000000"), dec("2000000"))
	assert.ErrorIs(t, err, perrors.ErrCollateralOutOfRange)
}

func TestValidateIncreaseMinSize(t *testing.T) {
	cfg := testConfig()
	err := ValidateIncrease(cfg, &model.MarketState{}, model.SideLong,
		dec("500"), dec("100"), dec("500"), dec("100"))
	assert.ErrorIs(t, err, perrors.ErrSizeBelowMinimum)
}

func TestValidateIncreaseOpenInterestCap(t *testing.T) {
	cfg := testConfig()
	st := &model.MarketState{LongOpenInterest: dec("9990000")}
	err := ValidateIncrease(cfg, st, model.SideLong,
		dec("20000"), dec("1000"), dec("20000"), dec("1000"))
	assert.ErrorIs(t, err, perrors.ErrOpenInterestExceeded)
}

func TestCheckSkewCap(t *testing.T) {
	cfg := testConfig()
	st := &model.MarketState{LongOpenInterest: dec("4900000")}

	// Pushing past the cap fails.
	err := CheckSkewCap(cfg, st, model.SideLong, true, dec("200000"))
	require.ErrorIs(t, err, perrors.ErrSkewExceeded)

	// Skew-reducing flow always passes, even far beyond the cap.
	st.LongOpenInterest = dec("8000000")
	assert.NoError(t, CheckSkewCap(cfg, st, model.SideShort, true, dec("1000000")))
	assert.NoError(t, CheckSkewCap(cfg, st, model.SideLong, false, dec("1000000")))

	// Zero delta is a no-op.
	assert.NoError(t, CheckSkewCap(cfg, st, model.SideLong, true, decimal.Zero))
}

func TestCheckOpenInterestCap(t *testing.T) {
	cfg := testConfig()
	st := &model.MarketState{ShortOpenInterest: dec("9999999")}
	assert.NoError(t, CheckOpenInterestCap(cfg, st, model.SideShort, dec("1")))
	assert.ErrorIs(t, CheckOpenInterestCap(cfg, st, model.SideShort, dec("2")),
		perrors.ErrOpenInterestExceeded)
}

func TestValidateDecreaseFullClose(t *testing.T) {
	cfg := testConfig()
	assert.NoError(t, ValidateDecrease(cfg, decimal.Zero, decimal.Zero))
}

func TestValidateDecreaseResidualBounds(t *testing.T) {
	cfg := testConfig()

	// Residual below min size.
	err := ValidateDecrease(cfg, dec("500"), dec("100"))
	assert.ErrorIs(t, err, perrors.ErrSizeBelowMinimum)

	// Residual below min collateral.
	err = ValidateDecrease(cfg, dec("1000"), dec("50"))
	assert.ErrorIs(t, err, perrors.ErrCollateralOutOfRange)

	// Residual leverage out of band, unbuffered.
	err = ValidateDecrease(cfg, dec("1000"), dec("500"))
	assert.ErrorIs(t, err, perrors.ErrLeverageOutOfRange)

	// Healthy residual.
	assert.NoError(t, ValidateDecrease(cfg, dec("5000"), dec("1000")))
}
