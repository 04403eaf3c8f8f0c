// Package errors defines the shared error vocabulary of the perpetual
// engine. Callers classify failures with errors.Is against the sentinels
// below; execution-time soft failures never surface as errors at all, they
// become cancellations carrying a CancelReason.
package errors

import "errors"

// Configuration and lookup failures.
var (
	ErrMarketNotFound = errors.New("market not initialized")
	ErrMarketExists   = errors.New("market already exists")
	ErrMarketPaused   = errors.New("market paused")
	ErrVaultNotFound  = errors.New("vault not initialized")
	ErrVaultExists    = errors.New("vault already exists")
)

// Authorization failures: no partial effect is ever left behind.
var (
	ErrUnauthorized      = errors.New("caller lacks ownership or delegate registration")
	ErrCapabilityUnknown = errors.New("capability not issued by this registry")
	ErrCapabilityPending = errors.New("no pending capability for candidate")
)

// Placement validation failures; any escrow taken is unwound atomically.
var (
	ErrZeroPrice            = errors.New("order price must be positive")
	ErrEmptyOrder           = errors.New("order must change size or collateral")
	ErrSizeBelowMinimum     = errors.New("resulting size below market minimum")
	ErrCollateralOutOfRange = errors.New("collateral outside market bounds")
	ErrLeverageOutOfRange   = errors.New("leverage outside market bounds")
	ErrOpenInterestExceeded = errors.New("open interest cap exceeded")
	ErrSkewExceeded         = errors.New("skew cap exceeded")
	ErrDecreaseOversized    = errors.New("decrease exceeds position size")
	ErrEscrowFailed         = errors.New("collateral escrow failed")
)

// Execution and settlement failures.
var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrPositionNotFound = errors.New("position not found")
	ErrPriceNotReached  = errors.New("limit trigger price not reached")
	ErrNotLiquidatable  = errors.New("position is healthy: no threshold or trigger crossed")
	ErrPriceStale       = errors.New("oracle price stale or unavailable")
	ErrHardBreaker      = errors.New("pool hard drawdown breaker tripped")
	ErrSoftBreaker      = errors.New("pool soft drawdown breaker tripped")
)

// Vault failures.
var (
	ErrBelowMinDeposit    = errors.New("deposit below vault minimum")
	ErrDustDeposit        = errors.New("deposit mints zero shares")
	ErrInsufficientShares = errors.New("insufficient LP shares")
	ErrPlanExists         = errors.New("redemption plan already registered")
	ErrPlanNotFound       = errors.New("redemption plan not found")
	ErrRedeemTooEarly     = errors.New("current tranche already redeemed")
)

// CancelReason tags an order cancellation produced by the execution path's
// soft-failure recovery. Escrow is refunded in every case.
type CancelReason string

const (
	ReasonOwnerRequest           CancelReason = "OWNER_REQUEST"
	ReasonMarketOrderExpired     CancelReason = "MARKET_ORDER_EXPIRED"
	ReasonBreakerTripped         CancelReason = "BREAKER_TRIPPED"
	ReasonPriceUnexecutable      CancelReason = "PRICE_UNEXECUTABLE"
	ReasonCapExceeded            CancelReason = "CAP_EXCEEDED"
	ReasonOversizedDecrease      CancelReason = "OVERSIZED_DECREASE"
	ReasonInsufficientCollateral CancelReason = "INSUFFICIENT_COLLATERAL"
)
