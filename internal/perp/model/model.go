// Package model holds the domain records of the perpetual engine: market
// configuration and runtime state, pending orders, positions and LP
// redemption plans, plus the repository contracts they are stored behind.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Tags attached to position state events emitted by the settlement engine.
const (
	EventOrderPlaced    = "ORDER_PLACED"
	EventOrderCancelled = "ORDER_CANCELLED"
	EventPositionOpen   = "POSITION_OPEN"
	EventPositionUpdate = "POSITION_UPDATE"
	EventPositionClose  = "POSITION_CLOSE"
	EventLiquidate      = "LIQUIDATE"
	EventTakeProfit     = "TAKE_PROFIT"
	EventStopLoss       = "STOP_LOSS"
)

// OppositeSide returns the other side of a market.
func OppositeSide(side string) string {
	if side == SideLong {
		return SideShort
	}
	return SideLong
}

// MarketKey identifies a market: the priced pair plus the collateral asset
// it settles in. Two markets on the same pair with different collateral are
// distinct and cannot mix funds.
type MarketKey struct {
	Pair       string `json:"pair"`
	Collateral string `json:"collateral"`
}

func (k MarketKey) String() string { return k.Pair + "/" + k.Collateral }

// MarketConfig is the admin-mutable parameter set of a market. Created once
// per (pair, collateral), never deleted.
type MarketConfig struct {
	Key MarketKey `json:"key"`

	MinLeverage decimal.Decimal `json:"min_leverage"`
	MaxLeverage decimal.Decimal `json:"max_leverage"`

	MakerFeeRate decimal.Decimal `json:"maker_fee_rate"`
	TakerFeeRate decimal.Decimal `json:"taker_fee_rate"`

	// RolloverRatePerSec accrues on held collateral per elapsed second.
	RolloverRatePerSec decimal.Decimal `json:"rollover_rate_per_sec"`
	// SkewFactor maps signed open-interest skew to the target funding rate.
	SkewFactor decimal.Decimal `json:"skew_factor"`
	// MaxFundingVelocity bounds how fast the funding rate may move per second.
	MaxFundingVelocity decimal.Decimal `json:"max_funding_velocity"`

	MaxOpenInterest decimal.Decimal `json:"max_open_interest"`
	SkewCap         decimal.Decimal `json:"skew_cap"`

	// LiquidateThreshold is the fraction of pre-settlement collateral below
	// which a forced exit qualifies as a liquidation.
	LiquidateThreshold decimal.Decimal `json:"liquidate_threshold"`
	// MaxProfitRate caps realized profit at this multiple of collateral.
	MaxProfitRate decimal.Decimal `json:"max_profit_rate"`

	MinOrderCollateral decimal.Decimal `json:"min_order_collateral"`
	MaxOrderCollateral decimal.Decimal `json:"max_order_collateral"`
	MinOrderSize       decimal.Decimal `json:"min_order_size"`

	// ExecutionFee is a flat keeper fee escrowed with every order.
	ExecutionFee decimal.Decimal `json:"execution_fee"`

	// MarketOrderTimeout expires pending market orders that no keeper
	// executed in time.
	MarketOrderTimeout time.Duration `json:"market_order_timeout"`
	// ExitCooldown measured from a position's last settlement suppresses the
	// profit leg of the liquidation threshold check.
	ExitCooldown time.Duration `json:"exit_cooldown"`

	Paused bool `json:"paused"`
}

// MarketState is the per-market runtime record mutated on every placement,
// execution and cancellation. Orders and positions live behind the
// repository, not inline.
type MarketState struct {
	Key MarketKey `json:"key"`

	NextOrderID uint64 `json:"next_order_id"`

	LongOpenInterest  decimal.Decimal `json:"long_open_interest"`
	ShortOpenInterest decimal.Decimal `json:"short_open_interest"`

	// AccFundingRate is the current signed funding rate per second.
	AccFundingRate decimal.Decimal `json:"acc_funding_rate"`
	// AccFundingFeePerSize integrates the funding rate trajectory; a long
	// position owes (accumulator - snapshot) * size, a short the negation.
	AccFundingFeePerSize decimal.Decimal `json:"acc_funding_fee_per_size"`
	// AccRolloverFeePerCollateral integrates the rollover rate.
	AccRolloverFeePerCollateral decimal.Decimal `json:"acc_rollover_fee_per_collateral"`

	LastAccrueTime time.Time `json:"last_accrue_time"`
}

// Skew is long open interest minus short open interest.
func (s *MarketState) Skew() decimal.Decimal {
	return s.LongOpenInterest.Sub(s.ShortOpenInterest)
}

// OpenInterest returns the open interest for one side.
func (s *MarketState) OpenInterest(side string) decimal.Decimal {
	if side == SideLong {
		return s.LongOpenInterest
	}
	return s.ShortOpenInterest
}

// AddOpenInterest applies a signed size delta to one side.
func (s *MarketState) AddOpenInterest(side string, delta decimal.Decimal) {
	if side == SideLong {
		s.LongOpenInterest = s.LongOpenInterest.Add(delta)
	} else {
		s.ShortOpenInterest = s.ShortOpenInterest.Add(delta)
	}
}

// Order is a pending settlement request. Orders are immutable once placed:
// execution or cancellation removes the record, nothing updates it in place.
type Order struct {
	ID     uint64    `json:"id"`
	Market MarketKey `json:"market"`
	Owner  uuid.UUID `json:"owner"`

	Side       string `json:"side"`
	IsIncrease bool   `json:"is_increase"`
	IsMarket   bool   `json:"is_market"`
	// CanExecuteAbove selects the price direction the order tolerates: true
	// executes at or above the requested price, false at or below.
	CanExecuteAbove bool `json:"can_execute_above"`

	SizeDelta       decimal.Decimal `json:"size_delta"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	Price           decimal.Decimal `json:"price"`

	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`

	// EscrowedAmount was pulled from the trader at placement (increase
	// collateral plus execution fee) and is refunded on cancellation.
	EscrowedAmount decimal.Decimal `json:"escrowed_amount"`

	PositionID uuid.UUID `json:"position_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Position is the per-(trader, market, side) exposure record. A fully closed
// position keeps its zero-sized record as a reusable slot; a fresh linking id
// is only minted when a flat slot is re-entered.
type Position struct {
	LinkedID uuid.UUID `json:"linked_id"`
	Market   MarketKey `json:"market"`
	Owner    uuid.UUID `json:"owner"`
	Side     string    `json:"side"`

	Size          decimal.Decimal `json:"size"`
	Collateral    decimal.Decimal `json:"collateral"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`

	LastSettleTime time.Time `json:"last_settle_time"`

	// Accumulator snapshots taken at the last settlement touching this
	// position; owed fees are the accumulator deltas since.
	RolloverSnapshot decimal.Decimal `json:"rollover_snapshot"`
	FundingSnapshot  decimal.Decimal `json:"funding_snapshot"`

	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

// IsFlat reports whether the position carries no exposure. The engine keeps
// (size==0) <=> (collateral==0) as an invariant.
func (p *Position) IsFlat() bool {
	return p == nil || p.Size.IsZero()
}

// Leverage is size over collateral; zero for flat positions.
func (p *Position) Leverage() decimal.Decimal {
	if p.IsFlat() || p.Collateral.IsZero() {
		return decimal.Zero
	}
	return p.Size.Div(p.Collateral)
}

// RedeemPlan escrows LP shares and releases them in equal daily tranches.
type RedeemPlan struct {
	Owner      uuid.UUID `json:"owner"`
	Collateral string    `json:"collateral"`

	InitialShares   decimal.Decimal `json:"initial_shares"`
	RemainingShares decimal.Decimal `json:"remaining_shares"`
	WithdrawnAmount decimal.Decimal `json:"withdrawn_amount"`

	StartedAt        time.Time `json:"started_at"`
	TranchesRedeemed int       `json:"tranches_redeemed"`
}

// PositionEvent is the tagged record emitted for every state transition of a
// position or order.
type PositionEvent struct {
	Type       string          `json:"type"`
	Market     MarketKey       `json:"market"`
	Owner      uuid.UUID       `json:"owner"`
	Side       string          `json:"side"`
	OrderID    uint64          `json:"order_id,omitempty"`
	Size       decimal.Decimal `json:"size"`
	Collateral decimal.Decimal `json:"collateral"`
	Price      decimal.Decimal `json:"price"`
	PnL        decimal.Decimal `json:"pnl"`
	Reason     string          `json:"reason,omitempty"`
	Time       time.Time       `json:"time"`
}
