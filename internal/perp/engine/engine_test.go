package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/admin"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
	"github.com/merkle-trade/perp-engine/internal/perp/oracle"
	"github.com/merkle-trade/perp-engine/internal/perp/rewards"
	"github.com/merkle-trade/perp-engine/internal/perp/vault"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// walletLedger is an in-memory delegate registry that tracks wallet
// balances, so escrow and refund flows can be asserted exactly.
type walletLedger struct {
	mu        sync.Mutex
	balances  map[uuid.UUID]decimal.Decimal
	delegates map[uuid.UUID]uuid.UUID // signer -> owner
}

func newWalletLedger() *walletLedger {
	return &walletLedger{
		balances:  make(map[uuid.UUID]decimal.Decimal),
		delegates: make(map[uuid.UUID]uuid.UUID),
	}
}

func (l *walletLedger) fund(owner uuid.UUID, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = l.balances[owner].Add(amount)
}

func (l *walletLedger) balanceOf(owner uuid.UUID) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner]
}

func (l *walletLedger) register(owner, signer uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delegates[signer] = owner
}

func (l *walletLedger) IsRegistered(_ context.Context, owner, signer uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delegates[signer] == owner, nil
}

func (l *walletLedger) WithdrawToTrading(_ context.Context, owner uuid.UUID, _ string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[owner].LessThan(amount) {
		return fmt.Errorf("insufficient wallet balance: %s < %s", l.balances[owner], amount)
	}
	l.balances[owner] = l.balances[owner].Sub(amount)
	return nil
}

func (l *walletLedger) DepositFromTrading(_ context.Context, owner uuid.UUID, _ string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = l.balances[owner].Add(amount)
	return nil
}

type EngineSuite struct {
	suite.Suite

	ctx      context.Context
	clock    *model.ManualClock
	repo     *model.MemoryRepository
	feed     *oracle.MemoryFeed
	fees     *rewards.NopFeeDistributor
	wallets  *walletLedger
	registry *admin.Registry
	root     *admin.RootCap
	engine   *Engine

	btcUSD model.MarketKey
	alice  uuid.UUID
	bob    uuid.UUID
	lp     uuid.UUID
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = model.NewManualClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s.repo = model.NewMemoryRepository()
	s.feed = oracle.NewMemoryFeed(s.clock, 0)
	s.fees = rewards.NewNopFeeDistributor()
	s.wallets = newWalletLedger()
	s.registry, s.root = admin.Bootstrap()

	eng, err := New(Deps{
		Logger:    zaptest.NewLogger(s.T()),
		Clock:     s.clock,
		Repo:      s.repo,
		Feed:      s.feed,
		Fees:      s.fees,
		Hooks:     rewards.NopHooks{},
		Delegates: s.wallets,
		Registry:  s.registry,
	}, s.root)
	s.Require().NoError(err)
	s.engine = eng

	s.btcUSD = model.MarketKey{Pair: "BTC_USD", Collateral: "USDC"}
	s.alice = uuid.New()
	s.bob = uuid.New()
	s.lp = uuid.New()

	vcfg := vault.DefaultConfig("USDC")
	v, err := eng.CreateVault(s.root, vcfg)
	s.Require().NoError(err)
	_, err = v.Deposit(s.ctx, s.lp, dec("1000000"))
	s.Require().NoError(err)

	s.Require().NoError(eng.CreateMarket(s.ctx, s.root, s.marketConfig("BTC_USD")))
	s.Require().NoError(s.feed.Update("BTC_USD", dec("300000")))

	s.wallets.fund(s.alice, dec("1000000"))
	s.wallets.fund(s.bob, dec("1000000"))
}

func (s *EngineSuite) marketConfig(pair string) *model.MarketConfig {
	return &model.MarketConfig{
		Key:                model.MarketKey{Pair: pair, Collateral: "USDC"},
		MinLeverage:        dec("3"),
		MaxLeverage:        dec("150"),
		MakerFeeRate:       dec("0.0004"),
		TakerFeeRate:       dec("0.001"),
		MaxOpenInterest:    dec("600000"),
		SkewCap:            dec("1000000"),
		LiquidateThreshold: dec("0.05"),
		MaxProfitRate:      dec("9"),
		MinOrderCollateral: dec("100"),
		MaxOrderCollateral: dec("1000000"),
		MinOrderSize:       dec("100000"),
		ExecutionFee:       dec("1"),
		MarketOrderTimeout: 30 * time.Second,
	}
}

func (s *EngineSuite) defaultOrder() PlaceOrderRequest {
	return PlaceOrderRequest{
		Market:          s.btcUSD,
		Owner:           s.alice,
		Side:            model.SideLong,
		IsIncrease:      true,
		IsMarket:        true,
		CanExecuteAbove: false,
		SizeDelta:       dec("500000"),
		CollateralDelta: dec("100000"),
		Price:           dec("301000"),
	}
}

// openDefault places and executes the standard 500000 @ 100000 long.
func (s *EngineSuite) openDefault(mutate func(*PlaceOrderRequest)) *ExecutionResult {
	req := s.defaultOrder()
	if mutate != nil {
		mutate(&req)
	}
	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	res, err := s.engine.ExecuteOrder(s.ctx, req.Market, order.ID)
	s.Require().NoError(err)
	s.Require().True(res.Executed)
	return res
}

func (s *EngineSuite) TestPlaceOrderEscrowsCollateral() {
	order, err := s.engine.PlaceOrder(s.ctx, s.defaultOrder())
	s.Require().NoError(err)

	// Collateral plus the flat execution fee left the wallet.
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("899999")),
		"wallet %s", s.wallets.balanceOf(s.alice))
	s.True(order.EscrowedAmount.Equal(dec("100001")))
	s.Equal(uint64(1), order.ID)

	orders, err := s.engine.ListOrders(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.Len(orders, 1)

	ev, ok := s.engine.Journal().Last()
	s.Require().True(ok)
	s.Equal(model.EventOrderPlaced, ev.Type)
}

func (s *EngineSuite) TestPlaceOrderValidationUnwindsEscrow() {
	req := s.defaultOrder()
	req.CollateralDelta = dec("1000") // 500x

	_, err := s.engine.PlaceOrder(s.ctx, req)
	s.ErrorIs(err, perrors.ErrLeverageOutOfRange)
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("1000000")),
		"wallet %s", s.wallets.balanceOf(s.alice))
}

func (s *EngineSuite) TestPlaceOrderRejectsEmptyAndZeroPrice() {
	req := s.defaultOrder()
	req.SizeDelta = decimal.Zero
	req.CollateralDelta = decimal.Zero
	_, err := s.engine.PlaceOrder(s.ctx, req)
	s.ErrorIs(err, perrors.ErrEmptyOrder)

	req = s.defaultOrder()
	req.Price = decimal.Zero
	_, err = s.engine.PlaceOrder(s.ctx, req)
	s.ErrorIs(err, perrors.ErrZeroPrice)

	s.True(s.wallets.balanceOf(s.alice).Equal(dec("1000000")))
}

func (s *EngineSuite) TestPausedMarketRejectsPlacement() {
	candidate := uuid.New()
	s.Require().NoError(s.registry.Register(s.root, candidate, s.btcUSD))
	mcap, err := s.registry.Claim(candidate)
	s.Require().NoError(err)

	s.Require().NoError(s.engine.SetPaused(s.ctx, mcap, s.btcUSD, true))
	_, err = s.engine.PlaceOrder(s.ctx, s.defaultOrder())
	s.ErrorIs(err, perrors.ErrMarketPaused)

	s.Require().NoError(s.engine.SetPaused(s.ctx, mcap, s.btcUSD, false))
	_, err = s.engine.PlaceOrder(s.ctx, s.defaultOrder())
	s.NoError(err)
}

func (s *EngineSuite) TestUnauthorizedSignerRejected() {
	req := s.defaultOrder()
	req.Signer = uuid.New()
	_, err := s.engine.PlaceOrder(s.ctx, req)
	s.ErrorIs(err, perrors.ErrUnauthorized)
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("1000000")))
}

func (s *EngineSuite) TestRegisteredDelegateMayAct() {
	signer := uuid.New()
	s.wallets.register(s.alice, signer)

	req := s.defaultOrder()
	req.Signer = signer
	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)

	// Funds always move against the owner, not the signer.
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("899999")))
	s.Require().NoError(s.engine.CancelOrder(s.ctx, s.btcUSD, order.ID, signer))
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("1000000")))
}

func (s *EngineSuite) TestExecuteIncrease() {
	res := s.openDefault(nil)

	// Skew midpoint 250000 against a 1M cap: 0.125% price impact.
	s.True(res.ExecPrice.Equal(dec("300375")), "exec price %s", res.ExecPrice)

	pos, err := s.engine.GetPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.True(pos.Size.Equal(dec("500000")))
	// 100000 in minus the 500 taker entry fee.
	s.True(pos.Collateral.Equal(dec("99500")), "collateral %s", pos.Collateral)
	s.True(pos.AvgEntryPrice.Equal(dec("300375")))
	s.NotEqual(uuid.Nil, pos.LinkedID)

	st, err := s.repo.GetMarketState(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.True(st.LongOpenInterest.Equal(dec("500000")))

	// Entry fee plus execution fee landed in the distributor.
	s.True(s.fees.Collected("USDC").Equal(dec("501")), "fees %s", s.fees.Collected("USDC"))

	// The pending order is consumed.
	orders, err := s.engine.ListOrders(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.Empty(orders)
}

func (s *EngineSuite) TestMarketOrderExpires() {
	order, err := s.engine.PlaceOrder(s.ctx, s.defaultOrder())
	s.Require().NoError(err)

	s.clock.Advance(31 * time.Second)
	res, err := s.engine.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.Require().NoError(err)
	s.True(res.Cancelled)
	s.Equal(perrors.ReasonMarketOrderExpired, res.Reason)

	// Full escrow back, no position.
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("1000000")))
	_, err = s.engine.GetPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.ErrorIs(err, perrors.ErrPositionNotFound)
}

func (s *EngineSuite) TestLimitOrderWaitsForPrice() {
	req := s.defaultOrder()
	req.IsMarket = false
	req.Price = dec("299000") // exec 300375 is above the limit

	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)

	_, err = s.engine.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.ErrorIs(err, perrors.ErrPriceNotReached)

	// Still pending; a favorable price executes it.
	orders, err := s.engine.ListOrders(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.Len(orders, 1)

	s.Require().NoError(s.feed.Update("BTC_USD", dec("295000")))
	res, err := s.engine.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.Require().NoError(err)
	s.True(res.Executed)
}

func (s *EngineSuite) TestExecutionRechecksOpenInterestCap() {
	reqA := s.defaultOrder()
	orderA, err := s.engine.PlaceOrder(s.ctx, reqA)
	s.Require().NoError(err)

	reqB := s.defaultOrder()
	reqB.Owner = s.bob
	reqB.SizeDelta = dec("200000")
	reqB.CollateralDelta = dec("40000")
	orderB, err := s.engine.PlaceOrder(s.ctx, reqB)
	s.Require().NoError(err)

	resA, err := s.engine.ExecuteOrder(s.ctx, s.btcUSD, orderA.ID)
	s.Require().NoError(err)
	s.True(resA.Executed)

	// B passed placement but the executed A now fills the cap.
	resB, err := s.engine.ExecuteOrder(s.ctx, s.btcUSD, orderB.ID)
	s.Require().NoError(err)
	s.True(resB.Cancelled)
	s.Equal(perrors.ReasonCapExceeded, resB.Reason)
	s.True(s.wallets.balanceOf(s.bob).Equal(dec("1000000")),
		"wallet %s", s.wallets.balanceOf(s.bob))
}

func (s *EngineSuite) TestPartialDecrease() {
	s.openDefault(nil)
	walletBefore := s.wallets.balanceOf(s.alice)
	vaultBefore := s.mustVault().Balance()

	s.Require().NoError(s.feed.Update("BTC_USD", dec("310000")))
	req := s.defaultOrder()
	req.IsIncrease = false
	req.CanExecuteAbove = true
	req.SizeDelta = dec("250000")
	req.CollateralDelta = decimal.Zero
	req.Price = dec("305000")

	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	s.True(order.EscrowedAmount.Equal(dec("1")))

	res, err := s.engine.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.Require().NoError(err)
	s.Require().True(res.Executed)

	pos, err := s.engine.GetPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.True(pos.Size.Equal(dec("250000")))
	// Collateral is released proportionally to the closed share.
	s.True(pos.Collateral.Equal(dec("49750")), "collateral %s", pos.Collateral)

	st, err := s.repo.GetMarketState(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.True(st.LongOpenInterest.Equal(dec("250000")))

	ev, ok := s.engine.Journal().Last()
	s.Require().True(ok)
	s.Equal(model.EventPositionUpdate, ev.Type)
	settle := ev.PnL
	s.True(settle.IsPositive(), "settle %s", settle)

	// Trader got freed collateral plus settle minus the 100 maker exit fee,
	// less the execution fee escrowed at placement.
	exitFee := dec("100")
	expected := walletBefore.Sub(dec("1")).Add(dec("49750")).Add(settle).Sub(exitFee)
	s.True(s.wallets.balanceOf(s.alice).Equal(expected),
		"wallet %s want %s", s.wallets.balanceOf(s.alice), expected)

	// The pool paid exactly the settled profit.
	s.True(s.mustVault().Balance().Equal(vaultBefore.Sub(settle)))
}

func (s *EngineSuite) TestFullCloseAtEntryPriceIsLossless() {
	s.openDefault(nil)
	vaultBefore := s.mustVault().Balance()

	// Closing the whole long at the same oracle price lands on the same
	// impact midpoint, so PnL is exactly zero.
	req := s.defaultOrder()
	req.IsIncrease = false
	req.CanExecuteAbove = true
	req.SizeDelta = dec("500000")
	req.CollateralDelta = decimal.Zero
	req.Price = dec("300000")

	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	res, err := s.engine.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.Require().NoError(err)
	s.Require().True(res.Executed)
	s.True(res.ExecPrice.Equal(dec("300375")))

	pos, err := s.engine.GetPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.True(pos.IsFlat())
	s.True(pos.Collateral.IsZero())

	ev, ok := s.engine.Journal().Last()
	s.Require().True(ok)
	s.Equal(model.EventPositionClose, ev.Type)
	s.True(ev.PnL.IsZero(), "pnl %s", ev.PnL)

	// 99500 freed minus the 200 maker exit fee and 1 execution fee.
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("999298")),
		"wallet %s", s.wallets.balanceOf(s.alice))
	s.True(s.mustVault().Balance().Equal(vaultBefore))

	st, err := s.repo.GetMarketState(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.True(st.LongOpenInterest.IsZero())
}

func (s *EngineSuite) TestZeroSizeDecreaseRejected() {
	s.openDefault(nil)
	walletBefore := s.wallets.balanceOf(s.alice)

	req := s.defaultOrder()
	req.IsIncrease = false
	req.CanExecuteAbove = true
	req.SizeDelta = decimal.Zero
	req.CollateralDelta = dec("1000")

	_, err := s.engine.PlaceOrder(s.ctx, req)
	s.ErrorIs(err, perrors.ErrEmptyOrder)
	s.True(s.wallets.balanceOf(s.alice).Equal(walletBefore),
		"wallet %s", s.wallets.balanceOf(s.alice))
}

func (s *EngineSuite) TestPartialCloseCannotShedAccruedFees() {
	cfg := s.marketConfig("ETH_USD")
	cfg.RolloverRatePerSec = dec("0.00001")
	s.Require().NoError(s.engine.CreateMarket(s.ctx, s.root, cfg))
	s.Require().NoError(s.feed.Update("ETH_USD", dec("3000")))
	ethUSD := cfg.Key

	req := s.defaultOrder()
	req.Market = ethUSD
	req.Price = dec("3010")
	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	res, err := s.engine.ExecuteOrder(s.ctx, ethUSD, order.ID)
	s.Require().NoError(err)
	s.Require().True(res.Executed)

	vaultBefore := s.mustVault().Balance()
	walletBefore := s.wallets.balanceOf(s.alice)

	// A day of rollover: accumulator 0.864, so the 99500 collateral owes
	// 85968, far more than the half close frees.
	s.clock.Advance(24 * time.Hour)
	owed := dec("85968")

	req = s.defaultOrder()
	req.Market = ethUSD
	req.IsIncrease = false
	req.CanExecuteAbove = true
	req.SizeDelta = dec("250000")
	req.CollateralDelta = decimal.Zero
	req.Price = dec("2990")
	order, err = s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	res, err = s.engine.ExecuteOrder(s.ctx, ethUSD, order.ID)
	s.Require().NoError(err)
	s.Require().True(res.Executed)
	s.Require().True(res.ExecPrice.Equal(dec("3005.625")))

	// Same decimal ops as the settlement path, so equality is exact.
	pnl := dec("250000").Mul(dec("3005.625").Sub(dec("3003.75")).Div(dec("3003.75")))
	shortfall := owed.Sub(pnl).Sub(dec("49750"))

	// The freed half is wiped and the uncovered remainder of the risk fee
	// comes out of the remaining collateral, not out of thin air.
	pos, err := s.engine.GetPosition(s.ctx, ethUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.True(pos.Size.Equal(dec("250000")))
	s.True(pos.Collateral.Equal(dec("49750").Sub(shortfall)),
		"collateral %s", pos.Collateral)
	s.True(pos.RolloverSnapshot.Equal(dec("0.864")), "snapshot %s", pos.RolloverSnapshot)

	// The pool collected the whole owed fee net of the realized profit.
	s.True(s.mustVault().Balance().Equal(vaultBefore.Add(owed).Sub(pnl)),
		"vault %s", s.mustVault().Balance())

	// Nothing came back to the trader beyond losing the execution fee.
	s.True(s.wallets.balanceOf(s.alice).Equal(walletBefore.Sub(dec("1"))),
		"wallet %s", s.wallets.balanceOf(s.alice))
}

func (s *EngineSuite) TestOversizedDecreaseRejectedAtPlacement() {
	s.openDefault(nil)

	req := s.defaultOrder()
	req.IsIncrease = false
	req.CanExecuteAbove = true
	req.SizeDelta = dec("600000")
	req.CollateralDelta = decimal.Zero

	_, err := s.engine.PlaceOrder(s.ctx, req)
	s.ErrorIs(err, perrors.ErrDecreaseOversized)
}

func (s *EngineSuite) TestDecreaseLeavingDustRejected() {
	s.openDefault(nil)
	walletBefore := s.wallets.balanceOf(s.alice)

	// Residual 50000 is below the market's minimum size.
	req := s.defaultOrder()
	req.IsIncrease = false
	req.CanExecuteAbove = true
	req.SizeDelta = dec("450000")
	req.CollateralDelta = decimal.Zero

	_, err := s.engine.PlaceOrder(s.ctx, req)
	s.ErrorIs(err, perrors.ErrSizeBelowMinimum)
	s.True(s.wallets.balanceOf(s.alice).Equal(walletBefore))
}

func (s *EngineSuite) TestLiquidation() {
	s.openDefault(nil)
	walletBefore := s.wallets.balanceOf(s.alice)
	vaultBefore := s.mustVault().Balance()

	// A 27% drop wipes far past the collateral.
	s.Require().NoError(s.feed.Update("BTC_USD", dec("220000")))

	res, err := s.engine.ExecuteExitPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.Equal(model.EventLiquidate, res.Tag)
	s.True(res.Payout.IsZero(), "payout %s", res.Payout)
	// Loss is capped at the position's collateral.
	s.True(res.Settled.Equal(dec("-99500")), "settled %s", res.Settled)

	pos, err := s.engine.GetPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.True(pos.IsFlat())

	s.True(s.wallets.balanceOf(s.alice).Equal(walletBefore))
	s.True(s.mustVault().Balance().Equal(vaultBefore.Add(dec("99500"))))

	st, err := s.repo.GetMarketState(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.True(st.LongOpenInterest.IsZero())
}

func (s *EngineSuite) TestHealthyPositionNotLiquidatable() {
	s.openDefault(nil)
	_, err := s.engine.ExecuteExitPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.ErrorIs(err, perrors.ErrNotLiquidatable)
}

func (s *EngineSuite) TestStopLossExit() {
	s.openDefault(func(r *PlaceOrderRequest) { r.StopLoss = dec("290000") })

	s.Require().NoError(s.feed.Update("BTC_USD", dec("288000")))
	res, err := s.engine.ExecuteExitPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.Equal(model.EventStopLoss, res.Tag)
	s.True(res.Payout.IsPositive())
	s.True(res.Settled.IsNegative())
}

func (s *EngineSuite) TestTakeProfitExit() {
	s.openDefault(func(r *PlaceOrderRequest) { r.TakeProfit = dec("320000") })

	s.Require().NoError(s.feed.Update("BTC_USD", dec("320000")))
	res, err := s.engine.ExecuteExitPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.Equal(model.EventTakeProfit, res.Tag)
	s.True(res.Settled.IsPositive())
}

func (s *EngineSuite) TestExitCooldownSuppressesProfitForThreshold() {
	cfg := s.marketConfig("ETH_USD")
	cfg.LiquidateThreshold = dec("0.999")
	cfg.ExitCooldown = time.Hour
	s.Require().NoError(s.engine.CreateMarket(s.ctx, s.root, cfg))
	s.Require().NoError(s.feed.Update("ETH_USD", dec("3000")))
	ethUSD := cfg.Key

	req := s.defaultOrder()
	req.Market = ethUSD
	req.Price = dec("3010")
	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	res, err := s.engine.ExecuteOrder(s.ctx, ethUSD, order.ID)
	s.Require().NoError(err)
	s.Require().True(res.Executed)

	// Deep in profit, but inside the cooldown the profit does not count
	// toward the threshold check, so the exit goes through as a
	// liquidation. The settlement itself still pays the real PnL.
	s.Require().NoError(s.feed.Update("ETH_USD", dec("4000")))
	exit, err := s.engine.ExecuteExitPosition(s.ctx, ethUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.Equal(model.EventLiquidate, exit.Tag)
	s.True(exit.Settled.IsPositive(), "settled %s", exit.Settled)
	s.True(exit.Payout.GreaterThan(dec("99500")), "payout %s", exit.Payout)
}

func (s *EngineSuite) TestExitCooldownExpires() {
	cfg := s.marketConfig("ETH_USD")
	cfg.LiquidateThreshold = dec("0.999")
	cfg.ExitCooldown = time.Hour
	s.Require().NoError(s.engine.CreateMarket(s.ctx, s.root, cfg))
	s.Require().NoError(s.feed.Update("ETH_USD", dec("3000")))
	ethUSD := cfg.Key

	req := s.defaultOrder()
	req.Market = ethUSD
	req.Price = dec("3010")
	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	_, err = s.engine.ExecuteOrder(s.ctx, ethUSD, order.ID)
	s.Require().NoError(err)

	// Past the cooldown the real profit counts, and the position is healthy.
	s.clock.Advance(2 * time.Hour)
	s.Require().NoError(s.feed.Update("ETH_USD", dec("4000")))
	_, err = s.engine.ExecuteExitPosition(s.ctx, ethUSD, s.alice, model.SideLong)
	s.ErrorIs(err, perrors.ErrNotLiquidatable)
}

func (s *EngineSuite) TestSoftBreakerBlocksNewExposure() {
	s.openDefault(nil)

	// A big win drains the pool past the soft drawdown threshold.
	s.Require().NoError(s.feed.Update("BTC_USD", dec("400000")))
	req := s.defaultOrder()
	req.IsIncrease = false
	req.CanExecuteAbove = true
	req.SizeDelta = dec("500000")
	req.CollateralDelta = decimal.Zero
	req.Price = dec("390000")
	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	res, err := s.engine.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.Require().NoError(err)
	s.Require().True(res.Executed)

	v := s.mustVault()
	s.True(v.SoftBroken(), "mdd %s", v.MDD())
	s.False(v.HardBroken())

	_, err = s.engine.PlaceOrder(s.ctx, s.defaultOrder())
	s.ErrorIs(err, perrors.ErrSoftBreaker)
}

func (s *EngineSuite) TestHardBreakerBlocksEverything() {
	// A vault with a zero hard threshold is tripped from the start.
	vcfg := vault.DefaultConfig("USDT")
	vcfg.SoftMDDThreshold = decimal.Zero
	vcfg.HardMDDThreshold = decimal.Zero
	_, err := s.engine.CreateVault(s.root, vcfg)
	s.Require().NoError(err)

	cfg := s.marketConfig("BTC_USDT")
	cfg.Key = model.MarketKey{Pair: "BTC_USDT", Collateral: "USDT"}
	s.Require().NoError(s.engine.CreateMarket(s.ctx, s.root, cfg))
	s.Require().NoError(s.feed.Update("BTC_USDT", dec("300000")))

	req := s.defaultOrder()
	req.Market = cfg.Key
	_, err = s.engine.PlaceOrder(s.ctx, req)
	s.ErrorIs(err, perrors.ErrHardBreaker)
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("1000000")))
}

func (s *EngineSuite) TestOpenInterestMatchesPositions() {
	s.openDefault(nil)
	req := s.defaultOrder()
	req.Owner = s.bob
	req.SizeDelta = dec("100000")
	req.CollateralDelta = dec("20000")
	order, err := s.engine.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	res, err := s.engine.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.Require().NoError(err)
	s.Require().True(res.Executed)

	positions, err := s.repo.ListPositions(s.ctx, s.btcUSD, model.SideLong)
	s.Require().NoError(err)
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Size)
	}
	st, err := s.repo.GetMarketState(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.True(total.Equal(st.LongOpenInterest),
		"positions %s vs OI %s", total, st.LongOpenInterest)
}

func (s *EngineSuite) TestUpdateTPSLCapsTakeProfit() {
	s.openDefault(nil)

	// Max profit is 9x collateral: entry 300375 caps the trigger at
	// 300375 * (1 + 9*99500/500000).
	err := s.engine.UpdateTPSL(s.ctx, s.btcUSD, s.alice, model.SideLong,
		dec("250000"), dec("999999999"), uuid.Nil)
	s.Require().NoError(err)

	pos, err := s.engine.GetPosition(s.ctx, s.btcUSD, s.alice, model.SideLong)
	s.Require().NoError(err)
	s.True(pos.StopLoss.Equal(dec("250000")))
	s.True(pos.TakeProfit.Equal(dec("838346.625")), "tp %s", pos.TakeProfit)
}

func (s *EngineSuite) TestCancelOrderRefunds() {
	order, err := s.engine.PlaceOrder(s.ctx, s.defaultOrder())
	s.Require().NoError(err)

	s.Require().NoError(s.engine.CancelOrder(s.ctx, s.btcUSD, order.ID, uuid.Nil))
	s.True(s.wallets.balanceOf(s.alice).Equal(dec("1000000")))

	err = s.engine.CancelOrder(s.ctx, s.btcUSD, order.ID, uuid.Nil)
	s.ErrorIs(err, perrors.ErrOrderNotFound)
}

func (s *EngineSuite) TestCreateMarketGates() {
	_, foreignRoot := admin.Bootstrap()
	cfg := s.marketConfig("SOL_USD")
	cfg.Key = model.MarketKey{Pair: "SOL_USD", Collateral: "USDC"}
	s.ErrorIs(s.engine.CreateMarket(s.ctx, foreignRoot, cfg), perrors.ErrCapabilityUnknown)

	// No vault for the collateral, no market.
	cfg.Key = model.MarketKey{Pair: "SOL_USD", Collateral: "DAI"}
	s.ErrorIs(s.engine.CreateMarket(s.ctx, s.root, cfg), perrors.ErrVaultNotFound)

	s.ErrorIs(s.engine.CreateMarket(s.ctx, s.root, s.marketConfig("BTC_USD")),
		perrors.ErrMarketExists)
}

func (s *EngineSuite) TestRestartRehydratesPersistedMarkets() {
	s.openDefault(nil)

	// A fresh engine over the same repository must pick the market up
	// again; only the vault is rebuilt from configuration.
	registry, root := admin.Bootstrap()
	eng, err := New(Deps{
		Logger:    zaptest.NewLogger(s.T()),
		Clock:     s.clock,
		Repo:      s.repo,
		Feed:      s.feed,
		Fees:      s.fees,
		Hooks:     rewards.NopHooks{},
		Delegates: s.wallets,
		Registry:  registry,
	}, root)
	s.Require().NoError(err)
	_, err = eng.CreateVault(root, vault.DefaultConfig("USDC"))
	s.Require().NoError(err)

	req := s.defaultOrder()
	req.Owner = s.bob
	req.SizeDelta = dec("100000")
	req.CollateralDelta = dec("20000")
	order, err := eng.PlaceOrder(s.ctx, req)
	s.Require().NoError(err)
	res, err := eng.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.Require().NoError(err)
	s.True(res.Executed)

	pos, err := eng.GetPosition(s.ctx, s.btcUSD, s.bob, model.SideLong)
	s.Require().NoError(err)
	s.True(pos.Size.Equal(dec("100000")))
}

func (s *EngineSuite) TestStalePriceAbortsExecution() {
	feed := oracle.NewMemoryFeed(s.clock, 10*time.Second)
	s.engine.feed = feed
	s.Require().NoError(feed.Update("BTC_USD", dec("300000")))

	order, err := s.engine.PlaceOrder(s.ctx, s.defaultOrder())
	s.Require().NoError(err)

	s.clock.Advance(11 * time.Second)
	_, err = s.engine.ExecuteOrder(s.ctx, s.btcUSD, order.ID)
	s.ErrorIs(err, perrors.ErrPriceStale)

	// Hard failure: the order is untouched.
	orders, err := s.engine.ListOrders(s.ctx, s.btcUSD)
	s.Require().NoError(err)
	s.Len(orders, 1)
}

func (s *EngineSuite) mustVault() *vault.Vault {
	v, err := s.engine.Vault("USDC")
	s.Require().NoError(err)
	return v
}
