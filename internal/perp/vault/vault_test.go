package vault

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
	"github.com/merkle-trade/perp-engine/internal/perp/admin"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
	"github.com/merkle-trade/perp-engine/internal/perp/rewards"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type VaultSuite struct {
	suite.Suite

	ctx      context.Context
	clock    *model.ManualClock
	fees     *rewards.NopFeeDistributor
	registry *admin.Registry
	settle   *admin.SettleCap
	vault    *Vault

	alice uuid.UUID
	bob   uuid.UUID
}

func TestVaultSuite(t *testing.T) {
	suite.Run(t, new(VaultSuite))
}

func (s *VaultSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = model.NewManualClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s.fees = rewards.NewNopFeeDistributor()

	registry, root := admin.Bootstrap()
	s.registry = registry
	sc, err := registry.IssueSettle(root)
	s.Require().NoError(err)
	s.settle = sc

	cfg := DefaultConfig("USDC")
	cfg.MinDeposit = dec("0.000001")
	s.vault = New(zaptest.NewLogger(s.T()), s.clock, s.fees, registry, cfg)

	s.alice = uuid.New()
	s.bob = uuid.New()
}

func (s *VaultSuite) deposit(owner uuid.UUID, amount string) decimal.Decimal {
	minted, err := s.vault.Deposit(s.ctx, owner, dec(amount))
	s.Require().NoError(err)
	return minted
}

func (s *VaultSuite) TestBootstrapDepositMintsOneToOne() {
	minted := s.deposit(s.alice, "1000")

	s.True(minted.Equal(dec("1000")), "minted %s", minted)
	s.True(s.vault.SharePrice().Equal(dec("1")))
	s.True(s.vault.Balance().Equal(dec("1000")))
	s.True(s.vault.SharesOf(s.alice).Equal(dec("1000")))
}

func (s *VaultSuite) TestDepositBelowMinimum() {
	_, err := s.vault.Deposit(s.ctx, s.alice, dec("0.0000001"))
	s.ErrorIs(err, perrors.ErrBelowMinDeposit)
}

func (s *VaultSuite) TestProportionalMintAfterPoolGain() {
	s.deposit(s.alice, "1000")
	s.Require().NoError(s.vault.Absorb(s.settle, dec("500")))

	// Pool is worth 1500 against 1000 shares; 300 buys 200 shares.
	minted := s.deposit(s.bob, "300")
	s.True(minted.Equal(dec("200")), "minted %s", minted)
	s.True(s.vault.Supply().Equal(dec("1200")))
}

func (s *VaultSuite) TestDustDepositRejected() {
	s.deposit(s.alice, "1000")
	s.Require().NoError(s.vault.Absorb(s.settle, dec("999999000")))

	// One millionth of a unit against a billion-unit pool mints nothing.
	_, err := s.vault.Deposit(s.ctx, s.bob, dec("0.000001"))
	s.ErrorIs(err, perrors.ErrDustDeposit)
	s.True(s.vault.Supply().Equal(dec("1000")))
}

func (s *VaultSuite) TestDepositFeeGoesToDistributor() {
	cfg := DefaultConfig("USDC")
	cfg.DepositFeeRate = dec("0.01")
	v := New(zaptest.NewLogger(s.T()), s.clock, s.fees, s.registry, cfg)

	minted, err := v.Deposit(s.ctx, s.alice, dec("1000"))
	s.Require().NoError(err)
	s.True(minted.Equal(dec("990")), "minted %s", minted)
	s.True(v.Balance().Equal(dec("990")))
	s.True(s.fees.Collected("USDC").Equal(dec("10")))
}

func (s *VaultSuite) TestMDDZeroOnFreshVault() {
	s.True(s.vault.MDD().IsZero())
	s.False(s.vault.SoftBroken())
	s.False(s.vault.HardBroken())
}

func (s *VaultSuite) TestDrawdownBreakers() {
	s.deposit(s.alice, "1000")

	// 15% drawdown crosses the soft threshold only.
	s.Require().NoError(s.vault.PayOut(s.settle, dec("150")))
	s.True(s.vault.MDD().Equal(dec("0.15")), "mdd %s", s.vault.MDD())
	s.True(s.vault.SoftBroken())
	s.False(s.vault.HardBroken())

	// A payout that would newly trip the hard breaker is rolled back.
	err := s.vault.PayOut(s.settle, dec("60"))
	s.ErrorIs(err, perrors.ErrHardBreaker)
	s.True(s.vault.Balance().Equal(dec("850")))

	// Losses absorbed into the pool heal the drawdown.
	s.Require().NoError(s.vault.Absorb(s.settle, dec("150")))
	s.False(s.vault.SoftBroken())
}

func (s *VaultSuite) TestWatermarkFollowsShareHigh() {
	s.deposit(s.alice, "1000")
	s.Require().NoError(s.vault.Absorb(s.settle, dec("200")))

	// Watermark is now 1.2; a fall back to 1.0 is a 1/6 drawdown.
	s.Require().NoError(s.vault.PayOut(s.settle, dec("200")))
	mdd := s.vault.MDD()
	s.True(mdd.GreaterThan(dec("0.16")) && mdd.LessThan(dec("0.17")), "mdd %s", mdd)
	s.True(s.vault.SoftBroken())
	s.False(s.vault.HardBroken())
}

func (s *VaultSuite) TestPayOutCannotOverdraw() {
	s.deposit(s.alice, "1000")
	err := s.vault.PayOut(s.settle, dec("2000"))
	s.ErrorIs(err, perrors.ErrHardBreaker)
	s.True(s.vault.Balance().Equal(dec("1000")))
}

func (s *VaultSuite) TestSettleTransfersRequireCapability() {
	s.deposit(s.alice, "1000")

	s.ErrorIs(s.vault.Absorb(nil, dec("1")), perrors.ErrCapabilityUnknown)

	otherReg, otherRoot := admin.Bootstrap()
	foreign, err := otherReg.IssueSettle(otherRoot)
	s.Require().NoError(err)
	s.ErrorIs(s.vault.PayOut(foreign, dec("1")), perrors.ErrCapabilityUnknown)
}

func (s *VaultSuite) TestRedeemPlanEscrowsShares() {
	s.deposit(s.alice, "1000")

	plan, err := s.vault.RegisterRedeemPlan(s.alice, dec("500"))
	s.Require().NoError(err)
	s.True(plan.InitialShares.Equal(dec("500")))
	s.True(s.vault.SharesOf(s.alice).Equal(dec("500")))

	_, err = s.vault.RegisterRedeemPlan(s.alice, dec("100"))
	s.ErrorIs(err, perrors.ErrPlanExists)

	_, err = s.vault.RegisterRedeemPlan(s.bob, dec("1"))
	s.ErrorIs(err, perrors.ErrInsufficientShares)
}

func (s *VaultSuite) TestRedeemTrancheSchedule() {
	s.deposit(s.alice, "1000")
	_, err := s.vault.RegisterRedeemPlan(s.alice, dec("500"))
	s.Require().NoError(err)

	// First tranche is claimable immediately.
	payout, err := s.vault.Redeem(s.ctx, s.alice)
	s.Require().NoError(err)
	s.True(payout.Equal(dec("100")), "payout %s", payout)

	// Same window again is too early.
	_, err = s.vault.Redeem(s.ctx, s.alice)
	s.ErrorIs(err, perrors.ErrRedeemTooEarly)

	// The next 24h window opens the second tranche.
	s.clock.Advance(24 * time.Hour)
	payout, err = s.vault.Redeem(s.ctx, s.alice)
	s.Require().NoError(err)
	s.True(payout.Equal(dec("100")))

	// Far in the future the remaining tranches drain one call at a time.
	s.clock.Advance(10 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		payout, err = s.vault.Redeem(s.ctx, s.alice)
		s.Require().NoError(err)
		s.True(payout.Equal(dec("100")), "tranche %d payout %s", i+3, payout)
	}

	_, ok := s.vault.Plan(s.alice)
	s.False(ok)
	_, err = s.vault.Redeem(s.ctx, s.alice)
	s.ErrorIs(err, perrors.ErrPlanNotFound)

	s.True(s.vault.Supply().Equal(dec("500")))
	s.True(s.vault.Balance().Equal(dec("500")))
}

func (s *VaultSuite) TestFullRedemptionRoundTrip() {
	s.deposit(s.alice, "1000")
	_, err := s.vault.RegisterRedeemPlan(s.alice, dec("1000"))
	s.Require().NoError(err)

	total := decimal.Zero
	for i := 0; i < 5; i++ {
		payout, err := s.vault.Redeem(s.ctx, s.alice)
		s.Require().NoError(err)
		total = total.Add(payout)
		s.clock.Advance(24 * time.Hour)
	}

	// With zero fees the full deposit comes back.
	s.True(total.Equal(dec("1000")), "total %s", total)
	s.True(s.vault.Supply().IsZero())
	s.True(s.vault.Balance().IsZero())
}

func (s *VaultSuite) TestCancelRedeemPlanReturnsShares() {
	s.deposit(s.alice, "1000")
	_, err := s.vault.RegisterRedeemPlan(s.alice, dec("500"))
	s.Require().NoError(err)

	_, err = s.vault.Redeem(s.ctx, s.alice)
	s.Require().NoError(err)

	returned, err := s.vault.CancelRedeemPlan(s.alice)
	s.Require().NoError(err)
	s.True(returned.Equal(dec("400")), "returned %s", returned)
	s.True(s.vault.SharesOf(s.alice).Equal(dec("900")))

	_, err = s.vault.CancelRedeemPlan(s.alice)
	s.ErrorIs(err, perrors.ErrPlanNotFound)
}

func (s *VaultSuite) TestRedeemWithdrawFee() {
	cfg := DefaultConfig("USDC")
	cfg.WithdrawFeeRate = dec("0.01")
	v := New(zaptest.NewLogger(s.T()), s.clock, s.fees, s.registry, cfg)

	_, err := v.Deposit(s.ctx, s.alice, dec("1000"))
	s.Require().NoError(err)
	_, err = v.RegisterRedeemPlan(s.alice, dec("500"))
	s.Require().NoError(err)

	payout, err := v.Redeem(s.ctx, s.alice)
	s.Require().NoError(err)
	s.True(payout.Equal(dec("99")), "payout %s", payout)
	s.True(s.fees.Collected("USDC").Equal(dec("1")))
}
