package cdm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/native/common"
	"nhbchain/native/events"
	"nhbchain/native/interest"
	"nhbchain/native/lending"
	"nhbchain/pkg/asset"
	"nhbchain/pkg/decimal"
)

type fakeOracle struct {
	prices map[string]decimal.Decimal
}

func (f *fakeOracle) GetValidPriceInXRD(base, quote asset.ID, priceStr string, epochNow, timestamp uint64, sig []byte) (decimal.Decimal, error) {
	return f.prices[quote.String()], nil
}

func mustAsset(t *testing.T, prefix asset.Prefix, tag byte) asset.ID {
	t.Helper()
	b := make([]byte, 20)
	b[19] = tag
	id, err := asset.New(prefix, b)
	require.NoError(t, err)
	return id
}

func newTestManager(t *testing.T) (*Manager, asset.ID, asset.ID) {
	xrdUnderlying := asset.XRD
	other := mustAsset(t, asset.UnderlyingPrefix, 7)
	otherShare := mustAsset(t, asset.ShareTokenPrefix, 7)
	xrdShare := mustAsset(t, asset.ShareTokenPrefix, 0xff)

	oracle := &fakeOracle{prices: map[string]decimal.Decimal{
		other.String(): decimal.New(2), // 1 OTHER = 2 XRD
	}}
	m := New(oracle)

	insuranceRatio := decimal.New(1).MustDiv(decimal.New(10), decimal.ToZero) // 0.1
	xrdPool := lending.New(lending.Config{
		Underlying:        xrdUnderlying,
		InterestModel:     interest.Default,
		InterestParams:    interest.DefaultParams(interest.Default),
		FlashloanFeeRatio: decimal.New(1).MustDiv(decimal.New(1000), decimal.ToZero),
		InsuranceRatio:    insuranceRatio,
	})
	otherPool := lending.New(lending.Config{
		Underlying:        other,
		InterestModel:     interest.Default,
		InterestParams:    interest.DefaultParams(interest.Default),
		FlashloanFeeRatio: decimal.New(1).MustDiv(decimal.New(1000), decimal.ToZero),
		InsuranceRatio:    insuranceRatio,
	})

	_, err := xrdPool.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)
	_, err = otherPool.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)

	ltv := decimal.New(1).MustDiv(decimal.New(2), decimal.ToZero)          // 0.5
	liqThreshold := decimal.New(6).MustDiv(decimal.New(10), decimal.ToZero) // 0.6
	liqBonus := decimal.New(1).MustDiv(decimal.New(20), decimal.ToZero)   // 0.05

	require.NoError(t, m.RegisterPool(nil, xrdUnderlying, xrdPool, AssetState{
		Model:                interest.Default,
		CollateralShareAsset: xrdShare,
		LTV:                  ltv,
		LiquidationThreshold: liqThreshold,
		LiquidationBonus:     liqBonus,
	}))
	require.NoError(t, m.RegisterPool(nil, other, otherPool, AssetState{
		Model:                interest.Default,
		CollateralShareAsset: otherShare,
		LTV:                  ltv,
		LiquidationThreshold: liqThreshold,
		LiquidationBonus:     liqBonus,
	}))

	return m, xrdUnderlying, other
}

// P6: a freshly opened position borrowed at the max LTV must be healthy.
func TestBorrowVariableRespectsMaxLoanAmount(t *testing.T) {
	m, xrd, other := newTestManager(t)

	// 100 OTHER collateral worth 200 XRD at ltv=0.5 -> max borrow 100 XRD.
	q := SignedQuote{Quote: other, Price: "2"}
	_, _, err := m.BorrowVariable(0, other, decimal.New(100), xrd, decimal.New(101), q, nil)
	require.ErrorIs(t, err, ErrLoanTooLarge)

	pos, bucket, err := m.BorrowVariable(0, other, decimal.New(100), xrd, decimal.New(100), q, nil)
	require.NoError(t, err)
	require.Equal(t, "100", bucket.String())
	require.Equal(t, decimal.New(100).String(), pos.CollateralAmount.String())
}

// A position whose health factor drops below 1 is partially liquidated,
// bounded by the close factor.
func TestLiquidationRespectsCloseFactor(t *testing.T) {
	m, xrd, other := newTestManager(t)
	q := SignedQuote{Quote: other, Price: "2"}

	// 100 OTHER = 200 XRD collateral, borrow the max 100 XRD at ltv=0.5.
	pos, _, err := m.BorrowVariable(0, other, decimal.New(100), xrd, decimal.New(100), q, nil)
	require.NoError(t, err)

	// Crash OTHER's price: now 100 OTHER = 90 XRD, debt 100 XRD, threshold
	// 0.6 -> health = 90*0.6/100 = 0.54 < 1: liquidatable.
	m.Oracle.(*fakeOracle).prices[other.String()] = decimal.New(9).MustDiv(decimal.New(10), decimal.ToZero)

	remainder, underlyingOut, err := m.Liquidation(0, pos.ID, decimal.New(1000), decimal.Zero, q, nil)
	require.NoError(t, err)
	require.True(t, remainder.IsPositive(), "the 1000 bucket exceeds the close-factor-bounded amount, remainder must be returned")
	require.True(t, underlyingOut.IsPositive())

	maxToLiquidate := decimal.New(100).Mul(m.CloseFactorPercent, decimal.ToZero)
	require.True(t, pos.TotalRepay.Cmp(maxToLiquidate) <= 0, "liquidation must never exceed the close factor bound")
}

func TestLiquidationRejectsHealthyPosition(t *testing.T) {
	m, xrd, other := newTestManager(t)
	q := SignedQuote{Quote: other, Price: "2"}

	pos, _, err := m.BorrowVariable(0, other, decimal.New(100), xrd, decimal.New(50), q, nil)
	require.NoError(t, err)

	_, _, err = m.Liquidation(0, pos.ID, decimal.New(1000), decimal.Zero, q, nil)
	require.ErrorIs(t, err, ErrHealthOK)
}

// P5: a flash loan receipt must be burned before the transaction ends;
// AssertNoOpenFlashloans is the host's end-of-transaction gate.
func TestFlashloanMustBeSettledInSameTransaction(t *testing.T) {
	m, xrd, _ := newTestManager(t)

	bucket, receipt, err := m.BorrowFlashloan(xrd, decimal.New(100))
	require.NoError(t, err)
	require.Equal(t, "100", bucket.String())
	require.ErrorIs(t, m.AssertNoOpenFlashloans(), ErrFlashloanUnsettled)

	err = m.RepayFlashloan(receipt, xrd, decimal.New(100))
	require.ErrorIs(t, err, ErrBadResource, "fee-less repayment below principal+fee must be rejected")

	fee := decimal.New(100).Mul(decimal.New(1).MustDiv(decimal.New(1000), decimal.ToZero), decimal.ToPositiveInfinity)
	err = m.RepayFlashloan(receipt, xrd, decimal.New(100).Add(fee))
	require.NoError(t, err)
	require.NoError(t, m.AssertNoOpenFlashloans())
}

func TestRepayFlashloanRejectsWrongAsset(t *testing.T) {
	m, xrd, other := newTestManager(t)
	_, receipt, err := m.BorrowFlashloan(xrd, decimal.New(10))
	require.NoError(t, err)

	err = m.RepayFlashloan(receipt, other, decimal.New(10))
	require.ErrorIs(t, err, ErrBadResource)
}

// Close-factor update, insurance withdrawal, and pool registration are all
// restricted entries once a Manager is wired with a role source.
func TestRestrictedEntriesRequireRoleOnceRolesAreWired(t *testing.T) {
	m, xrd, _ := newTestManager(t)

	authority := []byte("authority-addr")
	roles := common.NewStaticRoles(authority)
	m.SetRoles(roles)

	stranger := []byte("stranger-addr")
	err := m.UpdateCloseFactor(stranger, decimal.New(1).MustDiv(decimal.New(4), decimal.ToZero))
	require.ErrorIs(t, err, common.ErrRoleDenied)

	roles.Grant(common.RoleAdmin, authority)
	require.NoError(t, m.UpdateCloseFactor(authority, decimal.New(1).MustDiv(decimal.New(4), decimal.ToZero)))
	require.Equal(t, "0.25", m.CloseFactorPercent.String())

	_, err = m.WithdrawInsurance(stranger, xrd, decimal.New(1))
	require.ErrorIs(t, err, common.ErrRoleDenied)

	// RegisterPool is likewise gated once roles are wired.
	otherState := m.States[xrd.String()]
	err = m.RegisterPool(stranger, xrd, m.Pools[xrd.String()], otherState)
	require.ErrorIs(t, err, common.ErrRoleDenied)
	require.NoError(t, m.RegisterPool(authority, xrd, m.Pools[xrd.String()], otherState))
}

// Flashloan fee distribution makes insurance withdrawable up to the
// accumulated fee share.
func TestWithdrawInsuranceRespectsAccumulatedBalance(t *testing.T) {
	m, xrd, _ := newTestManager(t)
	bucket, receipt, err := m.BorrowFlashloan(xrd, decimal.New(100))
	require.NoError(t, err)
	fee := receipt.Fee
	require.NoError(t, m.RepayFlashloan(receipt, xrd, bucket.Add(fee)))

	insuranceRatio := decimal.New(1).MustDiv(decimal.New(10), decimal.ToZero)
	accrued := fee.Mul(insuranceRatio, decimal.ToZero)

	_, err = m.WithdrawInsurance(nil, xrd, accrued.Add(decimal.New(1)))
	require.Error(t, err, "withdrawing more than accrued insurance must fail")

	out, err := m.WithdrawInsurance(nil, xrd, accrued)
	require.NoError(t, err)
	require.Equal(t, accrued.String(), out.String())
}

type recordingSink struct {
	events []events.Typed
}

func (s *recordingSink) Emit(e events.Typed) { s.events = append(s.events, e) }

// Interest-model coefficient updates are a restricted entry, and a wired
// host observes them as a SetParams event.
func TestUpdateInterestParamsGatesAndEmits(t *testing.T) {
	m, xrd, _ := newTestManager(t)

	admin := []byte("admin-addr")
	roles := common.NewStaticRoles([]byte("authority-addr"))
	m.SetRoles(roles)
	sink := &recordingSink{}
	m.SetEventSink(sink)

	newParams := interest.Params{P1: decimal.New(3).MustDiv(decimal.New(10), decimal.ToZero), P2: decimal.New(6).MustDiv(decimal.New(10), decimal.ToZero)}

	err := m.UpdateInterestParams([]byte("stranger-addr"), xrd, newParams)
	require.ErrorIs(t, err, common.ErrRoleDenied)

	roles.Grant(common.RoleAdmin, admin)
	require.NoError(t, m.UpdateInterestParams(admin, xrd, newParams))
	require.Len(t, sink.events, 1)
	require.Equal(t, events.TypeSetParams, sink.events[0].EventType())
}
