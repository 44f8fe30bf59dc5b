package lending

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/native/interest"
	"nhbchain/pkg/decimal"
)

func newTestPool() *Pool {
	cfg := Config{
		InterestModel:     interest.Default,
		InterestParams:    interest.DefaultParams(interest.Default),
		InsuranceRatio:    decimal.Zero,
		FlashloanFeeRatio: decimal.New(1).MustDiv(decimal.New(1000), decimal.ToZero),
	}
	return New(cfg)
}

// Supply-withdraw round trip with zero borrowers.
func TestSupplyWithdrawRoundTrip(t *testing.T) {
	p := newTestPool()
	shares, err := p.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)
	require.Equal(t, "1000", shares.String())

	out, err := p.RemoveLiquidity(2016, nil, shares)
	require.NoError(t, err)
	require.Equal(t, "1000", out.String(), "zero borrowers must leave deposit_index at 1")
}

// Variable loan interest accrual over half a year.
func TestVariableLoanInterestAccrual(t *testing.T) {
	p := newTestPool()
	_, err := p.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)

	_, share, err := p.BorrowVariable(0, nil, decimal.New(500))
	require.NoError(t, err)

	// advance half a year; rate recalculated after the borrow uses
	// borrow_ratio=0.5 -> r=0.225 per the Default model.
	require.NoError(t, p.UpdateIndex(EpochOfYear/2, nil))

	debt := share.Mul(p.LoanIndex, decimal.ToPositiveInfinity)
	// 500*(1+0.225/105120)^52560 ~= 559.54
	lower := decimal.New(559)
	upper := decimal.New(560)
	require.True(t, debt.Cmp(lower) > 0 && debt.Cmp(upper) < 0, "got debt=%s", debt.String())
}

func TestRepayVariableCannotCreditBeyondDebt(t *testing.T) {
	p := newTestPool()
	_, err := p.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)
	_, share, err := p.BorrowVariable(0, nil, decimal.New(500))
	require.NoError(t, err)

	remainder, deltaShare, err := p.RepayVariable(100, nil, decimal.New(10000), share, nil)
	require.NoError(t, err)
	require.True(t, deltaShare.Cmp(share) <= 0)
	require.True(t, remainder.IsPositive(), "overpaying must return the unused remainder, never credit more than the debt")
}

func TestAddLiquidityRoundsMintedSharesToDivisibility(t *testing.T) {
	cfg := Config{
		ShareDivisibility: 2,
		InterestModel:     interest.Default,
		InterestParams:    interest.DefaultParams(interest.Default),
		InsuranceRatio:    decimal.Zero,
		FlashloanFeeRatio: decimal.Zero,
	}
	p := New(cfg)

	amount, err := decimal.Parse("1.005")
	require.NoError(t, err)
	shares, err := p.AddLiquidity(0, nil, amount)
	require.NoError(t, err)
	require.Equal(t, "1", shares.String(), "minted shares must floor to 2 decimal places, not 1.005")
}

func TestStableRateLockedAtBorrowTime(t *testing.T) {
	p := newTestPool()
	_, err := p.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)

	r1 := decimal.New(3).MustDiv(decimal.New(10), decimal.ToZero)
	_, err = p.BorrowStable(0, nil, decimal.New(100), r1)
	require.NoError(t, err)
	require.Equal(t, r1.String(), p.StableLoanRate.String())

	r2 := decimal.New(1).MustDiv(decimal.New(10), decimal.ToZero)
	_, err = p.BorrowStable(0, nil, decimal.New(50), r2)
	require.NoError(t, err)

	// P8: new weighted average exactly (A*R + a*r)/(A+a).
	want := GetWeightRate(decimal.New(100), r1, decimal.New(50), r2)
	require.Equal(t, want.String(), p.StableLoanRate.String())
	require.NotEqual(t, r1.String(), p.StableLoanRate.String(), "the pool average moves even though a position's own rate is locked")
}

func TestIndexMonotonicityAcrossOperations(t *testing.T) {
	p := newTestPool()
	_, err := p.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)
	_, _, err = p.BorrowVariable(0, nil, decimal.New(100))
	require.NoError(t, err)

	prevDeposit, prevLoan := p.DepositIndex, p.LoanIndex
	for epoch := uint64(100); epoch <= 1000; epoch += 100 {
		require.NoError(t, p.UpdateIndex(epoch, nil))
		require.True(t, p.DepositIndex.Cmp(prevDeposit) >= 0, "deposit_index must never decrease")
		require.True(t, p.LoanIndex.Cmp(prevLoan) >= 0, "loan_index must never decrease")
		prevDeposit, prevLoan = p.DepositIndex, p.LoanIndex
	}
}

func TestFlashloanFeeDistribution(t *testing.T) {
	p := newTestPool()
	_, err := p.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)
	p.Config.InsuranceRatio = decimal.New(1).MustDiv(decimal.New(10), decimal.ToZero)

	fee := decimal.New(1).MustDiv(decimal.New(10), decimal.ToZero) // 0.1 A, 0.1% of 100
	principal := decimal.New(100)
	_, err = p.BorrowFixedTerm(principal)
	require.NoError(t, err)

	indexBefore := p.DepositIndex
	p.RepayFixedTerm(principal, fee)

	require.Equal(t, "0.01", p.InsuranceBalance.String())
	require.True(t, p.DepositIndex.Cmp(indexBefore) > 0, "repaying a flashloan fee must bump deposit_index")
}

func TestBondBookOrderingAndSweep(t *testing.T) {
	p := newTestPool()
	_, err := p.AddLiquidity(0, nil, decimal.New(1000))
	require.NoError(t, err)

	_, err = p.BorrowFixedTerm(decimal.New(90))
	require.NoError(t, err)
	p.AddFixedTerm(1, 500, decimal.New(100), decimal.New(10))

	_, err = p.BorrowFixedTerm(decimal.New(45))
	require.NoError(t, err)
	p.AddFixedTerm(2, 300, decimal.New(50), decimal.New(5))

	require.Equal(t, []uint64{300, 500}, p.Bonds.epochs, "bond epochs must stay strictly ascending regardless of insertion order")

	require.NoError(t, p.UpdateIndex(300, nil))
	require.Contains(t, p.Bonds.byEpoch, uint64(500))
	require.NotContains(t, p.Bonds.byEpoch, uint64(300), "matured epochs are swept before later ticks")

	require.NoError(t, p.UpdateIndex(500, nil))
	require.Empty(t, p.Bonds.epochs)
	require.True(t, p.BondAmount.IsZero(), "bond_amount settles to zero once every ticket has matured")
}
