package decimal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMulDivRoundingModes(t *testing.T) {
	ten := New(10)
	three := New(3)

	floor := ten.MustDiv(three, ToZero)
	ceil := ten.MustDiv(three, ToPositiveInfinity)

	require.True(t, floor.Cmp(ceil) < 0, "floor must be strictly less than ceil for an inexact division")
	require.Equal(t, "3.333333333333333333", floor.String())
	require.Equal(t, "3.333333333333333334", ceil.String())
}

func TestDivByZeroAborts(t *testing.T) {
	_, ok := New(5).Div(Zero, ToZero)
	require.False(t, ok)
}

func TestLinearVsCompoundDiverge(t *testing.T) {
	principal := New(1000)
	rate := New(1).MustDiv(New(4), ToZero) // 25% annualised
	periods := uint64(52560)               // half a year
	periodsPerYear := New(105120)

	linear := principal.Linear(rate, periodsPerYear, periods)
	compound := principal.PowCompound(rate, periodsPerYear, periods)

	require.True(t, compound.Cmp(linear) > 0, "compounding must outgrow linear accrual over the same horizon")
}

func TestIndexMonotonicity(t *testing.T) {
	index := One
	rate := New(1).MustDiv(New(10), ToZero)
	for i := uint64(0); i < 10; i++ {
		next := index.PowCompound(rate, New(105120), 1000)
		require.True(t, next.Cmp(index) >= 0, "loan index must never decrease")
		index = next
	}
}
