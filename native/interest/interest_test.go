package interest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/pkg/decimal"
)

func TestDefaultModelScenario(t *testing.T) {
	// borrow_ratio 0.5 -> r = 0.5*0.2 + 0.25*0.5 = 0.225.
	variable, stable := Rate(Default, DefaultParams(Default), decimal.New(1).MustDiv(decimal.New(2), decimal.ToZero), decimal.Zero)
	require.Equal(t, "0.225", variable.String())
	require.Equal(t, variable.String(), stable.String())
}

func TestDefaultModelClampsAboveFullUtilisation(t *testing.T) {
	over, _ := Rate(Default, DefaultParams(Default), decimal.New(2), decimal.Zero)
	atOne, _ := Rate(Default, DefaultParams(Default), decimal.One, decimal.Zero)
	require.Equal(t, atOne.String(), over.String(), "utilisation above 1 must clamp before the quadratic term")
}

func TestXrdStakingFloorsStableAtAPY(t *testing.T) {
	apy := decimal.New(1).MustDiv(decimal.New(10), decimal.ToZero) // 10%
	variable, stable := Rate(XrdStaking, DefaultParams(Default), decimal.Zero, apy)
	require.True(t, stable.Cmp(variable) >= 0)
	require.Equal(t, apy.String(), stable.String())
}

func TestStableCoinHigherOrderCurve(t *testing.T) {
	variable, stable := Rate(StableCoin, DefaultParams(StableCoin), decimal.One, decimal.Zero)
	require.Equal(t, variable.String(), stable.String())
	require.Equal(t, "1", variable.String())
}
