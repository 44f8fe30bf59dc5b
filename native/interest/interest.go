// Package interest implements the three pure interest-rate models driving
// every lending pool: Default, StableCoin and XrdStaking. Grounded on
// original_source/interest/src/interest_model.rs.
package interest

import "nhbchain/pkg/decimal"

// Model selects which utilisation curve a pool's rate is drawn from.
type Model int

const (
	// Default is the general-purpose kinked curve: r = min(1,x)*p1 + min(1,x)^2*p2.
	Default Model = iota
	// StableCoin uses a steeper, higher-order curve suited to narrow-band assets.
	StableCoin
	// XrdStaking behaves like Default but floors the stable-rate output at
	// the network's active-set staking APY.
	XrdStaking
)

// Params holds the two curve coefficients for a model. Defaults per
// original_source: Default (0.2, 0.5), StableCoin (0.55, 0.45).
type Params struct {
	P1 decimal.Decimal
	P2 decimal.Decimal
}

// DefaultParams returns the protocol's default coefficients for model.
func DefaultParams(model Model) Params {
	switch model {
	case StableCoin:
		return Params{P1: pct(55), P2: pct(45)}
	default:
		return Params{P1: pct(20), P2: pct(50)}
	}
}

func pct(p int64) decimal.Decimal {
	return decimal.New(p).MustDiv(decimal.New(100), decimal.ToZero)
}

// Rate computes (variableRate, stableRate) for a pool's current utilisation.
//
// borrowRatio = total_debt / supply, used by every model.
// apyFloor is the validator keeper's active-set APY estimate; only the
// XrdStaking model consumes it.
//
// Per SPEC_FULL.md §4.1 (resolving spec.md §9's Default/StableCoin
// clamping inconsistency), x is clamped to [0,1] before the quadratic term
// in every model, not just StableCoin.
func Rate(model Model, params Params, borrowRatio decimal.Decimal, apyFloor decimal.Decimal) (variable, stable decimal.Decimal) {
	x := borrowRatio.Min(decimal.One)
	if x.IsNegative() {
		x = decimal.Zero
	}

	switch model {
	case StableCoin:
		x2 := x.Mul(x, decimal.ToZero)
		x4 := x2.Mul(x2, decimal.ToZero)
		x8 := x4.Mul(x4, decimal.ToZero)
		r := params.P1.Mul(x4, decimal.ToZero).Add(params.P2.Mul(x8, decimal.ToZero))
		return r, r
	case XrdStaking:
		r := params.P1.Mul(x, decimal.ToZero).Add(params.P2.Mul(x.Mul(x, decimal.ToZero), decimal.ToZero))
		return r, r.Max(apyFloor)
	default: // Default
		r := params.P1.Mul(x, decimal.ToZero).Add(params.P2.Mul(x.Mul(x, decimal.ToZero), decimal.ToZero))
		return r, r
	}
}
