// Package decimal implements the signed fixed-point arithmetic shared by every
// accrual engine in the protocol: amounts, indices and rates are all
// represented as a big.Int scaled by 10^18 ("ray" scale, after the same
// convention used by native/lending/math.go in the teacher codebase).
package decimal

import (
	"fmt"
	"math/big"
	"strings"
)

// MarshalJSON renders d the same way String does, so persisted snapshots
// stay human-readable and round-trip through Parse.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses a JSON string produced by MarshalJSON.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Scale is the number of fractional digits carried by every Decimal.
const Scale = 18

// One is the fixed-point representation of the integer 1.
var One = New(1)

// Zero is the fixed-point representation of 0.
var Zero = Decimal{v: big.NewInt(0)}

var scaleFactor = func() *big.Int {
	f := big.NewInt(1)
	ten := big.NewInt(10)
	for i := 0; i < Scale; i++ {
		f.Mul(f, ten)
	}
	return f
}()

// Rounding selects which of the two rounding modes exercised by the core is
// applied to a division. The core never rounds to nearest: vault payouts
// always round ToZero (never over-pay) and debt normalisation always rounds
// ToPositiveInfinity (never under-charge).
type Rounding int

const (
	// ToZero truncates toward zero (floor for non-negative operands).
	ToZero Rounding = iota
	// ToPositiveInfinity rounds up away from zero for positive operands
	// (ceil).
	ToPositiveInfinity
)

// Decimal is an immutable signed fixed-point number scaled by 10^Scale.
type Decimal struct {
	v *big.Int
}

func fromRay(v *big.Int) Decimal {
	if v == nil {
		return Zero
	}
	return Decimal{v: v}
}

// New builds a Decimal from an integer number of whole units.
func New(units int64) Decimal {
	return Decimal{v: new(big.Int).Mul(big.NewInt(units), scaleFactor)}
}

// FromRay builds a Decimal directly from its ray-scaled representation
// (i.e. the integer value of units * 10^Scale).
func FromRay(ray *big.Int) Decimal {
	return fromRay(new(big.Int).Set(ray))
}

// FromBps builds a Decimal from a basis-points integer (bps/10000), the
// fixed-point unit config files use for percentages such as LTV or the
// flashloan fee ratio.
func FromBps(bps uint64) Decimal {
	return New(int64(bps)).MustDiv(New(10000), ToZero)
}

// Float64 converts d to a float64, lossy beyond float64's precision. Only
// metrics/observability call this; accrual math stays in fixed point.
func (d Decimal) Float64() float64 {
	f := new(big.Float).SetInt(d.Ray())
	f.Quo(f, new(big.Float).SetInt(scaleFactor))
	out, _ := f.Float64()
	return out
}

// Ray returns the underlying ray-scaled integer. The caller must not mutate
// the result in place.
func (d Decimal) Ray() *big.Int {
	if d.v == nil {
		return big.NewInt(0)
	}
	return d.v
}

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool { return d.Ray().Sign() == 0 }

// IsPositive reports whether d is strictly greater than zero.
func (d Decimal) IsPositive() bool { return d.Ray().Sign() > 0 }

// IsNegative reports whether d is strictly less than zero.
func (d Decimal) IsNegative() bool { return d.Ray().Sign() < 0 }

// Cmp compares d to o: -1, 0 or 1.
func (d Decimal) Cmp(o Decimal) int { return d.Ray().Cmp(o.Ray()) }

// Add returns d + o.
func (d Decimal) Add(o Decimal) Decimal {
	return fromRay(new(big.Int).Add(d.Ray(), o.Ray()))
}

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) Decimal {
	return fromRay(new(big.Int).Sub(d.Ray(), o.Ray()))
}

// Neg returns -d.
func (d Decimal) Neg() Decimal {
	return fromRay(new(big.Int).Neg(d.Ray()))
}

// Abs returns |d|.
func (d Decimal) Abs() Decimal {
	return fromRay(new(big.Int).Abs(d.Ray()))
}

// Min returns the smaller of d and o.
func (d Decimal) Min(o Decimal) Decimal {
	if d.Cmp(o) <= 0 {
		return d
	}
	return o
}

// Max returns the larger of d and o.
func (d Decimal) Max(o Decimal) Decimal {
	if d.Cmp(o) >= 0 {
		return d
	}
	return o
}

// Mul returns d * o, carrying exactly Scale fractional digits by dividing the
// double-scaled product back down with the requested rounding mode.
func (d Decimal) Mul(o Decimal, mode Rounding) Decimal {
	prod := new(big.Int).Mul(d.Ray(), o.Ray())
	return fromRay(divScaled(prod, scaleFactor, mode))
}

// Div returns d / o, panicking-free: a zero divisor aborts the operation by
// returning Zero and the ok=false flag, matching the "checked division,
// abort on zero denominator" rule in SPEC_FULL.md §9.
func (d Decimal) Div(o Decimal, mode Rounding) (Decimal, bool) {
	if o.IsZero() {
		return Zero, false
	}
	num := new(big.Int).Mul(d.Ray(), scaleFactor)
	return fromRay(divScaled(num, o.Ray(), mode)), true
}

// MustDiv is Div without the zero-denominator guard surfaced; callers that
// have already validated o != 0 may use it to avoid threading the ok bool
// through purely internal arithmetic.
func (d Decimal) MustDiv(o Decimal, mode Rounding) Decimal {
	res, ok := d.Div(o, mode)
	if !ok {
		return Zero
	}
	return res
}

func divScaled(num, den *big.Int, mode Rounding) *big.Int {
	q, r := new(big.Int), new(big.Int)
	q.QuoRem(num, den, r)
	if r.Sign() == 0 {
		return q
	}
	if mode == ToPositiveInfinity && (num.Sign() > 0) == (den.Sign() > 0) {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// RoundToDivisibility rounds d, in the given mode, to the given number of
// fractional digits (a resource's on-chain divisibility) rather than the full
// Scale-digit ray precision, matching original_source/common/src/
// utils.rs's floor(dec, divisibility)/ceil(dec, divisibility): every
// mint/burn/borrow/repay boundary must round to the share or underlying
// token's actual divisibility, not to the internal ray scale. divisibility
// values at or above Scale are a no-op.
func (d Decimal) RoundToDivisibility(divisibility uint8, mode Rounding) Decimal {
	if int(divisibility) >= Scale {
		return d
	}
	dropped := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Scale-int(divisibility))), nil)
	return fromRay(new(big.Int).Mul(divScaled(d.Ray(), dropped, mode), dropped))
}

// PowCompound returns d * (1 + rate/periodsPerYear)^periods, the compounding
// accrual used for loan_index and stable-loan interest (SPEC_FULL.md §4.4.1,
// §4.4.4). periods must be a non-negative integer count of elapsed epochs.
func (d Decimal) PowCompound(rate Decimal, periodsPerYear Decimal, periods uint64) Decimal {
	factor := One.Add(rate.MustDiv(periodsPerYear, ToZero))
	result := d
	base := factor
	// exponentiation by squaring keeps this O(log periods) multiplications.
	exp := periods
	acc := One
	for exp > 0 {
		if exp&1 == 1 {
			acc = acc.Mul(base, ToZero)
		}
		base = base.Mul(base, ToZero)
		exp >>= 1
	}
	return result.Mul(acc, ToZero)
}

// Linear returns d * (1 + rate*periods/periodsPerYear), the linear accrual
// used for deposit_index (SPEC_FULL.md §4.4.1).
func (d Decimal) Linear(rate Decimal, periodsPerYear Decimal, periods uint64) Decimal {
	elapsed := rate.Mul(New(int64(periods)), ToZero)
	growth := One.Add(elapsed.MustDiv(periodsPerYear, ToZero))
	return d.Mul(growth, ToZero)
}

// Parse reads a plain decimal string (e.g. "0.225", "-3", "10.5") into a
// Decimal, truncating any fractional digits beyond Scale.
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("decimal: empty string")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}

	whole, frac := s, ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole, frac = s[:idx], s[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Scale {
		frac = frac[:Scale]
	}
	for len(frac) < Scale {
		frac += "0"
	}

	digits := whole + frac
	ray, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Zero, fmt.Errorf("decimal: invalid decimal string %q", s)
	}
	if neg {
		ray.Neg(ray)
	}
	return fromRay(ray), nil
}

// String renders d as a decimal string with up to Scale fractional digits,
// trimming trailing zeros.
func (d Decimal) String() string {
	v := new(big.Int).Set(d.Ray())
	neg := v.Sign() < 0
	v.Abs(v)
	q, r := new(big.Int).QuoRem(v, scaleFactor, new(big.Int))
	frac := r.String()
	for len(frac) < Scale {
		frac = "0" + frac
	}
	for len(frac) > 0 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}
	out := q.String()
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}
