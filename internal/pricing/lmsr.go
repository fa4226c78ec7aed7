// Package pricing implements the LMSR automated market maker as pure
// functions over outstanding share quantities and a liquidity parameter.
// Each option is an independent two-outcome book sharing the market's b.
//
// All quantities and monetary values are integers in micro-units
// (PRECISION = 1e6). Internals use math/big fixed point at scale 1e18 so no
// floating point ever touches a money path. Outputs are truncated, never
// rounded up.
package pricing

import (
	"errors"
	"math/big"
)

// PRECISION is the micro-unit scale: prices sum to exactly PRECISION and a
// balanced book prices both sides at PRECISION/2.
const PRECISION int64 = 1_000_000

// FeeDenom is the basis-point denominator for fee math.
const FeeDenom int64 = 10_000

var (
	ErrInvalidLiquidity = errors.New("pricing: liquidity parameter must be positive")
	ErrNegativeQuantity = errors.New("pricing: quantities must be non-negative")
	ErrAmountTooLarge   = errors.New("pricing: amount exceeds representable range")
)

// scale is the internal fixed-point scale for exp/ln evaluation.
var scale = big.NewInt(1_000_000_000_000_000_000)

var bigTwo = big.NewInt(2)

// expNegOne is e^-1 at scale, computed from the same series as the
// fractional part so the integer-part reduction stays self-consistent.
var expNegOne = taylorExpNeg(new(big.Int).Set(scale))

// expNegCutoff: e^-45 is below 1/scale, so the result truncates to zero.
const expNegCutoff = 45

// Prices returns the marginal yes/no prices for an option with outstanding
// quantities qy, qn and liquidity parameter b. The prices are complementary
// by construction: priceYes + priceNo == PRECISION exactly, and both equal
// PRECISION/2 when qy == qn.
func Prices(qy, qn, b int64) (priceYes, priceNo int64, err error) {
	if err := validate(b, qy, qn); err != nil {
		return 0, 0, err
	}

	// priceYes = 1 / (1 + e^-(qy-qn)/b), evaluated at fixed point.
	t := new(big.Int).Sub(big.NewInt(qy), big.NewInt(qn))
	neg := t.Sign() < 0
	t.Abs(t)

	x := new(big.Int).Mul(t, scale)
	x.Quo(x, big.NewInt(b))
	e := expNeg(x)

	denom := new(big.Int).Add(scale, e)
	num := new(big.Int).SetInt64(PRECISION)
	if neg {
		num.Mul(num, e)
	} else {
		num.Mul(num, scale)
	}
	num.Quo(num, denom)

	priceYes = num.Int64()
	return priceYes, PRECISION - priceYes, nil
}

// Cost returns the gross collateral required to buy dy yes shares and dn no
// shares (micro-units, before fees): C(qy+dy, qn+dn) - C(qy, qn). The result
// is truncated and floored at 1 micro-unit for any positive trade so cost is
// always positive for a positive delta.
func Cost(qy, qn, dy, dn, b int64) (int64, error) {
	if err := validate(b, qy, qn); err != nil {
		return 0, err
	}
	if dy < 0 || dn < 0 || dy+dn == 0 {
		return 0, ErrNegativeQuantity
	}

	before := potential(qy, qn, b)
	after := potential(qy+dy, qn+dn, b)

	cost := new(big.Int).Sub(after, before)
	if !cost.IsInt64() {
		return 0, ErrAmountTooLarge
	}
	c := cost.Int64()
	if c < 1 {
		// Truncation can drop a dust-sized trade to zero; charge the minimum
		// tick so buying is never free.
		c = 1
	}
	return c, nil
}

// Payout returns the gross collateral released by selling dy yes shares and
// dn no shares back to the pool (micro-units, before fees): the cost
// function evaluated with negative deltas, truncated. Callers cap the result
// at the option's remaining pool liquidity.
func Payout(qy, qn, dy, dn, b int64) (int64, error) {
	if err := validate(b, qy, qn); err != nil {
		return 0, err
	}
	if dy < 0 || dn < 0 || dy+dn == 0 {
		return 0, ErrNegativeQuantity
	}
	if dy > qy || dn > qn {
		return 0, ErrNegativeQuantity
	}

	before := potential(qy, qn, b)
	after := potential(qy-dy, qn-dn, b)

	payout := new(big.Int).Sub(before, after)
	if !payout.IsInt64() {
		return 0, ErrAmountTooLarge
	}
	p := payout.Int64()
	if p < 0 {
		p = 0
	}
	return p, nil
}

// Fee returns the flat fee on amount at feeBps basis points, truncated.
func Fee(amount, feeBps int64) int64 {
	if amount <= 0 || feeBps <= 0 {
		return 0
	}
	f := new(big.Int).Mul(big.NewInt(amount), big.NewInt(feeBps))
	f.Quo(f, big.NewInt(FeeDenom))
	return f.Int64()
}

// validate rejects non-positive liquidity and negative quantities. Both are
// programming or data errors and must never produce a silently wrong number.
func validate(b, qy, qn int64) error {
	if b <= 0 {
		return ErrInvalidLiquidity
	}
	if qy < 0 || qn < 0 {
		return ErrNegativeQuantity
	}
	return nil
}

// potential is the LMSR cost potential C(qy, qn) = b*ln(e^(qy/b) + e^(qn/b)),
// computed in overflow-safe log-sum-exp form:
//
//	C = max(qy, qn) + b * ln(1 + e^-|qy-qn|/b)
//
// The result is in micro-units at big.Int precision, truncated.
func potential(qy, qn, b int64) *big.Int {
	m, d := qy, qy-qn
	if qn > qy {
		m, d = qn, qn-qy
	}

	x := new(big.Int).Mul(big.NewInt(d), scale)
	x.Quo(x, big.NewInt(b))

	l := ln1p(expNeg(x))

	c := new(big.Int).Mul(big.NewInt(b), l)
	c.Quo(c, scale)
	return c.Add(c, big.NewInt(m))
}

// expNeg evaluates e^-x for x >= 0 at fixed-point scale. The integer part is
// peeled off and applied as repeated multiplication by e^-1; the fractional
// part uses the alternating Taylor series, which converges in ~20 terms for
// arguments below one.
func expNeg(x *big.Int) *big.Int {
	n := new(big.Int).Quo(x, scale)
	if n.Cmp(big.NewInt(expNegCutoff)) >= 0 {
		return new(big.Int)
	}
	r := new(big.Int).Rem(x, scale)

	result := taylorExpNeg(r)
	for i := int64(0); i < n.Int64(); i++ {
		result.Mul(result, expNegOne)
		result.Quo(result, scale)
	}
	return result
}

// taylorExpNeg computes e^-r via sum((-r)^k / k!) for 0 <= r <= scale.
func taylorExpNeg(r *big.Int) *big.Int {
	if r.Sign() == 0 {
		return new(big.Int).Set(scale)
	}

	sum := new(big.Int).Set(scale)
	term := new(big.Int).Set(scale)
	for k := int64(1); ; k++ {
		term.Mul(term, r)
		term.Quo(term, scale)
		term.Quo(term, big.NewInt(k))
		term.Neg(term)
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}
	return sum
}

// ln1p computes ln(1 + x) for 0 <= x <= scale using the atanh identity
// ln(1+x) = 2*atanh(x/(2+x)); the transformed argument is at most 1/3 so the
// odd-power series converges quickly.
func ln1p(x *big.Int) *big.Int {
	if x.Sign() == 0 {
		return new(big.Int)
	}

	// y = x / (2 + x) at fixed point.
	denom := new(big.Int).Mul(bigTwo, scale)
	denom.Add(denom, x)
	y := new(big.Int).Mul(x, scale)
	y.Quo(y, denom)

	ySquared := new(big.Int).Mul(y, y)
	ySquared.Quo(ySquared, scale)

	sum := new(big.Int).Set(y)
	pow := new(big.Int).Set(y)
	term := new(big.Int)
	for k := int64(3); ; k += 2 {
		pow.Mul(pow, ySquared)
		pow.Quo(pow, scale)
		term.Quo(pow, big.NewInt(k))
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}
	return sum.Mul(sum, bigTwo)
}
