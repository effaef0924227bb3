// Package valuation backs out the operating assumption implied by a market price.
package valuation

import (
	"errors"
	"math"
)

// Solver failures. Each maps to a documented SolveFailure code.
var (
	ErrNonPositiveCashFlow = errors.New("undefined: non-positive base cash flow")
	ErrOutOfBracket        = errors.New("out of bracket")
	ErrInvalidDiscount     = errors.New("invalid discount/terminal-growth relationship")
	ErrInvalidInput        = errors.New("invalid valuation input")
)

const (
	maxBisections = 200
	newtonSteps   = 4
)

// DCFValue is the present value of a cash flow growing at g for n periods,
// discounted at r, plus a Gordon terminal value growing at gt thereafter.
func DCFValue(g, base, r, gt float64, n int) float64 {
	pv := 0.0
	cf := base
	disc := 1.0
	for t := 1; t <= n; t++ {
		cf *= 1 + g
		disc *= 1 + r
		pv += cf / disc
	}
	terminal := cf * (1 + gt) / (r - gt)
	return pv + terminal/disc
}

// Params are the inputs of a reverse DCF
type Params struct {
	EV             float64
	Base           float64 // FCF or equivalent
	Discount       float64
	TerminalGrowth float64
	Horizon        int
	Low            float64
	High           float64
	Tolerance      float64 // Relative, on EV
}

// ImpliedGrowth solves for the constant growth g such that DCFValue(g) = EV
func ImpliedGrowth(p Params) (float64, error) {
	if p.Base <= 0 || math.IsNaN(p.Base) {
		return 0, ErrNonPositiveCashFlow
	}
	if p.Discount <= p.TerminalGrowth {
		return 0, ErrInvalidDiscount
	}
	if p.EV <= 0 || p.Horizon < 1 || p.Low >= p.High || p.Low <= -1 {
		return 0, ErrInvalidInput
	}
	price := func(g float64) float64 {
		return DCFValue(g, p.Base, p.Discount, p.TerminalGrowth, p.Horizon)
	}
	return Solve(price, p.EV, p.Low, p.High, p.Tolerance)
}

// Solve finds x in [lo, hi] with price(x) = target for a monotonic price
// function. It takes a few Newton steps from the midpoint to narrow the
// bracket, then bisects until price is within tol (relative) of target.
func Solve(price func(float64) float64, target, lo, hi, tol float64) (float64, error) {
	if tol <= 0 {
		tol = 1e-5
	}
	flo := price(lo) - target
	fhi := price(hi) - target
	if bad(flo) || bad(fhi) {
		return 0, ErrOutOfBracket
	}
	if flo == 0 {
		return lo, nil
	}
	if fhi == 0 {
		return hi, nil
	}
	if (flo < 0) == (fhi < 0) {
		return 0, ErrOutOfBracket
	}
	increasing := flo < 0
	eps := tol * math.Abs(target)
	if eps == 0 {
		eps = tol
	}

	narrow := func(x, fx float64) {
		if (fx < 0) == increasing {
			lo = x
		} else {
			hi = x
		}
	}

	x := lo + (hi-lo)/2
	for i := 0; i < newtonSteps; i++ {
		fx := price(x) - target
		if bad(fx) {
			break
		}
		if math.Abs(fx) <= eps {
			return x, nil
		}
		narrow(x, fx)
		h := 1e-6 * math.Max(1, math.Abs(x))
		d := (price(x+h) - price(x-h)) / (2 * h)
		if d == 0 || bad(d) {
			break
		}
		next := x - fx/d
		if next <= lo || next >= hi {
			break
		}
		x = next
	}

	for i := 0; i < maxBisections; i++ {
		mid := lo + (hi-lo)/2
		fm := price(mid) - target
		if math.Abs(fm) <= eps || (hi-lo)/2 < 1e-14 {
			return mid, nil
		}
		narrow(mid, fm)
	}
	return lo + (hi-lo)/2, nil
}

func bad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// failureCode maps a solver error to its stable code
func failureCode(err error) string {
	switch {
	case errors.Is(err, ErrNonPositiveCashFlow):
		return "non_positive_base"
	case errors.Is(err, ErrOutOfBracket):
		return "out_of_bracket"
	case errors.Is(err, ErrInvalidDiscount):
		return "invalid_discount"
	default:
		return "invalid_input"
	}
}
