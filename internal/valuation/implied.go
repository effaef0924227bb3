package valuation

import (
	"fmt"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// Inputs are the cited figures a market-implied solve consumes
type Inputs struct {
	Facts       *model.FactSet
	EV          *model.EVBuild
	RiskFree    model.Figure // 10Y treasury, decimal
	Comparators []model.Comparator
}

// DiscountRate builds WACC = rf + beta x ERP as a cited figure
func DiscountRate(rf model.Figure, cfg model.ValuationConfig) (model.Figure, string) {
	if !rf.Valid() {
		return model.Null("risk-free rate unavailable"), "unavailable"
	}
	r := rf.Float() + cfg.Beta*cfg.EquityPremium
	build := fmt.Sprintf("rf %.2f%% + beta %.1f x ERP %.1f%% = %.2f%%",
		rf.Float()*100, cfg.Beta, cfg.EquityPremium*100, r*100)
	cite := model.Computed(build,
		rf.Cite(),
		model.Assumption("beta", cfg.Beta),
		model.Assumption("equity_risk_premium", cfg.EquityPremium),
	)
	return model.Cited(r, cite), build
}

// method is one sector pricing model inverted by the shared solver
type method struct {
	label  string
	low    float64
	high   float64
	base   func(in Inputs, cfg model.ValuationConfig) (model.Figure, string)
	target func(in Inputs) model.Figure
	// price maps the solved-for assumption to the modeled value
	price func(x, base, r, gt float64, n int) float64
	// needsDiscount is false for methods that ignore r and gt
	needsDiscount bool
}

var methods = map[model.ValuationMethod]method{
	model.MethodDCF: {
		label: "implied FCF growth (per period)",
		base:  fcfBase,
		price: func(g, base, r, gt float64, n int) float64 {
			return DCFValue(g, base, r, gt, n)
		},
		target:        evTarget,
		needsDiscount: true,
	},
	model.MethodEVRevenue: {
		label: "implied revenue growth at steady-state FCF margin",
		base:  revenueCashBase,
		price: func(g, base, r, gt float64, n int) float64 {
			return DCFValue(g, base, r, gt, n)
		},
		target:        evTarget,
		needsDiscount: true,
	},
	model.MethodEVEBITDA: {
		label: "implied normalized EBITDA margin",
		low:   0,
		high:  1,
		base:  revenueBase,
		// Steady state: EBITDA converted to cash and grown at terminal growth.
		price: func(m, revenue, r, gt float64, n int) float64 {
			return DCFValue(gt, revenue*m*ebitdaCashConversion, r, gt, n)
		},
		target:        evTarget,
		needsDiscount: true,
	},
	model.MethodPBROE: {
		label: "implied sustainable ROE",
		base:  equityBase,
		// Justified P/B = (ROE - g) / (r - g)
		price: func(roe, book, r, gt float64, _ int) float64 {
			return book * (roe - gt) / (r - gt)
		},
		target:        marketCapTarget,
		needsDiscount: true,
	},
	model.MethodNAV: {
		label: "implied discount to net asset value",
		low:   -1,
		high:  1,
		base:  navBase,
		price: func(d, nav, _, _ float64, _ int) float64 {
			return nav * (1 - d)
		},
		target: marketCapTarget,
	},
}

// ebitdaCashConversion is the share of EBITDA assumed to convert to free cash flow
const ebitdaCashConversion = 0.6

// steadyStateFCFMargin is used when trailing FCF margin is not positive
const steadyStateFCFMargin = 0.20

// Analyze inverts the sector's pricing model and runs the sensitivity batch.
// Solver failures are returned inside the result, never as a number.
func Analyze(m model.ValuationMethod, in Inputs, cfg model.ValuationConfig, now time.Time) *model.MarketImplied {
	spec, ok := methods[m]
	if !ok {
		spec = methods[model.MethodDCF]
		m = model.MethodDCF
	}
	out := &model.MarketImplied{
		Method:         m,
		ImpliedLabel:   spec.label,
		Horizon:        cfg.Horizon,
		TerminalGrowth: model.Cited(cfg.TerminalGrowth, model.Assumption("terminal_growth", cfg.TerminalGrowth)),
		Comparators:    in.Comparators,
		ComputedAt:     now,
	}
	out.DiscountRate, out.DiscountBuild = DiscountRate(in.RiskFree, cfg)
	out.BaseCashFlow, out.BaseComputation = spec.base(in, cfg)
	out.EnterpriseValue = model.Null("enterprise value not built")
	if in.EV != nil {
		out.EnterpriseValue = in.EV.EnterpriseValue
	}

	implied, failure := solveMethod(spec, in, cfg, out.DiscountRate.Float(), cfg.TerminalGrowth, out)
	out.Implied = implied
	out.Failure = failure

	for _, p := range []struct {
		label  string
		dr, dg float64
	}{
		{"wacc +1%", 0.01, 0},
		{"wacc -1%", -0.01, 0},
		{"terminal +0.5%", 0, 0.005},
		{"terminal -0.5%", 0, -0.005},
	} {
		if !spec.needsDiscount {
			break
		}
		point := model.SensitivityPoint{Label: p.label}
		if out.DiscountRate.Valid() {
			r := out.DiscountRate.Float() + p.dr
			gt := cfg.TerminalGrowth + p.dg
			point.DiscountRate = model.Cited(r, model.Computed(
				fmt.Sprintf("base discount rate %+.1f%%", p.dr*100), out.DiscountRate.Cite()))
			point.TerminalGrowth = model.Cited(gt, model.Computed(
				fmt.Sprintf("base terminal growth %+.1f%%", p.dg*100), out.TerminalGrowth.Cite()))
			point.Implied, point.Failure = solveMethod(spec, in, cfg, r, gt, out)
		} else {
			point.DiscountRate = model.Null("risk-free rate unavailable")
			point.TerminalGrowth = model.Null("risk-free rate unavailable")
			point.Implied = model.Null("risk-free rate unavailable")
			point.Failure = &model.SolveFailure{Code: "missing_input", Message: "undefined: discount rate unavailable"}
		}
		out.Sensitivity = append(out.Sensitivity, point)
	}
	return out
}

func solveMethod(spec method, in Inputs, cfg model.ValuationConfig, r, gt float64, out *model.MarketImplied) (model.Figure, *model.SolveFailure) {
	target := spec.target(in)
	switch {
	case !target.Valid():
		return model.Null(target.NullReason), &model.SolveFailure{Code: "missing_input", Message: "undefined: " + target.NullReason}
	case !out.BaseCashFlow.Valid():
		return model.Null(out.BaseCashFlow.NullReason), &model.SolveFailure{Code: "missing_input", Message: "undefined: " + out.BaseCashFlow.NullReason}
	case spec.needsDiscount && !out.DiscountRate.Valid():
		return model.Null("discount rate unavailable"), &model.SolveFailure{Code: "missing_input", Message: "undefined: discount rate unavailable"}
	}

	base := out.BaseCashFlow.Float()
	lo, hi := spec.low, spec.high
	if lo == 0 && hi == 0 {
		lo, hi = cfg.BracketLow, cfg.BracketHigh
	}
	var (
		x   float64
		err error
	)
	switch {
	case base <= 0:
		err = ErrNonPositiveCashFlow
	case spec.needsDiscount && r <= gt:
		err = ErrInvalidDiscount
	default:
		price := func(v float64) float64 { return spec.price(v, base, r, gt, cfg.Horizon) }
		x, err = Solve(price, target.Float(), lo, hi, cfg.Tolerance)
	}
	if err != nil {
		return model.Null(err.Error()), &model.SolveFailure{Code: failureCode(err), Message: err.Error()}
	}
	formula := fmt.Sprintf("solve %s: model(x; base %s, r %.2f%%, g_t %.2f%%, N %d) = %s",
		spec.label, model.Money(base), r*100, gt*100, cfg.Horizon, model.Money(target.Float()))
	inputs := []model.Citation{target.Cite(), out.BaseCashFlow.Cite()}
	if spec.needsDiscount {
		inputs = append(inputs,
			model.Assumption("discount_rate", r),
			model.Assumption("terminal_growth", gt),
			model.Assumption("horizon", float64(cfg.Horizon)))
	}
	return model.Cited(x, model.Computed(formula, inputs...)), nil
}

func evTarget(in Inputs) model.Figure {
	if in.EV == nil {
		return model.Null("enterprise value not built")
	}
	return in.EV.EnterpriseValue
}

func marketCapTarget(in Inputs) model.Figure {
	if in.EV == nil {
		return model.Null("market cap not built")
	}
	return in.EV.MarketCap
}

func annual(in Inputs, field string) (model.Fact, bool) {
	return in.Facts.AnnualAt(field, 0)
}

// fcfBase is FCF = OCF - CapEx from the latest annual filing
func fcfBase(in Inputs, _ model.ValuationConfig) (model.Figure, string) {
	ocf, ok1 := annual(in, "operating_cash_flow")
	capex, ok2 := annual(in, "capex")
	if !ok1 || !ok2 {
		return model.Null("operating cash flow or capex not reported"), "unavailable"
	}
	fcf := ocf.Value - capex.Value
	formula := fmt.Sprintf("FCF = OCF (%s) - CapEx (%s) = %s", model.Money(ocf.Value), model.Money(capex.Value), model.Money(fcf))
	return model.Cited(fcf, model.Computed(formula, ocf.Cite(in.Facts.EntityName), capex.Cite(in.Facts.EntityName))), formula
}

func revenueBase(in Inputs, _ model.ValuationConfig) (model.Figure, string) {
	rev, ok := annual(in, "revenue")
	if !ok {
		return model.Null("revenue not reported"), "unavailable"
	}
	formula := fmt.Sprintf("revenue %s (%s)", model.Money(rev.Value), rev.Period().Label())
	return model.Cited(rev.Value, rev.Cite(in.Facts.EntityName)), formula
}

// revenueCashBase is revenue x FCF margin, using the trailing margin when
// positive and the steady-state assumption otherwise.
func revenueCashBase(in Inputs, cfg model.ValuationConfig) (model.Figure, string) {
	revenue, _ := revenueBase(in, cfg)
	if !revenue.Valid() {
		return revenue, "unavailable"
	}
	margin := steadyStateFCFMargin
	marginCite := model.Assumption("steady_state_fcf_margin", steadyStateFCFMargin)
	if fcf, _ := fcfBase(in, cfg); fcf.Valid() && revenue.Float() > 0 && fcf.Float() > 0 {
		margin = fcf.Float() / revenue.Float()
		marginCite = model.Computed("FCF / revenue", fcf.Cite(), revenue.Cite())
	}
	v := revenue.Float() * margin
	formula := fmt.Sprintf("revenue (%s) x FCF margin (%.1f%%) = %s", model.Money(revenue.Float()), margin*100, model.Money(v))
	return model.Cited(v, model.Computed(formula, revenue.Cite(), marginCite)), formula
}

func equityBase(in Inputs, _ model.ValuationConfig) (model.Figure, string) {
	eq, ok := annual(in, "total_equity")
	if !ok {
		return model.Null("stockholders' equity not reported"), "unavailable"
	}
	formula := fmt.Sprintf("book equity %s (%s)", model.Money(eq.Value), eq.Period().Label())
	return model.Cited(eq.Value, eq.Cite(in.Facts.EntityName)), formula
}

func navBase(in Inputs, _ model.ValuationConfig) (model.Figure, string) {
	assets, ok1 := annual(in, "total_assets")
	liab, ok2 := annual(in, "total_liabilities")
	if !ok1 || !ok2 {
		return model.Null("total assets or liabilities not reported"), "unavailable"
	}
	nav := assets.Value - liab.Value
	formula := fmt.Sprintf("NAV = assets (%s) - liabilities (%s) = %s", model.Money(assets.Value), model.Money(liab.Value), model.Money(nav))
	return model.Cited(nav, model.Computed(formula, assets.Cite(in.Facts.EntityName), liab.Cite(in.Facts.EntityName))), formula
}
