package score

import (
	"fmt"
	"sort"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// Known score names
const (
	Piotroski = "piotroski_f"
	Beneish   = "beneish_m"
)

// Beneish threshold above which manipulation is more likely
const beneishThreshold = -1.78

// Scorer computes generic quality scores from annual facts
type Scorer struct{}

// NewScorer creates a new scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// Calculate computes every included score. Unknown names are returned as
// excluded with a reason so nothing is silently dropped.
func (s *Scorer) Calculate(fs *model.FactSet, include []string) ([]model.QualityScore, []model.ExcludedScore) {
	var (
		scores   []model.QualityScore
		excluded []model.ExcludedScore
	)
	for _, name := range include {
		switch name {
		case Piotroski:
			scores = append(scores, s.piotroski(fs))
		case Beneish:
			scores = append(scores, s.beneish(fs))
		default:
			excluded = append(excluded, model.ExcludedScore{Name: name, Reason: "no calculator for score"})
		}
	}
	return scores, excluded
}

// input is one annual fact, or a cited absence
type input struct {
	value float64
	cite  model.Citation
	ok    bool
}

func annual(fs *model.FactSet, field string, idx int) input {
	f, ok := fs.AnnualAt(field, idx)
	if !ok {
		return input{cite: model.NoDirectEvidence(fmt.Sprintf("%s (year -%d)", field, idx))}
	}
	return input{value: f.Value, cite: f.Cite(fs.EntityName), ok: true}
}

func cites(in ...input) []model.Citation {
	out := make([]model.Citation, len(in))
	for i, v := range in {
		out[i] = v.cite
	}
	return out
}

func periods(fs *model.FactSet) []string {
	var out []string
	for i := 0; i < 2; i++ {
		if f, ok := fs.AnnualAt("revenue", i); ok {
			out = append(out, fmt.Sprintf("FY%d", f.FiscalYear))
		}
	}
	return out
}

func div(a, b input) (float64, bool) {
	if !a.ok || !b.ok || b.value == 0 {
		return 0, false
	}
	return a.value / b.value, true
}

// binary scores one Piotroski signal as 0 or 1 with its formula
func binary(pass bool, formula string, in ...input) model.Figure {
	v := 0.0
	if pass {
		v = 1
	}
	return model.Cited(v, model.Computed(formula, cites(in...)...))
}

func (s *Scorer) piotroski(fs *model.FactSet) model.QualityScore {
	ni, ta, ocf := annual(fs, "net_income", 0), annual(fs, "total_assets", 0), annual(fs, "operating_cash_flow", 0)
	ni1, ta1 := annual(fs, "net_income", 1), annual(fs, "total_assets", 1)
	ltd, ltd1 := annual(fs, "long_term_debt", 0), annual(fs, "long_term_debt", 1)
	ca, cl := annual(fs, "current_assets", 0), annual(fs, "current_liabilities", 0)
	ca1, cl1 := annual(fs, "current_assets", 1), annual(fs, "current_liabilities", 1)
	sh, sh1 := annual(fs, "shares_outstanding", 0), annual(fs, "shares_outstanding", 1)
	gp, rev := annual(fs, "gross_profit", 0), annual(fs, "revenue", 0)
	gp1, rev1 := annual(fs, "gross_profit", 1), annual(fs, "revenue", 1)

	roa, okROA := div(ni, ta)
	roa1, okROA1 := div(ni1, ta1)
	cr, okCR := div(ca, cl)
	cr1, okCR1 := div(ca1, cl1)
	gm, okGM := div(gp, rev)
	gm1, okGM1 := div(gp1, rev1)
	at, okAT := div(rev, ta)
	at1, okAT1 := div(rev1, ta1)

	components := map[string]model.Figure{
		"1_roa_positive":              binary(okROA && roa > 0, "net_income / total_assets > 0", ni, ta),
		"2_ocf_positive":              binary(ocf.ok && ocf.value > 0, "operating_cash_flow > 0", ocf),
		"3_roa_increasing":            binary(okROA && okROA1 && roa > roa1, "ROA > prior ROA", ni, ta, ni1, ta1),
		"4_accruals_ocf_gt_ni":        binary(ocf.ok && ni.ok && ocf.value > ni.value, "operating_cash_flow > net_income", ocf, ni),
		"5_leverage_decreasing":       binary(ltd.value <= ltd1.value, "long_term_debt <= prior long_term_debt (missing = 0)", ltd, ltd1),
		"6_current_ratio_increasing":  binary(okCR && okCR1 && cr > cr1, "current ratio > prior current ratio", ca, cl, ca1, cl1),
		"7_no_dilution":               binary(sh.ok && sh1.ok && sh.value <= sh1.value, "shares_outstanding <= prior", sh, sh1),
		"8_gross_margin_increasing":   binary(okGM && okGM1 && gm > gm1, "gross margin > prior gross margin", gp, rev, gp1, rev1),
		"9_asset_turnover_increasing": binary(okAT && okAT1 && at > at1, "revenue / total_assets > prior", rev, ta, rev1, ta1),
	}

	if !rev.ok && !ta.ok {
		return model.QualityScore{
			Name:           "Piotroski F-Score",
			Value:          model.Null("annual income statement and balance sheet not reported"),
			Interpretation: "not computable",
			Components:     components,
		}
	}

	total := 0.0
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	var parts []model.Citation
	for _, name := range names {
		total += components[name].Float()
		parts = append(parts, components[name].Cite())
	}
	score := int(total)

	var interp string
	switch {
	case score >= 7:
		interp = fmt.Sprintf("Strong (%d/9): improving profitability, leverage, and efficiency", score)
	case score >= 4:
		interp = fmt.Sprintf("Moderate (%d/9): mixed fundamental signals", score)
	default:
		interp = fmt.Sprintf("Weak (%d/9): deteriorating fundamentals across multiple dimensions", score)
	}

	return model.QualityScore{
		Name:           "Piotroski F-Score",
		Value:          model.Cited(total, model.Computed("sum of 9 binary signals", parts...)),
		Interpretation: interp,
		Components:     components,
		Periods:        periods(fs),
	}
}

// index is a Beneish ratio of ratios; a missing denominator is the neutral 1.0
func index(name, formula string, num, den float64, okNum, okDen bool, in ...input) model.Figure {
	if !okNum || !okDen || den == 0 {
		return model.Cited(1.0, model.Assumption(name+" neutral (inputs not reported)", 1.0))
	}
	return model.Cited(num/den, model.Computed(formula, cites(in...)...))
}

func (s *Scorer) beneish(fs *model.FactSet) model.QualityScore {
	rev, rev1 := annual(fs, "revenue", 0), annual(fs, "revenue", 1)
	recv, recv1 := annual(fs, "accounts_receivable", 0), annual(fs, "accounts_receivable", 1)
	gp, gp1 := annual(fs, "gross_profit", 0), annual(fs, "gross_profit", 1)
	ta, ta1 := annual(fs, "total_assets", 0), annual(fs, "total_assets", 1)
	ca, ca1 := annual(fs, "current_assets", 0), annual(fs, "current_assets", 1)
	ppe, ppe1 := annual(fs, "property_plant_equipment", 0), annual(fs, "property_plant_equipment", 1)
	da, da1 := annual(fs, "depreciation_amortization", 0), annual(fs, "depreciation_amortization", 1)
	sga, sga1 := annual(fs, "sga", 0), annual(fs, "sga", 1)
	ni, ocf := annual(fs, "net_income", 0), annual(fs, "operating_cash_flow", 0)
	tl, tl1 := annual(fs, "total_liabilities", 0), annual(fs, "total_liabilities", 1)

	if !rev.ok || !rev1.ok || !ta.ok || !ta1.ok {
		return model.QualityScore{
			Name:           "Beneish M-Score",
			Value:          model.Null("two years of revenue and total assets required"),
			Interpretation: "not computable",
			Components:     map[string]model.Figure{},
		}
	}

	dsr, okDSR := div(recv, rev)
	dsr1, okDSR1 := div(recv1, rev1)
	gm, okGM := div(gp, rev)
	gm1, okGM1 := div(gp1, rev1)
	aq := 1 - (ca.value+ppe.value)/ta.value
	aq1 := 1 - (ca1.value+ppe1.value)/ta1.value
	depRate, okDep := 0.0, da.ok && da.value+ppe.value != 0
	if okDep {
		depRate = da.value / (da.value + ppe.value)
	}
	depRate1, okDep1 := 0.0, da1.ok && da1.value+ppe1.value != 0
	if okDep1 {
		depRate1 = da1.value / (da1.value + ppe1.value)
	}
	sgaRev, okSGA := div(sga, rev)
	sgaRev1, okSGA1 := div(sga1, rev1)
	lev, okLev := div(tl, ta)
	lev1, okLev1 := div(tl1, ta1)

	components := map[string]model.Figure{
		"DSRI": index("DSRI", "(receivables/revenue) / prior (receivables/revenue)", dsr, dsr1, okDSR, okDSR1, recv, rev, recv1, rev1),
		"GMI":  index("GMI", "prior gross margin / gross margin", gm1, gm, okGM1, okGM, gp, rev, gp1, rev1),
		"AQI":  index("AQI", "(1 - (CA + PPE)/TA) / prior", aq, aq1, ca.ok && ppe.ok, ca1.ok && ppe1.ok, ca, ppe, ta, ca1, ppe1, ta1),
		"SGI":  index("SGI", "revenue / prior revenue", rev.value, rev1.value, true, true, rev, rev1),
		"DEPI": index("DEPI", "prior D&A rate / D&A rate, rate = D&A / (D&A + PPE)", depRate1, depRate, okDep1, okDep, da, ppe, da1, ppe1),
		"SGAI": index("SGAI", "(SGA/revenue) / prior (SGA/revenue)", sgaRev, sgaRev1, okSGA, okSGA1, sga, rev, sga1, rev1),
		"LVGI": index("LVGI", "(TL/TA) / prior (TL/TA)", lev, lev1, okLev, okLev1, tl, ta, tl1, ta1),
	}
	if ni.ok && ocf.ok {
		components["TATA"] = model.Cited((ni.value-ocf.value)/ta.value,
			model.Computed("(net_income - operating_cash_flow) / total_assets", ni.cite, ocf.cite, ta.cite))
	} else {
		components["TATA"] = model.Cited(0, model.Assumption("TATA neutral (inputs not reported)", 0))
	}

	c := func(name string) float64 { return components[name].Float() }
	m := -4.84 +
		0.920*c("DSRI") +
		0.528*c("GMI") +
		0.404*c("AQI") +
		0.892*c("SGI") +
		0.115*c("DEPI") -
		0.172*c("SGAI") +
		4.679*c("TATA") -
		0.327*c("LVGI")

	interp := fmt.Sprintf("M-Score %.2f < %.2f: lower probability of earnings manipulation", m, beneishThreshold)
	if m > beneishThreshold {
		interp = fmt.Sprintf("M-Score %.2f > %.2f: higher probability of earnings manipulation", m, beneishThreshold)
	}

	names := []string{"DSRI", "GMI", "AQI", "SGI", "DEPI", "SGAI", "TATA", "LVGI"}
	parts := make([]model.Citation, len(names))
	for i, n := range names {
		parts[i] = components[n].Cite()
	}
	return model.QualityScore{
		Name:           "Beneish M-Score",
		Value:          model.Cited(m, model.Computed("-4.84 + .920 DSRI + .528 GMI + .404 AQI + .892 SGI + .115 DEPI - .172 SGAI + 4.679 TATA - .327 LVGI", parts...)),
		Interpretation: interp,
		Components:     components,
		Periods:        periods(fs),
	}
}
