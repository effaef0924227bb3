// Package kpi computes sector KPIs from raw filing facts as cited quarterly
// (or annual) series with QoQ and YoY deltas.
package kpi

import (
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// cumulative flow items are reported year-to-date in 10-Q filings:
// Q1=3, Q2=6 (Q1+Q2), Q3=9. Balance sheet items are point-in-time.
var cumulative = map[string]bool{
	"revenue":                   true,
	"cost_of_revenue":           true,
	"gross_profit":              true,
	"operating_income":          true,
	"net_income":                true,
	"research_and_development":  true,
	"sga":                       true,
	"sbc":                       true,
	"interest_expense":          true,
	"income_tax":                true,
	"depreciation_amortization": true,
	"operating_cash_flow":       true,
	"capex":                     true,
	"dividends_paid":            true,
	"share_repurchases":         true,
}

// Cumulative reports whether field is reported year-to-date in 10-Qs
func Cumulative(field string) bool {
	return cumulative[field]
}

var quarters = []string{"Q1", "Q2", "Q3", "Q4"}

// point is one cited value of a field (or KPI) for one period
type point struct {
	period model.Period
	value  float64
	cite   model.Citation
	filed  time.Time // newest filing among the inputs
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// book indexes a FactSet by field and period
type book struct {
	fs        *model.FactSet
	quarterly map[string]map[string]point // field -> period key -> standalone point
	annual    map[string]map[int]point    // field -> fiscal year -> point
}

func newBook(fs *model.FactSet) *book {
	return &book{
		fs:        fs,
		quarterly: make(map[string]map[string]point),
		annual:    make(map[string]map[int]point),
	}
}

func pkey(p model.Period) string {
	return fmt.Sprintf("%d%s", p.FiscalYear, p.FiscalPeriod)
}

func (b *book) annualSeries(field string) map[int]point {
	if s, ok := b.annual[field]; ok {
		return s
	}
	s := make(map[int]point)
	if b.fs != nil {
		for _, f := range b.fs.Annual[field] {
			if _, seen := s[f.FiscalYear]; seen {
				continue // most recent filing first; keep it
			}
			s[f.FiscalYear] = point{
				period: model.Period{FiscalYear: f.FiscalYear, FiscalPeriod: "FY", End: f.PeriodEnd},
				value:  f.Value,
				cite:   f.Cite(b.fs.EntityName),
				filed:  f.Filed,
			}
		}
	}
	b.annual[field] = s
	return s
}

// quarterSeries converts reported facts into standalone quarters. Flow items
// subtract the prior YTD of the same fiscal year; Q4 is derived as FY - Q3 YTD.
// A quarter whose prior YTD is missing is left out rather than reported cumulative.
func (b *book) quarterSeries(field string) map[string]point {
	if s, ok := b.quarterly[field]; ok {
		return s
	}
	s := make(map[string]point)
	b.quarterly[field] = s
	if b.fs == nil {
		return s
	}

	ytd := make(map[int]map[string]model.Fact)
	for _, f := range b.fs.Quarterly[field] {
		if f.FiscalPeriod == "" || f.FiscalPeriod == "FY" {
			continue
		}
		if ytd[f.FiscalYear] == nil {
			ytd[f.FiscalYear] = make(map[string]model.Fact)
		}
		if _, seen := ytd[f.FiscalYear][f.FiscalPeriod]; !seen {
			ytd[f.FiscalYear][f.FiscalPeriod] = f
		}
	}
	annual := b.annualSeries(field)
	entity := b.fs.EntityName

	for fy, byQ := range ytd {
		for i, q := range quarters {
			f, ok := byQ[q]
			if q == "Q4" && !ok {
				fyPoint, haveFY := annual[fy]
				if !haveFY {
					continue
				}
				p := model.Period{FiscalYear: fy, FiscalPeriod: "Q4", End: fyPoint.period.End}
				if !cumulative[field] {
					s[pkey(p)] = point{period: p, value: fyPoint.value, cite: fyPoint.cite, filed: fyPoint.filed}
					continue
				}
				q3, haveQ3 := byQ["Q3"]
				if !haveQ3 {
					continue
				}
				s[pkey(p)] = point{
					period: p,
					value:  fyPoint.value - q3.Value,
					cite: model.Computed(
						fmt.Sprintf("%s FY%d - Q3 FY%d YTD", field, fy, fy),
						fyPoint.cite, q3.Cite(entity)),
					filed: latest(fyPoint.filed, q3.Filed),
				}
				continue
			}
			if !ok {
				continue
			}
			p := f.Period()
			if !cumulative[field] || q == "Q1" {
				s[pkey(p)] = point{period: p, value: f.Value, cite: f.Cite(entity), filed: f.Filed}
				continue
			}
			prior, ok := byQ[quarters[i-1]]
			if !ok {
				continue
			}
			s[pkey(p)] = point{
				period: p,
				value:  f.Value - prior.Value,
				cite: model.Computed(
					fmt.Sprintf("%s %s FY%d YTD - %s FY%d YTD", field, q, fy, quarters[i-1], fy),
					f.Cite(entity), prior.Cite(entity)),
				filed: latest(f.Filed, prior.Filed),
			}
		}
	}
	return s
}

// StandaloneValue returns the standalone quarter value of field for period
func StandaloneValue(fs *model.FactSet, field string, p model.Period) (float64, model.Citation, bool) {
	b := newBook(fs)
	pt, ok := b.quarterSeries(field)[pkey(p)]
	return pt.value, pt.cite, ok
}

func sortPeriods(ps []model.Period) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Ordinal() < ps[j].Ordinal() })
}
