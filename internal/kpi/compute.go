package kpi

import (
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/templates"
)

// maxPeriods bounds the history produced per KPI per cycle
const maxPeriods = 12

// ExtractionNote marks KPIs that XBRL does not carry
const ExtractionNote = "requires filing text extraction; not available in XBRL"

// frame gives calculators access to field values at one period and
// records the newest filing date among the values they read
type frame struct {
	b         *book
	period    model.Period
	quarterly bool
	filed     *time.Time
}

// perYear annualizes flow items measured over one frame
func (fr frame) perYear() float64 {
	if fr.quarterly {
		return 4
	}
	return 1
}

func (fr frame) at(field string, p model.Period) (point, bool) {
	var pt point
	var ok bool
	if fr.quarterly {
		pt, ok = fr.b.quarterSeries(field)[pkey(p)]
	} else {
		pt, ok = fr.b.annualSeries(field)[p.FiscalYear]
	}
	if ok && fr.filed != nil {
		*fr.filed = latest(*fr.filed, pt.filed)
	}
	return pt, ok
}

func (fr frame) get(field string) (point, bool) {
	return fr.at(field, fr.period)
}

// optional returns the field value, or zero cited as absent
func (fr frame) optional(field string) point {
	if pt, ok := fr.get(field); ok {
		return pt
	}
	return point{period: fr.period, cite: model.NoDirectEvidence(field + " " + fr.period.Label())}
}

func (fr frame) yearAgo(field string) (point, bool) {
	return fr.at(field, fr.period.YearAgo())
}

// result is a computed KPI value before it becomes an observation
type result struct {
	value   float64
	formula string
	inputs  []model.Citation
}

type calculator struct {
	fields  []string // Fields whose periods drive the series
	compute func(fr frame) (result, bool)
}

func ratioOf(numField, denField string) func(fr frame) (result, bool) {
	return func(fr frame) (result, bool) {
		n, ok1 := fr.get(numField)
		d, ok2 := fr.get(denField)
		if !ok1 || !ok2 || d.value == 0 {
			return result{}, false
		}
		return result{
			value:   n.value / d.value * 100,
			formula: fmt.Sprintf("%s (%s) / %s (%s) x 100", numField, model.Money(n.value), denField, model.Money(d.value)),
			inputs:  []model.Citation{n.cite, d.cite},
		}, true
	}
}

func grossProfit(fr frame) (point, bool) {
	if gp, ok := fr.get("gross_profit"); ok {
		return gp, true
	}
	rev, ok1 := fr.get("revenue")
	cor, ok2 := fr.get("cost_of_revenue")
	if !ok1 || !ok2 {
		return point{}, false
	}
	return point{
		period: fr.period,
		value:  rev.value - cor.value,
		cite:   model.Computed("revenue - cost_of_revenue", rev.cite, cor.cite),
	}, true
}

func fcf(fr frame) (point, bool) {
	ocf, ok1 := fr.get("operating_cash_flow")
	capex, ok2 := fr.get("capex")
	if !ok1 || !ok2 {
		return point{}, false
	}
	v := ocf.value - capex.value
	return point{
		period: fr.period,
		value:  v,
		cite: model.Computed(
			fmt.Sprintf("FCF = OCF (%s) - CapEx (%s) = %s", model.Money(ocf.value), model.Money(capex.value), model.Money(v)),
			ocf.cite, capex.cite),
	}, true
}

func revenueGrowth(fr frame) (result, bool) {
	cur, ok1 := fr.get("revenue")
	prior, ok2 := fr.yearAgo("revenue")
	if !ok1 || !ok2 || prior.value == 0 {
		return result{}, false
	}
	return result{
		value:   (cur.value/prior.value - 1) * 100,
		formula: fmt.Sprintf("(revenue %s / year-ago %s - 1) x 100", model.Money(cur.value), model.Money(prior.value)),
		inputs:  []model.Citation{cur.cite, prior.cite},
	}, true
}

func fcfMargin(fr frame) (result, bool) {
	f, ok1 := fcf(fr)
	rev, ok2 := fr.get("revenue")
	if !ok1 || !ok2 || rev.value == 0 {
		return result{}, false
	}
	return result{
		value:   f.value / rev.value * 100,
		formula: fmt.Sprintf("FCF (%s) / revenue (%s) x 100", model.Money(f.value), model.Money(rev.value)),
		inputs:  []model.Citation{f.cite, rev.cite},
	}, true
}

var calculators = map[string]calculator{
	"gross_margin": {
		fields: []string{"revenue"},
		compute: func(fr frame) (result, bool) {
			gp, ok1 := grossProfit(fr)
			rev, ok2 := fr.get("revenue")
			if !ok1 || !ok2 || rev.value == 0 {
				return result{}, false
			}
			return result{
				value:   gp.value / rev.value * 100,
				formula: fmt.Sprintf("gross_profit (%s) / revenue (%s) x 100", model.Money(gp.value), model.Money(rev.value)),
				inputs:  []model.Citation{gp.cite, rev.cite},
			}, true
		},
	},
	"operating_margin":  {fields: []string{"revenue"}, compute: ratioOf("operating_income", "revenue")},
	"sbc_revenue":       {fields: []string{"revenue"}, compute: ratioOf("sbc", "revenue")},
	"capex_intensity":   {fields: []string{"revenue"}, compute: ratioOf("capex", "revenue")},
	"r_and_d_intensity": {fields: []string{"revenue"}, compute: ratioOf("research_and_development", "revenue")},
	"fcf_margin":        {fields: []string{"revenue"}, compute: fcfMargin},
	"revenue_growth":    {fields: []string{"revenue"}, compute: revenueGrowth},
	"rule_of_40": {
		fields: []string{"revenue"},
		compute: func(fr frame) (result, bool) {
			g, ok1 := revenueGrowth(fr)
			m, ok2 := fcfMargin(fr)
			if !ok1 || !ok2 {
				return result{}, false
			}
			return result{
				value:   g.value + m.value,
				formula: fmt.Sprintf("revenue growth (%.1f%%) + FCF margin (%.1f%%)", g.value, m.value),
				inputs: []model.Citation{
					model.Computed(g.formula, g.inputs...),
					model.Computed(m.formula, m.inputs...),
				},
			}, true
		},
	},
	"inventory_days": {
		fields: []string{"inventory"},
		compute: func(fr frame) (result, bool) {
			inv, ok1 := fr.get("inventory")
			cogs, ok2 := fr.get("cost_of_revenue")
			if !ok1 || !ok2 || cogs.value == 0 {
				return result{}, false
			}
			annualCOGS := cogs.value * fr.perYear()
			return result{
				value:   inv.value / (annualCOGS / 365),
				formula: fmt.Sprintf("inventory (%s) / (COGS (%s) x %.0f / 365)", model.Money(inv.value), model.Money(cogs.value), fr.perYear()),
				inputs:  []model.Citation{inv.cite, cogs.cite},
			}, true
		},
	},
	"roe": {
		fields: []string{"net_income"},
		compute: func(fr frame) (result, bool) {
			ni, ok1 := fr.get("net_income")
			eq, ok2 := fr.get("total_equity")
			if !ok1 || !ok2 || eq.value == 0 {
				return result{}, false
			}
			return result{
				value:   ni.value * fr.perYear() / eq.value * 100,
				formula: fmt.Sprintf("net_income (%s) x %.0f / total_equity (%s) x 100", model.Money(ni.value), fr.perYear(), model.Money(eq.value)),
				inputs:  []model.Citation{ni.cite, eq.cite},
			}, true
		},
	},
	"fcf_yield": {
		fields: []string{"operating_cash_flow"},
		compute: func(fr frame) (result, bool) {
			f, ok1 := fcf(fr)
			ta, ok2 := fr.get("total_assets")
			if !ok1 || !ok2 || ta.value == 0 {
				return result{}, false
			}
			return result{
				value:   f.value * fr.perYear() / ta.value * 100,
				formula: fmt.Sprintf("FCF (%s) x %.0f / total_assets (%s) x 100", model.Money(f.value), fr.perYear(), model.Money(ta.value)),
				inputs:  []model.Citation{f.cite, ta.cite},
			}, true
		},
	},
	"net_debt_ebitda": {
		fields: []string{"operating_income"},
		compute: func(fr frame) (result, bool) {
			oi, ok := fr.get("operating_income")
			if !ok {
				return result{}, false
			}
			da := fr.optional("depreciation_amortization")
			ebitda := (oi.value + da.value) * fr.perYear()
			if ebitda == 0 {
				return result{}, false
			}
			ltd, std := fr.optional("long_term_debt"), fr.optional("short_term_debt")
			cash, sti := fr.optional("cash_and_equivalents"), fr.optional("short_term_investments")
			netDebt := ltd.value + std.value - cash.value - sti.value
			return result{
				value: netDebt / ebitda,
				formula: fmt.Sprintf("(debt %s - cash %s) / ((OI %s + D&A %s) x %.0f)",
					model.Money(ltd.value+std.value), model.Money(cash.value+sti.value),
					model.Money(oi.value), model.Money(da.value), fr.perYear()),
				inputs: []model.Citation{ltd.cite, std.cite, cash.cite, sti.cite, oi.cite, da.cite},
			}, true
		},
	},
}

// extractionOnly KPIs come from filing text, supplied as FactSet.Extracted
var extractionOnly = map[string]bool{
	"nrr":          true,
	"cac_payback":  true,
	"backlog":      true,
	"book_to_bill": true,
}

// Computable reports whether id can be derived from XBRL facts
func Computable(id string) bool {
	_, ok := calculators[id]
	return ok
}

// Result is the KPI output of one cycle
type Result struct {
	Observations []model.KPIObservation // Cited values, oldest first per KPI
	Unavailable  []model.KPIObservation // One null observation per KPI that produced nothing
}

// Latest returns the most recent observation per KPI id
func (r Result) Latest() map[string]model.KPIObservation {
	out := make(map[string]model.KPIObservation)
	for _, o := range r.Observations {
		if cur, ok := out[o.KPIID]; !ok || cur.Period.Before(o.Period) {
			out[o.KPIID] = o
		}
	}
	return out
}

// Compute derives every template KPI from fs. Quarterly series are used when
// the filings carry quarters; otherwise the KPI falls back to fiscal years.
func Compute(fs *model.FactSet, defs []templates.KPIDefinition, now time.Time) Result {
	b := newBook(fs)
	ticker := ""
	if fs != nil {
		ticker = fs.Ticker
	}
	var res Result
	for _, def := range defs {
		var pts []point
		quarterly := true
		note := ""
		switch {
		case extractionOnly[def.ID]:
			pts, quarterly = extractedPoints(fs, def.ID)
			note = ExtractionNote
		default:
			calc, ok := calculators[def.ID]
			if !ok {
				note = "no calculator for KPI"
				break
			}
			pts = series(b, calc, true)
			if len(pts) == 0 {
				quarterly = false
				pts = series(b, calc, false)
			}
		}
		if len(pts) == 0 {
			if note == "" {
				note = "required facts not reported"
			}
			res.Unavailable = append(res.Unavailable, model.KPIObservation{
				Ticker:     ticker,
				KPIID:      def.ID,
				Label:      def.Label,
				Unit:       def.Unit,
				Value:      model.Null(note),
				Prior:      model.Null(note),
				QoQDelta:   model.Null(note),
				YoYDelta:   model.Null(note),
				Note:       note,
				ObservedAt: now,
			})
			continue
		}
		res.Observations = append(res.Observations, observe(ticker, def, pts, quarterly, now)...)
	}
	return res
}

func series(b *book, calc calculator, quarterly bool) []point {
	seen := make(map[string]model.Period)
	for _, field := range calc.fields {
		if quarterly {
			for k, pt := range b.quarterSeries(field) {
				seen[k] = pt.period
			}
		} else {
			for _, pt := range b.annualSeries(field) {
				seen[pkey(pt.period)] = pt.period
			}
		}
	}
	periods := make([]model.Period, 0, len(seen))
	for _, p := range seen {
		periods = append(periods, p)
	}
	sortPeriods(periods)

	var out []point
	for _, p := range periods {
		var filed time.Time
		r, ok := calc.compute(frame{b: b, period: p, quarterly: quarterly, filed: &filed})
		if !ok {
			continue
		}
		out = append(out, point{period: p, value: r.value, cite: model.Computed(r.formula, r.inputs...), filed: filed})
	}
	if len(out) > maxPeriods {
		out = out[len(out)-maxPeriods:]
	}
	return out
}

func extractedPoints(fs *model.FactSet, id string) ([]point, bool) {
	if fs == nil {
		return nil, true
	}
	byKey := make(map[string]point)
	quarterly := true
	for _, f := range fs.Extracted[id] {
		p := f.Period()
		if _, seen := byKey[pkey(p)]; seen {
			continue
		}
		if p.FiscalPeriod == "FY" {
			quarterly = false
		}
		c := f.Cite(fs.EntityName)
		c.Kind = model.SourceExtraction
		if f.Form != "" {
			c.Locator = f.Form + " " + c.Locator
		}
		byKey[pkey(p)] = point{period: p, value: f.Value, cite: c, filed: f.Filed}
	}
	out := make([]point, 0, len(byKey))
	for _, pt := range byKey {
		out = append(out, pt)
	}
	sortPoints(out)
	return out, quarterly
}

func sortPoints(pts []point) {
	sort.Slice(pts, func(i, j int) bool { return pts[i].period.Ordinal() < pts[j].period.Ordinal() })
}

func observe(ticker string, def templates.KPIDefinition, pts []point, quarterly bool, now time.Time) []model.KPIObservation {
	index := make(map[string]point, len(pts))
	for _, pt := range pts {
		index[pkey(pt.period)] = pt
	}
	out := make([]model.KPIObservation, 0, len(pts))
	for _, pt := range pts {
		obs := model.KPIObservation{
			ID:         model.ObservationID(ticker, def.ID, pt.period),
			Ticker:     ticker,
			KPIID:      def.ID,
			Label:      def.Label,
			Unit:       def.Unit,
			Period:     pt.period,
			Value:      model.Cited(pt.value, pt.cite),
			Filed:      pt.filed,
			ObservedAt: now,
		}
		if extractionOnly[def.ID] {
			obs.Note = "extracted from filing text"
		}

		prevKey := pkey(pt.period.Previous())
		yagoKey := pkey(pt.period.YearAgo())

		if prev, ok := index[prevKey]; ok {
			obs.Prior = model.Cited(prev.value, prev.cite)
		} else {
			obs.Prior = model.Null("prior period not reported")
		}
		switch {
		case !quarterly:
			obs.QoQDelta = model.Null("quarterly data unavailable")
		case obs.Prior.Valid():
			obs.QoQDelta = delta(def.ID, pt, index[prevKey])
		default:
			obs.QoQDelta = model.Null("prior quarter not reported")
		}
		if yago, ok := index[yagoKey]; ok {
			obs.YoYDelta = delta(def.ID, pt, yago)
		} else {
			obs.YoYDelta = model.Null("year-ago period not reported")
		}
		out = append(out, obs)
	}
	return out
}

func delta(id string, cur, prev point) model.Figure {
	return model.Cited(cur.value-prev.value, model.Computed(
		fmt.Sprintf("%s %s - %s", id, cur.period.Label(), prev.period.Label()),
		cur.cite, prev.cite))
}
