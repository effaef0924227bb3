package kpi

import (
	"fmt"
	"testing"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

func qfact(field string, fy int, fp string, v float64) model.Fact {
	form := "10-Q"
	if fp == "FY" {
		form = "10-K"
	}
	return model.Fact{
		Field:        field,
		Value:        v,
		FiscalYear:   fy,
		FiscalPeriod: fp,
		Form:         form,
		Accession:    fmt.Sprintf("0000000001-%d-%s", fy, fp),
		Concept:      field,
		URL:          "https://www.sec.gov/Archives/edgar/data/1/x.htm",
	}
}

// acme reports YTD revenue 100/220/350 and FY 500 for FY2024, then 110/240 YTD for FY2025.
func acme() *model.FactSet {
	fs := &model.FactSet{
		Ticker:     "ACME",
		EntityName: "Acme Corp",
		Annual:     map[string][]model.Fact{},
		Quarterly:  map[string][]model.Fact{},
	}
	fs.Quarterly["revenue"] = []model.Fact{
		qfact("revenue", 2025, "Q2", 240),
		qfact("revenue", 2025, "Q1", 110),
		qfact("revenue", 2024, "Q3", 350),
		qfact("revenue", 2024, "Q2", 220),
		qfact("revenue", 2024, "Q1", 100),
	}
	fs.Annual["revenue"] = []model.Fact{qfact("revenue", 2024, "FY", 500)}
	fs.Quarterly["cost_of_revenue"] = []model.Fact{
		qfact("cost_of_revenue", 2025, "Q2", 130),
		qfact("cost_of_revenue", 2025, "Q1", 60),
		qfact("cost_of_revenue", 2024, "Q3", 175),
		qfact("cost_of_revenue", 2024, "Q2", 110),
		qfact("cost_of_revenue", 2024, "Q1", 50),
	}
	fs.Annual["cost_of_revenue"] = []model.Fact{qfact("cost_of_revenue", 2024, "FY", 250)}
	fs.Quarterly["inventory"] = []model.Fact{
		qfact("inventory", 2025, "Q2", 80),
		qfact("inventory", 2025, "Q1", 70),
	}
	return fs
}

func TestStandaloneQuarters(t *testing.T) {
	fs := acme()
	cases := []struct {
		fy   int
		fp   string
		want float64
	}{
		{2024, "Q1", 100},
		{2024, "Q2", 120},
		{2024, "Q3", 130},
		{2024, "Q4", 150},
		{2025, "Q1", 110},
		{2025, "Q2", 130},
	}
	for _, tc := range cases {
		v, cite, ok := StandaloneValue(fs, "revenue", model.Period{FiscalYear: tc.fy, FiscalPeriod: tc.fp})
		require.True(t, ok, "%s FY%d", tc.fp, tc.fy)
		assert.Equal(t, tc.want, v, "%s FY%d", tc.fp, tc.fy)
		require.NoError(t, cite.Check())
	}

	_, cite, _ := StandaloneValue(fs, "revenue", model.Period{FiscalYear: 2024, FiscalPeriod: "Q4"})
	assert.Equal(t, model.SourceComputed, cite.Kind)
	assert.Contains(t, cite.Formula, "FY2024 - Q3 FY2024 YTD")
}

func TestStandaloneMissingPriorIsUnavailable(t *testing.T) {
	fs := &model.FactSet{
		Ticker:    "ACME",
		Quarterly: map[string][]model.Fact{"revenue": {qfact("revenue", 2024, "Q3", 350)}},
	}
	_, _, ok := StandaloneValue(fs, "revenue", model.Period{FiscalYear: 2024, FiscalPeriod: "Q3"})
	assert.False(t, ok, "cumulative value must not be reported as a quarter")

	fs.Quarterly["inventory"] = []model.Fact{qfact("inventory", 2024, "Q3", 40)}
	v, _, ok := StandaloneValue(fs, "inventory", model.Period{FiscalYear: 2024, FiscalPeriod: "Q3"})
	require.True(t, ok, "balance sheet items are point-in-time")
	assert.Equal(t, 40.0, v)
}

func defs(ids ...string) []templates.KPIDefinition {
	out := make([]templates.KPIDefinition, len(ids))
	for i, id := range ids {
		out[i] = templates.KPIDefinition{ID: id, Label: id, Unit: "%"}
	}
	return out
}

func byPeriod(obs []model.KPIObservation, kpiID string) map[string]model.KPIObservation {
	out := make(map[string]model.KPIObservation)
	for _, o := range obs {
		if o.KPIID == kpiID {
			out[o.Period.Label()] = o
		}
	}
	return out
}

func TestComputeGrossMarginQuarterly(t *testing.T) {
	res := Compute(acme(), defs("gross_margin"), now)
	gm := byPeriod(res.Observations, "gross_margin")
	require.Len(t, gm, 6)

	q2 := gm["Q2 FY2025"]
	// Q2 FY2025: revenue 130, COGS 70 => 46.15%
	assert.InDelta(t, 60.0/130*100, q2.Value.Float(), 1e-9)
	// Q1 FY2025: revenue 110, COGS 60 => 45.45%
	assert.InDelta(t, 50.0/110*100, q2.Prior.Float(), 1e-9)
	assert.InDelta(t, 60.0/130*100-50.0/110*100, q2.QoQDelta.Float(), 1e-9)
	// Q2 FY2024: revenue 120, COGS 60 => 50%
	assert.InDelta(t, 60.0/130*100-50, q2.YoYDelta.Float(), 1e-9)
	assert.Equal(t, "ACME:gross_margin:2025Q2", q2.ID)

	for _, o := range res.Observations {
		require.NoError(t, o.Value.Check(), o.ID)
		require.NoError(t, o.Prior.Check(), o.ID)
		require.NoError(t, o.QoQDelta.Check(), o.ID)
		require.NoError(t, o.YoYDelta.Check(), o.ID)
	}
}

func TestComputeCarriesFilingDate(t *testing.T) {
	fs := acme()
	month := map[string]int{"Q1": 5, "Q2": 8, "Q3": 11, "FY": 14}
	stamp := func(facts []model.Fact) {
		for i := range facts {
			facts[i].Filed = time.Date(facts[i].FiscalYear, time.Month(month[facts[i].FiscalPeriod]), 10, 0, 0, 0, 0, time.UTC)
		}
	}
	for _, list := range fs.Quarterly {
		stamp(list)
	}
	for _, list := range fs.Annual {
		stamp(list)
	}

	gm := byPeriod(Compute(fs, defs("gross_margin"), now).Observations, "gross_margin")
	assert.Equal(t, time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC), gm["Q2 FY2025"].Filed)
	assert.Equal(t, time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC), gm["Q1 FY2025"].Filed)
	// Q4 is derived from the 10-K, the newer of its two inputs
	assert.Equal(t, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), gm["Q4 FY2024"].Filed)
	assert.Equal(t, now, gm["Q4 FY2024"].ObservedAt)
}

func TestComputeRevenueGrowth(t *testing.T) {
	res := Compute(acme(), defs("revenue_growth"), now)
	growth := byPeriod(res.Observations, "revenue_growth")
	require.Len(t, growth, 2, "growth needs a year-ago quarter")
	assert.InDelta(t, 10.0, growth["Q1 FY2025"].Value.Float(), 1e-9)
	assert.InDelta(t, (130.0/120-1)*100, growth["Q2 FY2025"].Value.Float(), 1e-9)
	assert.False(t, growth["Q1 FY2025"].Prior.Valid())
}

func TestComputeInventoryDaysAnnualizesQuarterCOGS(t *testing.T) {
	res := Compute(acme(), defs("inventory_days"), now)
	days := byPeriod(res.Observations, "inventory_days")
	require.Contains(t, days, "Q2 FY2025")
	assert.InDelta(t, 80/(70*4.0/365), days["Q2 FY2025"].Value.Float(), 1e-9)
}

func TestComputeAnnualFallback(t *testing.T) {
	fs := &model.FactSet{
		Ticker: "OLD",
		Annual: map[string][]model.Fact{
			"net_income":   {qfact("net_income", 2024, "FY", 30), qfact("net_income", 2023, "FY", 20)},
			"total_equity": {qfact("total_equity", 2024, "FY", 200), qfact("total_equity", 2023, "FY", 200)},
		},
	}
	res := Compute(fs, defs("roe"), now)
	roe := byPeriod(res.Observations, "roe")
	require.Len(t, roe, 2)
	cur := roe["FY2024"]
	assert.InDelta(t, 15.0, cur.Value.Float(), 1e-9)
	assert.InDelta(t, 5.0, cur.YoYDelta.Float(), 1e-9)
	assert.False(t, cur.QoQDelta.Valid())
	assert.Equal(t, "quarterly data unavailable", cur.QoQDelta.NullReason)
}

func TestComputeExtractionOnly(t *testing.T) {
	fs := acme()
	res := Compute(fs, defs("nrr"), now)
	require.Empty(t, res.Observations)
	require.Len(t, res.Unavailable, 1)
	assert.Equal(t, ExtractionNote, res.Unavailable[0].Note)
	require.NoError(t, res.Unavailable[0].Value.Check())

	fs.Extracted = map[string][]model.Fact{
		"nrr": {qfact("nrr", 2025, "Q2", 112), qfact("nrr", 2025, "Q1", 115)},
	}
	res = Compute(fs, defs("nrr"), now)
	nrr := byPeriod(res.Observations, "nrr")
	require.Len(t, nrr, 2)
	assert.InDelta(t, -3.0, nrr["Q2 FY2025"].QoQDelta.Float(), 1e-9)
	assert.Equal(t, model.SourceExtraction, nrr["Q2 FY2025"].Value.Cite().Kind)
}

func TestComputeMissingFacts(t *testing.T) {
	res := Compute(&model.FactSet{Ticker: "NONE"}, defs("gross_margin", "fcf_margin"), now)
	assert.Empty(t, res.Observations)
	require.Len(t, res.Unavailable, 2)
	assert.Equal(t, "required facts not reported", res.Unavailable[0].Value.NullReason)
}

func TestLatest(t *testing.T) {
	res := Compute(acme(), defs("gross_margin", "revenue_growth"), now)
	latest := res.Latest()
	assert.Equal(t, "Q2 FY2025", latest["gross_margin"].Period.Label())
	assert.Equal(t, "Q2 FY2025", latest["revenue_growth"].Period.Label())
}

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute(acme(), defs("gross_margin", "revenue_growth"), now)
	b := Compute(acme(), defs("gross_margin", "revenue_growth"), now)
	assert.Equal(t, a, b)
}
