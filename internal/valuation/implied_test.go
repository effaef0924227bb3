package valuation

import (
	"testing"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fact(field string, v float64) model.Fact {
	return model.Fact{
		Field:        field,
		Value:        v,
		FiscalYear:   2024,
		FiscalPeriod: "FY",
		PeriodEnd:    time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Form:         "10-K",
		Accession:    "0000000000-25-000001",
		Filed:        time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC),
		Concept:      field,
		URL:          "https://www.sec.gov/Archives/edgar/data/1/000000000025000001/x10k.htm",
	}
}

func factSet(values map[string]float64) *model.FactSet {
	fs := &model.FactSet{Ticker: "ACME", CIK: "0000000001", EntityName: "Acme Corp", Annual: map[string][]model.Fact{}}
	for k, v := range values {
		fs.Annual[k] = []model.Fact{fact(k, v)}
	}
	return fs
}

func quote(price float64) *model.Quote {
	return &model.Quote{
		Ticker: "ACME",
		Price:  decimal.NewFromFloat(price),
		AsOf:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		URL:    "https://finance.yahoo.com/quote/ACME",
	}
}

func riskFree(rate float64) model.Figure {
	rf := model.RiskFreeRate{Rate: rate, AsOf: "2025-03-01", URL: "https://home.treasury.gov/", Series: "10Y"}
	return model.Cited(rate, rf.Cite())
}

func TestBuildEV(t *testing.T) {
	fs := factSet(map[string]float64{
		"shares_outstanding":     1000,
		"long_term_debt":         500,
		"short_term_debt":        100,
		"cash_and_equivalents":   300,
		"short_term_investments": 50,
	})
	ev := BuildEV(fs, quote(2.5))

	require.True(t, ev.EnterpriseValue.Valid())
	assert.InDelta(t, 2500+600-350, ev.EnterpriseValue.Float(), 1e-9)
	assert.InDelta(t, 2500, ev.MarketCap.Float(), 1e-9)
	assert.Len(t, ev.Components, 3)
	assert.Contains(t, ev.Summary, "EV = Market Cap")
	for _, c := range ev.Components {
		require.NoError(t, c.Value.Check(), c.Label)
	}
	require.NoError(t, ev.EnterpriseValue.Check())
	assert.Equal(t, model.SourceComputed, ev.EnterpriseValue.Cite().Kind)
}

func TestBuildEVMissingOptionalLinesAreCitedAbsences(t *testing.T) {
	fs := factSet(map[string]float64{"shares_outstanding": 10})
	ev := BuildEV(fs, quote(10))
	require.True(t, ev.EnterpriseValue.Valid())
	assert.InDelta(t, 100, ev.EnterpriseValue.Float(), 1e-9)

	debt := ev.TotalDebt.Cite()
	require.Len(t, debt.Inputs, 2)
	assert.True(t, debt.Inputs[0].NoEvidence)
	require.NoError(t, ev.TotalDebt.Check())
}

func TestBuildEVWithoutPrice(t *testing.T) {
	fs := factSet(map[string]float64{"shares_outstanding": 10})
	ev := BuildEV(fs, nil)
	assert.False(t, ev.EnterpriseValue.Valid())
	assert.Equal(t, "market price unavailable", ev.EnterpriseValue.NullReason)
	require.NoError(t, ev.EnterpriseValue.Check())
}

func TestDiscountRate(t *testing.T) {
	cfg := model.DefaultConfig().Valuation
	r, build := DiscountRate(riskFree(0.041), cfg)
	require.True(t, r.Valid())
	assert.InDelta(t, 0.086, r.Float(), 1e-12)
	assert.Equal(t, "rf 4.10% + beta 1.0 x ERP 4.5% = 8.60%", build)
	require.NoError(t, r.Check())
	assert.Len(t, r.Cite().Inputs, 3)
}

func TestAnalyzeDCF(t *testing.T) {
	fs := factSet(map[string]float64{
		"shares_outstanding":  100,
		"operating_cash_flow": 30,
		"capex":               10,
	})
	ev := BuildEV(fs, quote(3))
	cfg := model.DefaultConfig().Valuation

	mi := Analyze(model.MethodDCF, Inputs{Facts: fs, EV: ev, RiskFree: riskFree(0.041)}, cfg, time.Now())
	require.Nil(t, mi.Failure)
	require.True(t, mi.Implied.Valid())
	assert.InDelta(t, 20, mi.BaseCashFlow.Float(), 1e-9)
	assert.Contains(t, mi.BaseComputation, "FCF = OCF")

	back := DCFValue(mi.Implied.Float(), 20, mi.DiscountRate.Float(), cfg.TerminalGrowth, cfg.Horizon)
	assert.InDelta(t, 300, back, 0.3)

	require.Len(t, mi.Sensitivity, 4)
	up, down := mi.Sensitivity[0], mi.Sensitivity[1]
	require.True(t, up.Implied.Valid())
	require.True(t, down.Implied.Valid())
	assert.Greater(t, up.Implied.Float(), mi.Implied.Float(), "higher discount needs more growth")
	assert.Less(t, down.Implied.Float(), mi.Implied.Float())
	for _, p := range mi.Sensitivity {
		require.NoError(t, p.Implied.Check(), p.Label)
	}
}

func TestAnalyzeNegativeFCF(t *testing.T) {
	fs := factSet(map[string]float64{
		"shares_outstanding":  100,
		"operating_cash_flow": 5,
		"capex":               10,
	})
	ev := BuildEV(fs, quote(3))
	mi := Analyze(model.MethodDCF, Inputs{Facts: fs, EV: ev, RiskFree: riskFree(0.04)}, model.DefaultConfig().Valuation, time.Now())

	require.NotNil(t, mi.Failure)
	assert.Equal(t, "undefined: non-positive base cash flow", mi.Failure.Message)
	assert.False(t, mi.Implied.Valid())
	assert.Equal(t, "undefined: non-positive base cash flow", mi.Implied.NullReason)
	for _, p := range mi.Sensitivity {
		assert.False(t, p.Implied.Valid())
		require.NotNil(t, p.Failure)
	}
}

func TestAnalyzeMissingRiskFree(t *testing.T) {
	fs := factSet(map[string]float64{
		"shares_outstanding":  100,
		"operating_cash_flow": 30,
		"capex":               10,
	})
	mi := Analyze(model.MethodDCF, Inputs{Facts: fs, EV: BuildEV(fs, quote(3)), RiskFree: model.Null("treasury unavailable")}, model.DefaultConfig().Valuation, time.Now())
	require.NotNil(t, mi.Failure)
	assert.Equal(t, "missing_input", mi.Failure.Code)
	assert.False(t, mi.DiscountRate.Valid())
}

func TestAnalyzeSectorMethods(t *testing.T) {
	fs := factSet(map[string]float64{
		"shares_outstanding":  100,
		"operating_cash_flow": 30,
		"capex":               10,
		"revenue":             200,
		"total_equity":        150,
		"total_assets":        400,
		"total_liabilities":   200,
	})
	ev := BuildEV(fs, quote(3))
	cfg := model.DefaultConfig().Valuation
	in := Inputs{Facts: fs, EV: ev, RiskFree: riskFree(0.04)}

	t.Run("ev_ebitda", func(t *testing.T) {
		mi := Analyze(model.MethodEVEBITDA, in, cfg, time.Now())
		require.Nil(t, mi.Failure)
		m := mi.Implied.Float()
		assert.Greater(t, m, 0.0)
		assert.Less(t, m, 1.0)
		r := mi.DiscountRate.Float()
		back := DCFValue(cfg.TerminalGrowth, 200*m*ebitdaCashConversion, r, cfg.TerminalGrowth, cfg.Horizon)
		assert.InDelta(t, 300, back, 0.3)
	})

	t.Run("p_b_roe", func(t *testing.T) {
		mi := Analyze(model.MethodPBROE, in, cfg, time.Now())
		require.Nil(t, mi.Failure)
		r := mi.DiscountRate.Float()
		// P/B = 300/150 = 2 => ROE = g + 2(r - g)
		assert.InDelta(t, cfg.TerminalGrowth+2*(r-cfg.TerminalGrowth), mi.Implied.Float(), 1e-4)
	})

	t.Run("nav", func(t *testing.T) {
		mi := Analyze(model.MethodNAV, in, cfg, time.Now())
		require.Nil(t, mi.Failure)
		// market cap 300 vs NAV 200 => premium of 50%
		assert.InDelta(t, -0.5, mi.Implied.Float(), 1e-4)
		assert.Empty(t, mi.Sensitivity)
	})

	t.Run("ev_revenue", func(t *testing.T) {
		mi := Analyze(model.MethodEVRevenue, in, cfg, time.Now())
		require.Nil(t, mi.Failure)
		// trailing FCF margin 10% of revenue 200 => same base as the DCF
		assert.InDelta(t, 20, mi.BaseCashFlow.Float(), 1e-9)
		require.NoError(t, mi.Implied.Check())
	})
}
