package evaluate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/thesiswatch/internal/model"
)

func obs(kpi string, year int, fp string, v float64) model.KPIObservation {
	p := model.Period{FiscalYear: year, FiscalPeriod: fp}
	return model.KPIObservation{
		ID:     model.ObservationID("ACME", kpi, p),
		Ticker: "ACME",
		KPIID:  kpi,
		Period: p,
		Value: model.Cited(v, model.Citation{
			Kind:      model.Source10Q,
			Accession: fmt.Sprintf("0000000000-%02d-%s", year%100, fp),
			Locator:   kpi,
		}),
	}
}

func quarters(kpi string, values ...float64) model.KPIHistory {
	var h model.KPIHistory
	year, q := 2024, 1
	for _, v := range values {
		h = append(h, obs(kpi, year, fmt.Sprintf("Q%d", q), v))
		q++
		if q > 4 {
			q, year = 1, year+1
		}
	}
	return h
}

func marginKill(duration string) model.KillCriterion {
	return model.KillCriterion{
		ID:          "ACME-K1",
		Description: "gross margin below 50%",
		Metric:      "gross_margin",
		Operator:    "<",
		Threshold:   50,
		Duration:    duration,
	}
}

// sequence evaluates kc after each prefix of hist, carrying status forward
func sequence(t *testing.T, kc model.KillCriterion, hist model.KPIHistory) []model.KillStatus {
	t.Helper()
	var out []model.KillStatus
	for i := 1; i <= len(hist); i++ {
		next, err := EvaluateKill(kc, hist[:i], Reporting{}, DefaultOptions())
		require.NoError(t, err)
		kc = next
		out = append(out, kc.Status)
	}
	return out
}

func TestGrossMarginScenario(t *testing.T) {
	hist := quarters("gross_margin", 52.4, 50.8, 49.9)

	assert.Equal(t,
		[]model.KillStatus{model.KillOK, model.KillWatch, model.KillWatch},
		sequence(t, marginKill("2Q"), hist))

	// A second violating quarter completes the streak
	hist = append(hist, obs("gross_margin", 2024, "Q4", 49.5))
	assert.Equal(t,
		[]model.KillStatus{model.KillOK, model.KillWatch, model.KillWatch, model.KillBreach},
		sequence(t, marginKill("2Q"), hist))

	// With a single-quarter duration the third reading breaches
	assert.Equal(t,
		[]model.KillStatus{model.KillOK, model.KillWatch, model.KillBreach},
		sequence(t, marginKill("1Q"), quarters("gross_margin", 52.4, 50.8, 49.9)))
}

func TestBreachIffTrailingPeriodsViolate(t *testing.T) {
	values := []float64{55, 49, 48, 47, 60, 49}
	// Exhaustively check every prefix: breach exactly when the last two violate
	for n := 1; n <= len(values); n++ {
		hist := quarters("gross_margin", values[:n]...)
		got, err := EvaluateKill(marginKill("2Q"), hist, Reporting{}, DefaultOptions())
		require.NoError(t, err)

		both := n >= 2 && values[n-1] < 50 && values[n-2] < 50
		assert.Equal(t, both, got.Status == model.KillBreach, "prefix %d", n)
	}
}

func TestStreakReset(t *testing.T) {
	hist := quarters("gross_margin", 49, 48, 50.5)
	got, err := EvaluateKill(marginKill("2Q"), hist, Reporting{}, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 0, got.Consecutive)
	// 50.5 is within 2% of the threshold, so it remains on watch
	assert.Equal(t, model.KillWatch, got.Status)
	assert.NotEmpty(t, got.WatchReason)

	hist = quarters("gross_margin", 49, 48, 58)
	got, err = EvaluateKill(marginKill("2Q"), hist, Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.KillOK, got.Status)
}

func TestGapBreaksStreak(t *testing.T) {
	hist := model.KPIHistory{
		obs("gross_margin", 2024, "Q1", 49),
		obs("gross_margin", 2024, "Q3", 48),
	}
	got, err := EvaluateKill(marginKill("2Q"), hist, Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, got.Consecutive)
	assert.Equal(t, model.KillWatch, got.Status)
}

func TestDistanceIsSignedAndCited(t *testing.T) {
	got, err := EvaluateKill(marginKill("2Q"), quarters("gross_margin", 60), Reporting{}, DefaultOptions())
	require.NoError(t, err)

	require.True(t, got.Distance.Valid())
	assert.InDelta(t, 10, got.Distance.Float(), 1e-9)
	assert.InDelta(t, 20, got.DistancePct.Float(), 1e-9)
	assert.NoError(t, got.Distance.Check())
	assert.NoError(t, got.DistancePct.Check())

	got, err = EvaluateKill(marginKill("2Q"), quarters("gross_margin", 45), Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, -5, got.Distance.Float(), 1e-9)

	above := model.KillCriterion{ID: "K", Metric: "inventory_days", Operator: ">", Threshold: 120, Duration: "2Q"}
	got, err = EvaluateKill(above, quarters("inventory_days", 100), Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, 20, got.Distance.Float(), 1e-9)
}

func TestZeroThresholdDistancePctIsNull(t *testing.T) {
	kc := model.KillCriterion{ID: "K", Metric: "fcf_margin", Operator: "<", Threshold: 0, Duration: "1Q"}
	got, err := EvaluateKill(kc, quarters("fcf_margin", 5), Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, got.DistancePct.Valid())
	assert.NoError(t, got.DistancePct.Check())
}

func TestProximityBand(t *testing.T) {
	// Prior headroom 20, current headroom 3: within 20% of the prior gap
	hist := quarters("rule_of_40", 45, 28)
	kc := model.KillCriterion{ID: "K", Metric: "rule_of_40", Operator: "<", Threshold: 25, Duration: "2Q"}
	got, err := EvaluateKill(kc, hist, Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.KillWatch, got.Status)
	assert.Contains(t, got.WatchReason, "headroom")

	// Declared band on the criterion overrides the default
	kc.ProximityBand = 0.1
	got, err = EvaluateKill(kc, hist, Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.KillOK, got.Status)
}

func TestNoDataKeepsPriorStatus(t *testing.T) {
	kc := marginKill("2Q")
	kc.Status = model.KillWatch
	hist := quarters("gross_margin", 52, 49)

	got, err := EvaluateKill(kc, hist, Reporting{Year: 2024, Quarter: 3}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, got.NoData)
	assert.Equal(t, model.KillWatch, got.Status)
	assert.False(t, got.CurrentValue.Valid())
	assert.Contains(t, got.CurrentValue.NullReason, "Q3 FY2024")

	got, err = EvaluateKill(marginKill("2Q"), nil, Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, got.NoData)
	assert.Equal(t, model.KillOK, got.Status)
}

func TestEvaluateKillIdempotent(t *testing.T) {
	hist := quarters("gross_margin", 52.4, 50.8, 49.9, 49.1)
	first, err := EvaluateKill(marginKill("2Q"), hist, Reporting{}, DefaultOptions())
	require.NoError(t, err)
	second, err := EvaluateKill(first, hist, Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRateOfChangeOperators(t *testing.T) {
	backlog := model.KillCriterion{ID: "K", Metric: "backlog", Operator: "qoq_decline >", Threshold: 15, Duration: "1Q"}
	got, err := EvaluateKill(backlog, quarters("backlog", 100, 80), Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.KillBreach, got.Status)
	assert.InDelta(t, 20, got.CurrentValue.Float(), 1e-9)
	assert.NoError(t, got.CurrentValue.Check())

	// First point has no prior quarter to compare against
	got, err = EvaluateKill(backlog, quarters("backlog", 100), Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, got.NoData)

	midcycle := model.KillCriterion{ID: "K2", Metric: "gross_margin", Operator: "below_midcycle_bps >", Threshold: 500, Duration: "1Q"}
	got, err = EvaluateKill(midcycle, quarters("gross_margin", 50, 50, 50, 50, 44), Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, 600, got.CurrentValue.Float(), 1e-9)
	assert.Equal(t, model.KillBreach, got.Status)

	// Fewer than four prior periods gives no mid-cycle reference
	got, err = EvaluateKill(midcycle, quarters("gross_margin", 50, 50, 44), Reporting{}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, got.NoData)
}

func TestParseOperator(t *testing.T) {
	tests := []struct {
		in      string
		want    Operator
		wantErr bool
	}{
		{in: "<", want: Operator{Cmp: "<"}},
		{in: " >= ", want: Operator{Cmp: ">="}},
		{in: "qoq_decline >", want: Operator{Transform: QoQDecline, Cmp: ">"}},
		{in: "yoy_decline >", want: Operator{Transform: YoYDecline, Cmp: ">"}},
		{in: "sideways <", wantErr: true},
		{in: "=>", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseOperator(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in     string
		annual bool
		want   int
	}{
		{"2Q", false, 2},
		{"1Y", false, 4},
		{"1Y", true, 1},
		{"2Q", true, 1},
		{"5Q", true, 2},
		{"3", false, 3},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in, tt.annual)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseDuration("0Q", false)
	assert.Error(t, err)
	_, err = ParseDuration("2W", false)
	assert.Error(t, err)
}

func TestAnnualSeriesUsesFiscalYears(t *testing.T) {
	hist := model.KPIHistory{
		obs("roe", 2022, "FY", 12),
		obs("roe", 2023, "FY", 7),
		obs("roe", 2024, "FY", 6),
	}
	kc := model.KillCriterion{ID: "K", Metric: "roe", Operator: "<", Threshold: 8, Duration: "1Y"}
	got, err := EvaluateKill(kc, hist, Reporting{Year: 2024, Quarter: 4}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.KillBreach, got.Status)
	assert.Equal(t, "FY2024", got.Period)

	// Mid-year the latest complete fiscal year is still the current one
	got, err = EvaluateKill(kc, hist, Reporting{Year: 2025, Quarter: 2}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "FY2024", got.Period)
}

func TestLatestReporting(t *testing.T) {
	all := append(quarters("gross_margin", 50, 51, 52), obs("roe", 2023, "FY", 10))
	assert.Equal(t, Reporting{Year: 2024, Quarter: 3}, LatestReporting(all))
	assert.True(t, LatestReporting(nil).IsZero())
}
