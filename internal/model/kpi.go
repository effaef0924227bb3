package model

import (
	"fmt"
	"sort"
	"time"
)

// KPIFamily tags a KPI by what it tells you about the business
type KPIFamily string

const (
	FamilyLeading    KPIFamily = "leading"
	FamilyLagging    KPIFamily = "lagging"
	FamilyEfficiency KPIFamily = "efficiency"
	FamilyQuality    KPIFamily = "quality"
)

// Period identifies a fiscal reporting period
type Period struct {
	FiscalYear   int       `json:"fiscal_year"`
	FiscalPeriod string    `json:"fiscal_period"` // FY, Q1..Q4
	End          time.Time `json:"end"`
}

// Label renders "Q3 FY2025" or "FY2025"
func (p Period) Label() string {
	if p.FiscalYear == 0 {
		return "?"
	}
	if p.FiscalPeriod == "" || p.FiscalPeriod == "FY" {
		return fmt.Sprintf("FY%d", p.FiscalYear)
	}
	return fmt.Sprintf("%s FY%d", p.FiscalPeriod, p.FiscalYear)
}

// Ordinal orders periods within and across fiscal years (FY sorts with Q4)
func (p Period) Ordinal() int {
	q := 4
	switch p.FiscalPeriod {
	case "Q1":
		q = 1
	case "Q2":
		q = 2
	case "Q3":
		q = 3
	}
	return p.FiscalYear*10 + q
}

// Previous returns the period immediately before p at the same granularity
func (p Period) Previous() Period {
	switch p.FiscalPeriod {
	case "Q2":
		return Period{FiscalYear: p.FiscalYear, FiscalPeriod: "Q1"}
	case "Q3":
		return Period{FiscalYear: p.FiscalYear, FiscalPeriod: "Q2"}
	case "Q4":
		return Period{FiscalYear: p.FiscalYear, FiscalPeriod: "Q3"}
	case "Q1":
		return Period{FiscalYear: p.FiscalYear - 1, FiscalPeriod: "Q4"}
	default:
		return Period{FiscalYear: p.FiscalYear - 1, FiscalPeriod: "FY"}
	}
}

// YearAgo returns the same fiscal period one year earlier
func (p Period) YearAgo() Period {
	return Period{FiscalYear: p.FiscalYear - 1, FiscalPeriod: p.FiscalPeriod}
}

// Annual reports whether p is a full fiscal year
func (p Period) Annual() bool {
	return p.FiscalPeriod == "" || p.FiscalPeriod == "FY"
}

// Same reports whether p and o name the same fiscal period
func (p Period) Same(o Period) bool {
	return p.FiscalYear == o.FiscalYear && normalize(p.FiscalPeriod) == normalize(o.FiscalPeriod)
}

func normalize(fp string) string {
	if fp == "" {
		return "FY"
	}
	return fp
}

// Before reports whether p precedes o
func (p Period) Before(o Period) bool {
	if !p.End.IsZero() && !o.End.IsZero() && !p.End.Equal(o.End) {
		return p.End.Before(o.End)
	}
	return p.Ordinal() < o.Ordinal()
}

// KPIObservation is one cited KPI value for one period
type KPIObservation struct {
	ID         string    `json:"id"`
	Ticker     string    `json:"ticker" badgerhold:"index"`
	KPIID      string    `json:"kpi_id"`
	Label      string    `json:"label"`
	Unit       string    `json:"unit"`
	Period     Period    `json:"period"`
	Value      Figure    `json:"value"`
	Prior      Figure    `json:"prior_value"`
	QoQDelta   Figure    `json:"qoq_delta"`
	YoYDelta   Figure    `json:"yoy_delta"`
	Note       string    `json:"note,omitempty"`
	Filed      time.Time `json:"filed,omitempty"` // Newest filing behind the value
	ObservedAt time.Time `json:"observed_at"`
}

// ObservationID is the stable key of (ticker, kpi, period)
func ObservationID(ticker, kpiID string, p Period) string {
	return fmt.Sprintf("%s:%s:%d%s", ticker, kpiID, p.FiscalYear, p.FiscalPeriod)
}

// KPIHistory is the ordered (oldest first) series of observations for one KPI
type KPIHistory []KPIObservation

// MergeHistory folds newer observations into prior ones, keeping the latest
// observation for each period and ordering oldest first.
func MergeHistory(prior, fresh []KPIObservation) KPIHistory {
	byPeriod := make(map[string]KPIObservation, len(prior)+len(fresh))
	for _, o := range prior {
		byPeriod[periodKey(o.Period)] = o
	}
	for _, o := range fresh {
		existing, ok := byPeriod[periodKey(o.Period)]
		if !ok || !o.ObservedAt.Before(existing.ObservedAt) {
			byPeriod[periodKey(o.Period)] = o
		}
	}
	out := make(KPIHistory, 0, len(byPeriod))
	for _, o := range byPeriod {
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Period.Before(out[j].Period)
	})
	return out
}

func periodKey(p Period) string {
	return fmt.Sprintf("%d%s", p.FiscalYear, p.FiscalPeriod)
}

// Latest returns the most recent observation
func (h KPIHistory) Latest() (KPIObservation, bool) {
	if len(h) == 0 {
		return KPIObservation{}, false
	}
	return h[len(h)-1], true
}

// ForPeriod returns the observation reported for the given period
func (h KPIHistory) ForPeriod(p Period) (KPIObservation, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if periodKey(h[i].Period) == periodKey(p) {
			return h[i], true
		}
	}
	return KPIObservation{}, false
}

// GroupHistory splits observations by KPI id
func GroupHistory(obs []KPIObservation) map[string]KPIHistory {
	grouped := make(map[string][]KPIObservation)
	for _, o := range obs {
		grouped[o.KPIID] = append(grouped[o.KPIID], o)
	}
	out := make(map[string]KPIHistory, len(grouped))
	for id, list := range grouped {
		out[id] = MergeHistory(nil, list)
	}
	return out
}
