package model

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the side of the position
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ThesisStatus is the lifecycle state of a thesis
type ThesisStatus string

const (
	ThesisDraft      ThesisStatus = "draft"
	ThesisMonitoring ThesisStatus = "monitoring"
	ThesisKilled     ThesisStatus = "killed"
	ThesisClosed     ThesisStatus = "closed"
)

// Terminal reports whether no further mutation is allowed
func (s ThesisStatus) Terminal() bool {
	return s == ThesisKilled || s == ThesisClosed
}

// Thesis is a narrative investment thesis compiled into checkable parts
type Thesis struct {
	ID           string          `json:"id"`
	Ticker       string          `json:"ticker" badgerhold:"index"`
	Direction    Direction       `json:"direction"`
	Text         string          `json:"text"`
	Sector       string          `json:"sector"`
	Status       ThesisStatus    `json:"status" badgerhold:"index"`
	EntryPrice   Figure          `json:"entry_price"`
	EntryDate    *time.Time      `json:"entry_date,omitempty"`
	ClosePrice   Figure          `json:"close_price"`
	CloseDate    *time.Time      `json:"close_date,omitempty"`
	CloseReason  string          `json:"close_reason,omitempty"`
	LockedAt     *time.Time      `json:"locked_at,omitempty"`
	Claims       []Claim         `json:"claims"`
	KillCriteria []KillCriterion `json:"kill_criteria"`
	Catalysts    []Catalyst      `json:"catalysts"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	EvaluatedAt  *time.Time      `json:"evaluated_at,omitempty"`
}

// KillCriterion is a pre-declared threshold whose sustained violation invalidates the thesis
type KillCriterion struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	Metric         string     `json:"metric"`
	Operator       string     `json:"operator"`                                        // <, >, <=, >=, ==, "qoq_decline >", ...
	Threshold      float64    `json:"threshold" provenance:"declared"`                 // Declared by the holder
	Duration       string     `json:"duration"`                                        // "1Q", "2Q", "1Y"
	ProximityBand  float64    `json:"proximity_band,omitempty" provenance:"declared"`  // Share of headroom consumed that triggers watch
	ProximityFloor float64    `json:"proximity_floor,omitempty" provenance:"declared"` // Relative gap to threshold that always triggers watch
	Period         string     `json:"period,omitempty"`
	CurrentValue   Figure     `json:"current_value"`
	Status         KillStatus `json:"status"`
	Distance       Figure     `json:"distance_to_threshold"` // Signed: positive is the safe side
	DistancePct    Figure     `json:"distance_pct"`
	Consecutive    int        `json:"consecutive_violations"`
	WatchReason    string     `json:"watch_reason,omitempty"`
	NoData         bool       `json:"no_data,omitempty"`
}

// KillStatus is the evaluated state of a kill criterion
type KillStatus string

const (
	KillOK     KillStatus = "ok"
	KillWatch  KillStatus = "watch"
	KillBreach KillStatus = "breach"
)

// Catalyst is a dated event expected to test claims or kill criteria
type Catalyst struct {
	ID                 string     `json:"id"`
	Event              string     `json:"event"`
	ExpectedDate       string     `json:"expected_date"` // "2025-03-15", "Q2 2025", "next earnings"
	Date               *time.Time `json:"date,omitempty"`
	ClaimsTested       []string   `json:"claims_tested,omitempty"`
	KillCriteriaTested []string   `json:"kill_criteria_tested,omitempty"`
	Occurred           bool       `json:"occurred,omitempty"`
}

// ParseCatalystDate best-effort parses ISO dates and "Q2 2025" (28th of the
// quarter-end month). Unparseable strings return false.
func ParseCatalystDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	upper := strings.ToUpper(s)
	if len(upper) >= 6 && upper[0] == 'Q' {
		var q, year int
		if _, err := fmt.Sscanf(upper, "Q%d %d", &q, &year); err == nil && q >= 1 && q <= 4 {
			return time.Date(year, time.Month(q*3), 28, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// FindClaim returns the claim with the given id
func (t *Thesis) FindClaim(id string) (*Claim, bool) {
	for i := range t.Claims {
		if t.Claims[i].ID == id {
			return &t.Claims[i], true
		}
	}
	return nil, false
}

// FindKillCriterion returns the kill criterion with the given id
func (t *Thesis) FindKillCriterion(id string) (*KillCriterion, bool) {
	for i := range t.KillCriteria {
		if t.KillCriteria[i].ID == id {
			return &t.KillCriteria[i], true
		}
	}
	return nil, false
}

// Metrics lists every KPI id referenced by the thesis
func (t *Thesis) Metrics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range t.Claims {
		if c.KPIID != "" && !seen[c.KPIID] {
			seen[c.KPIID] = true
			out = append(out, c.KPIID)
		}
	}
	for _, kc := range t.KillCriteria {
		if kc.Metric != "" && !seen[kc.Metric] {
			seen[kc.Metric] = true
			out = append(out, kc.Metric)
		}
	}
	return out
}
