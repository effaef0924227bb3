package model

import "time"

// ValuationMethod is the primary pricing model of a sector
type ValuationMethod string

const (
	MethodDCF       ValuationMethod = "dcf"
	MethodEVEBITDA  ValuationMethod = "ev_ebitda"
	MethodPBROE     ValuationMethod = "p_b_roe"
	MethodEVRevenue ValuationMethod = "ev_revenue"
	MethodNAV       ValuationMethod = "nav"
)

// Valid reports whether m is one of the known methods
func (m ValuationMethod) Valid() bool {
	switch m {
	case MethodDCF, MethodEVEBITDA, MethodPBROE, MethodEVRevenue, MethodNAV:
		return true
	}
	return false
}

// SolveFailure is a documented reason the solver produced no number
type SolveFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EVComponent is one cited line of the enterprise value build
type EVComponent struct {
	Label       string `json:"label"`
	Value       Figure `json:"value"`
	Computation string `json:"computation"`
}

// EVBuild is the audited enterprise value computation
type EVBuild struct {
	MarketCap       Figure        `json:"market_cap"`
	TotalDebt       Figure        `json:"total_debt"`
	Cash            Figure        `json:"cash"`
	EnterpriseValue Figure        `json:"enterprise_value"`
	Components      []EVComponent `json:"components"`
	Summary         string        `json:"summary"`
}

// SensitivityPoint is one re-solve under perturbed assumptions
type SensitivityPoint struct {
	Label          string        `json:"label"` // e.g. "wacc +1%"
	DiscountRate   Figure        `json:"discount_rate"`
	TerminalGrowth Figure        `json:"terminal_growth"`
	Implied        Figure        `json:"implied"`
	Failure        *SolveFailure `json:"failure,omitempty"`
}

// Comparator is a consensus or guidance figure shown next to the implied rate
type Comparator struct {
	Label string `json:"label"`
	Value Figure `json:"value"`
}

// MarketImplied is the operating assumption required to reproduce the market price
type MarketImplied struct {
	Method          ValuationMethod    `json:"method"`
	ImpliedLabel    string             `json:"implied_label"` // e.g. "implied 10y FCF growth"
	Implied         Figure             `json:"implied"`
	Failure         *SolveFailure      `json:"failure,omitempty"`
	DiscountRate    Figure             `json:"discount_rate"`
	DiscountBuild   string             `json:"discount_build"` // "rf 4.10% + beta 1.0 x ERP 4.5% = 8.60%"
	TerminalGrowth  Figure             `json:"terminal_growth"`
	Horizon         int                `json:"horizon"`
	BaseCashFlow    Figure             `json:"base_cash_flow"` // FCF or the method's equivalent
	BaseComputation string             `json:"base_computation"`
	EnterpriseValue Figure             `json:"enterprise_value"`
	Comparators     []Comparator       `json:"comparators,omitempty"`
	Sensitivity     []SensitivityPoint `json:"sensitivity"`
	ComputedAt      time.Time          `json:"computed_at"`
}

// QualityScore is a generic quality score computed for the sector
type QualityScore struct {
	Name           string            `json:"name"`
	Value          Figure            `json:"value"`
	Interpretation string            `json:"interpretation"`
	Components     map[string]Figure `json:"components"`
	Periods        []string          `json:"source_periods"`
}

// ExcludedScore records a score not applicable to the sector and why
type ExcludedScore struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}
