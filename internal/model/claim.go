package model

// Claim is a falsifiable sub-assertion of a thesis, tied to one tracked KPI
type Claim struct {
	ID             string         `json:"id"`                      // e.g. "NVDA-C1"
	Statement      string         `json:"statement"`               // Claim text
	KPIID          string         `json:"kpi_id"`                  // KPI that evidences the claim
	Family         KPIFamily      `json:"kpi_family,omitempty"`    // leading, lagging, efficiency, quality
	Required       TrendDirection `json:"required_direction"`      // Direction the KPI must move for the claim to hold
	Period         string         `json:"period,omitempty"`        // Period of CurrentValue
	CurrentValue   Figure         `json:"current_value"`           // Latest KPI value
	QoQDelta       Figure         `json:"qoq_delta"`               // Quarter-over-quarter change
	YoYDelta       Figure         `json:"yoy_delta"`               // Year-over-year change
	Supporting     []Evidence     `json:"supporting"`              // Citations backing the claim, oldest first
	Disconfirming  []Evidence     `json:"disconfirming"`           // Citations against the claim, oldest first
	CatalystID     string         `json:"catalyst_id,omitempty"`   // Upcoming catalyst that tests this claim
	Status         ClaimStatus    `json:"status"`                  // supported, mixed, challenged
	NoData         bool           `json:"no_data,omitempty"`       // No KPI observation for the current period
	StatusReason   string         `json:"status_reason,omitempty"` // Which signals produced Status

	// Disconfirming/supporting ratio treated as adverse
	ChallengeRatio float64 `json:"challenge_ratio,omitempty" provenance:"declared"`
}

// ClaimStatus is the evaluated state of a claim
type ClaimStatus string

const (
	ClaimSupported  ClaimStatus = "supported"
	ClaimMixed      ClaimStatus = "mixed"
	ClaimChallenged ClaimStatus = "challenged"
)

// TrendDirection is the movement a claim requires from its KPI
type TrendDirection string

const (
	TrendUp   TrendDirection = "up"
	TrendDown TrendDirection = "down"
	TrendNone TrendDirection = "none" // Level claims: no direction asserted
)
