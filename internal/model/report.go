package model

import (
	"strings"
	"time"
)

// Brief is the fully-cited structured output of one evaluation cycle.
// Every numeric field is a Figure: cited, or null with a reason.
type Brief struct {
	Ticker      string    `json:"ticker"`
	EntityName  string    `json:"entity_name,omitempty"`
	CIK         string    `json:"cik,omitempty"`
	ThesisID    string    `json:"thesis_id,omitempty"`
	Sector      string    `json:"sector"`
	CycleID     string    `json:"cycle_id"`
	GeneratedAt time.Time `json:"generated_at"`

	Price    Figure           `json:"price"`
	EV       *EVBuild         `json:"ev_build,omitempty"`
	Implied  *MarketImplied   `json:"market_implied,omitempty"`
	KPIs     []KPIObservation `json:"kpis"`
	Scores   []QualityScore   `json:"quality_scores"`
	Excluded []ExcludedScore  `json:"excluded_scores"`

	Claims       []Claim         `json:"claims,omitempty"`
	KillCriteria []KillCriterion `json:"kill_criteria,omitempty"`
	Catalysts    []Catalyst      `json:"catalysts,omitempty"`
	Changes      []ChangeEvent   `json:"changes"`

	Partial    []Partial          `json:"partial,omitempty"`
	Extraction *ExtractionSummary `json:"extraction,omitempty"`
	Principles Principles         `json:"principles"`
}

// Partial marks a section of the brief that could not be produced
type Partial struct {
	Section string `json:"section"` // e.g. "facts", "quote", "filings"
	Reason  string `json:"reason"`
}

func (p Partial) String() string {
	return "partial: missing " + p.Section + " (" + p.Reason + ")"
}

// IsPartial reports whether any section is unavailable
func (b *Brief) IsPartial() bool {
	return len(b.Partial) > 0
}

// MissingSections lists the unavailable section names
func (b *Brief) MissingSections() string {
	names := make([]string, 0, len(b.Partial))
	for _, p := range b.Partial {
		names = append(names, p.Section)
	}
	return strings.Join(names, ", ")
}

// ExtractionSummary describes the evidence extraction step of a cycle.
// It never affects claim status beyond the fact-tagged excerpts it returned.
type ExtractionSummary struct {
	Enabled  bool     `json:"enabled"`
	Provider string   `json:"provider,omitempty"` // openai, anthropic, ollama, keyword
	Model    string   `json:"model,omitempty"`
	Excerpts int      `json:"excerpts"`
	Absent   []string `json:"absent,omitempty"`   // Claim ids with no direct evidence found
	Warnings []string `json:"warnings,omitempty"` // e.g. excerpt leaks rejected
}

// Principles documents the guarantees the brief was produced under
type Principles struct {
	NonNormative bool `json:"non_normative"` // No buy/sell, no target, no probability
	Cited        bool `json:"cited"`         // Every number carries provenance
	Recomputed   bool `json:"recomputed"`    // Statuses recomputed from full history
}

// DefaultPrinciples returns the standard principles
func DefaultPrinciples() Principles {
	return Principles{
		NonNormative: true,
		Cited:        true,
		Recomputed:   true,
	}
}
