package model

import (
	"errors"
	"time"
)

// Severity ranks change events
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityWatch  Severity = "watch"
	SeverityBreach Severity = "breach"
)

// Rank orders severities: breach > watch > info
func (s Severity) Rank() int {
	switch s {
	case SeverityBreach:
		return 2
	case SeverityWatch:
		return 1
	default:
		return 0
	}
}

// EventType classifies what changed
type EventType string

const (
	EventFiling         EventType = "filing"
	EventOwnershipShift EventType = "ownership_shift"
	EventInsider        EventType = "insider_transaction"
	EventKPIUpdate      EventType = "kpi_update"
	EventKillMove       EventType = "kill_criterion_move"
	EventCatalyst       EventType = "catalyst_occurred"
)

// Impact is the direction an event pushes a claim
type Impact string

const (
	ImpactSupports   Impact = "supports"
	ImpactNeutral    Impact = "neutral"
	ImpactChallenges Impact = "challenges"
)

// ClaimImpact links an event to a claim
type ClaimImpact struct {
	ClaimID string `json:"claim_id"`
	Impact  Impact `json:"impact"`
}

// KillImpact links an event to a kill criterion
type KillImpact struct {
	KillCriterionID string `json:"kill_criterion_id"`
	Transition      string `json:"transition,omitempty"` // e.g. "ok -> watch"
}

// Interpretation is an explanatory sentence that is not a sourced fact
type Interpretation struct {
	Text       string `json:"text"`
	NonFactual bool   `json:"non_factual"`
}

// Interpret wraps text as a flagged interpretation
func Interpret(text string) *Interpretation {
	if text == "" {
		return nil
	}
	return &Interpretation{Text: text, NonFactual: true}
}

// ChangeEvent is an immutable, cited record of something that changed for a ticker
type ChangeEvent struct {
	ID             string          `json:"id"`
	Key            string          `json:"key"` // Source-derived identity used for de-duplication
	Ticker         string          `json:"ticker" badgerhold:"index"`
	ThesisID       string          `json:"thesis_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Severity       Severity        `json:"severity"`
	Type           EventType       `json:"event_type"`
	Fact           string          `json:"fact"`
	Interpretation *Interpretation `json:"interpretation,omitempty"`
	Value          Figure          `json:"value"`
	Citation       Citation        `json:"citation"`
	Claims         []ClaimImpact   `json:"claims_impacted,omitempty"`
	KillCriteria   []KillImpact    `json:"kill_criteria_impacted,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// Validate checks the structural invariants of an event
func (e *ChangeEvent) Validate() error {
	if e.ID == "" {
		return errors.New("change event id must not be empty")
	}
	if e.Ticker == "" {
		return errors.New("change event ticker must not be empty")
	}
	if e.Fact == "" {
		return errors.New("change event must state a fact")
	}
	if e.Interpretation != nil && !e.Interpretation.NonFactual {
		return errors.New("interpretation must be flagged non-factual")
	}
	if err := e.Citation.Check(); err != nil {
		return err
	}
	return e.Value.Check()
}
