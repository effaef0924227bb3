package model

import "time"

// Evidence is a citation attached to a claim with its stance
type Evidence struct {
	Citation Citation    `json:"citation"`
	Stance   Stance      `json:"stance"`             // supporting or disconfirming
	Tag      EvidenceTag `json:"tag"`                // fact or interpretation
	AddedAt  time.Time   `json:"added_at"`           // When the engine attached it
	CycleID  string      `json:"cycle_id,omitempty"` // Evaluation cycle that attached it
}

// Stance classifies how evidence bears on a claim
type Stance string

const (
	StanceSupporting    Stance = "supporting"
	StanceDisconfirming Stance = "disconfirming"
)

// EvidenceTag separates sourced facts from interpretive statements
type EvidenceTag string

const (
	TagFact           EvidenceTag = "fact"
	TagInterpretation EvidenceTag = "interpretation"
)

// Excerpt is one passage returned by the evidence extraction service
type Excerpt struct {
	Text    string      `json:"text"`           // Verbatim passage from the filing
	Tag     EvidenceTag `json:"tag"`            // fact or interpretation
	Stance  Stance      `json:"stance"`         // supporting or disconfirming
	Section string      `json:"section"`        // e.g. "Item 7. MD&A"
	Page    int         `json:"page,omitempty"` // Page number when known
}

// ExtractionResult is the answer of the extraction service for one claim
type ExtractionResult struct {
	ClaimID  string    `json:"claim_id"`
	Excerpts []Excerpt `json:"excerpts"`
	Absence  *Citation `json:"absence,omitempty"` // Set when nothing was found
	Provider string    `json:"provider"`
}

// Found reports whether any excerpt was returned
func (r ExtractionResult) Found() bool {
	return len(r.Excerpts) > 0
}

// AuthorityTier ranks citation sources
type AuthorityTier int

const (
	TierUnknown   AuthorityTier = 0
	TierPrimary   AuthorityTier = 1 // Regulatory filings, official statistics
	TierSecondary AuthorityTier = 2 // Market data vendors
	TierTertiary  AuthorityTier = 3 // Everything else
)

func (t AuthorityTier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// LinkCheck is the reachability result for a citation URL
type LinkCheck struct {
	URL          string        `json:"url"`
	IsAccessible bool          `json:"is_accessible"`
	StatusCode   int           `json:"status_code,omitempty"`
	IsDead       bool          `json:"is_dead"`
	RedirectURL  string        `json:"redirect_url,omitempty"`
	Authority    AuthorityTier `json:"authority"`
	Error        string        `json:"error,omitempty"`
}
