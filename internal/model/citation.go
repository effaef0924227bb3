package model

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind classifies where a cited number came from
type SourceKind string

const (
	Source10K        SourceKind = "10-K"
	Source10Q        SourceKind = "10-Q"
	Source8K         SourceKind = "8-K"
	SourceForm4      SourceKind = "form4"
	Source13F        SourceKind = "13F-HR"
	Source13D        SourceKind = "SC 13D"
	Source13G        SourceKind = "SC 13G"
	SourceXBRL       SourceKind = "xbrl_companyfacts"
	SourceQuote      SourceKind = "market_quote"
	SourceTreasury   SourceKind = "treasury_yield"
	SourceAssumption SourceKind = "model_assumption" // Declared model parameter (beta, ERP, horizon)
	SourceComputed   SourceKind = "computed"         // Re-derivation of already-cited inputs
	SourceExtraction SourceKind = "extraction"       // Excerpt returned by the evidence extraction service
	SourceNone       SourceKind = "none"             // Explicit "no direct evidence found"
)

// NoEvidenceText is the marker carried by absence citations
const NoEvidenceText = "no direct evidence found"

// Citation is the provenance record attached to every number the engine surfaces.
// Citations are values; helpers return copies and never mutate the receiver.
type Citation struct {
	Kind       SourceKind `json:"source_kind"`
	Filer      string     `json:"filer,omitempty"`
	FilingDate *time.Time `json:"filing_date,omitempty"`
	Locator    string     `json:"locator,omitempty"`   // Section/page, or XBRL concept and period
	Accession  string     `json:"accession,omitempty"` // EDGAR accession number
	URL        string     `json:"url,omitempty"`
	Excerpt    string     `json:"excerpt,omitempty"` // Verbatim text, when quoted
	Formula    string     `json:"formula,omitempty"` // Computation applied to Inputs
	Inputs     []Citation `json:"inputs,omitempty"`  // Citations of the inputs to Formula
	NoEvidence bool       `json:"no_evidence,omitempty"`
}

// Computed builds the citation of a pure re-derivation from already-cited inputs
func Computed(formula string, inputs ...Citation) Citation {
	copied := make([]Citation, len(inputs))
	copy(copied, inputs)
	return Citation{
		Kind:    SourceComputed,
		Formula: formula,
		Inputs:  copied,
	}
}

// Assumption cites a declared model parameter
func Assumption(name string, value float64) Citation {
	return Citation{
		Kind:    SourceAssumption,
		Locator: name,
		Formula: fmt.Sprintf("%s = %g (configured)", name, value),
	}
}

// NoDirectEvidence returns the explicit absence marker
func NoDirectEvidence(locator string) Citation {
	return Citation{
		Kind:       SourceNone,
		Locator:    locator,
		Excerpt:    NoEvidenceText,
		NoEvidence: true,
	}
}

// WithExcerpt returns a copy of c carrying the verbatim excerpt and locator
func (c Citation) WithExcerpt(excerpt, locator string) Citation {
	out := c.clone()
	out.Excerpt = excerpt
	if locator != "" {
		out.Locator = locator
	}
	return out
}

func (c Citation) clone() Citation {
	out := c
	if c.FilingDate != nil {
		d := *c.FilingDate
		out.FilingDate = &d
	}
	if c.Inputs != nil {
		out.Inputs = make([]Citation, len(c.Inputs))
		for i, in := range c.Inputs {
			out.Inputs[i] = in.clone()
		}
	}
	return out
}

// IsZero reports whether the citation carries no provenance at all
func (c Citation) IsZero() bool {
	return c.Kind == "" && c.URL == "" && c.Accession == "" && c.Formula == "" && !c.NoEvidence
}

// Check verifies that the citation is traceable: a document reference, a
// formula over cited inputs, a declared assumption, or an explicit absence.
func (c Citation) Check() error {
	switch {
	case c.NoEvidence:
		return nil
	case c.Kind == "":
		return fmt.Errorf("citation has no source kind")
	case c.Kind == SourceComputed:
		if c.Formula == "" {
			return fmt.Errorf("computed citation has no formula")
		}
		if len(c.Inputs) == 0 {
			return fmt.Errorf("computed citation %q has no inputs", c.Formula)
		}
		for i, in := range c.Inputs {
			if err := in.Check(); err != nil {
				return fmt.Errorf("input %d of %q: %w", i, c.Formula, err)
			}
		}
		return nil
	case c.Kind == SourceAssumption:
		if c.Locator == "" {
			return fmt.Errorf("assumption citation has no name")
		}
		return nil
	default:
		if c.URL == "" && c.Accession == "" {
			return fmt.Errorf("%s citation has neither url nor accession", c.Kind)
		}
		return nil
	}
}

// String renders a one-line audit trail
func (c Citation) String() string {
	if c.NoEvidence {
		return NoEvidenceText
	}
	var parts []string
	parts = append(parts, string(c.Kind))
	if c.Filer != "" {
		parts = append(parts, c.Filer)
	}
	if c.FilingDate != nil {
		parts = append(parts, "filed "+c.FilingDate.Format("2006-01-02"))
	}
	if c.Locator != "" {
		parts = append(parts, c.Locator)
	}
	if c.Accession != "" {
		parts = append(parts, c.Accession)
	}
	if c.Formula != "" {
		parts = append(parts, c.Formula)
	}
	return strings.Join(parts, " | ")
}

// Figure pairs a number with its citation, or is null with a stated reason
type Figure struct {
	Value      *float64  `json:"value"`
	Citation   *Citation `json:"citation,omitempty"`
	NullReason string    `json:"null_reason,omitempty"`
}

// Cited returns a figure carrying v and a copy of c
func Cited(v float64, c Citation) Figure {
	cc := c.clone()
	return Figure{Value: &v, Citation: &cc}
}

// Null returns a figure with no value and the reason it is absent
func Null(reason string) Figure {
	return Figure{NullReason: reason}
}

// Valid reports whether the figure has a value
func (f Figure) Valid() bool {
	return f.Value != nil
}

// Float returns the value, or 0 when null
func (f Figure) Float() float64 {
	if f.Value == nil {
		return 0
	}
	return *f.Value
}

// Cite returns the figure's citation, or the zero citation when null
func (f Figure) Cite() Citation {
	if f.Citation == nil {
		return Citation{}
	}
	return *f.Citation
}

// Check enforces the provenance contract on a single figure
func (f Figure) Check() error {
	if f.Value == nil {
		if f.NullReason == "" {
			return fmt.Errorf("null figure without a reason")
		}
		return nil
	}
	if f.Citation == nil {
		return fmt.Errorf("figure %g has no citation", *f.Value)
	}
	return f.Citation.Check()
}
