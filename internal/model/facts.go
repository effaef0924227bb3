package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Fact is one normalized financial value keyed by (ticker, period, field)
type Fact struct {
	Field        string    `json:"field"`
	Value        float64   `json:"value"`
	PeriodEnd    time.Time `json:"period_end"`
	FiscalYear   int       `json:"fiscal_year"`
	FiscalPeriod string    `json:"fiscal_period"` // FY, Q1, Q2, Q3, Q4
	Form         string    `json:"form"`
	Accession    string    `json:"accession"`
	Filed        time.Time `json:"filed"`
	Concept      string    `json:"concept,omitempty"` // XBRL concept, or extraction locator
	URL          string    `json:"url,omitempty"`
}

// Period returns the reporting period of the fact
func (f Fact) Period() Period {
	return Period{FiscalYear: f.FiscalYear, FiscalPeriod: f.FiscalPeriod, End: f.PeriodEnd}
}

// Cite builds the citation for this fact as filed by filer
func (f Fact) Cite(filer string) Citation {
	c := Citation{
		Kind:      SourceKind(f.Form),
		Filer:     filer,
		Locator:   fmt.Sprintf("%s %s", f.Concept, f.Period().Label()),
		Accession: f.Accession,
		URL:       f.URL,
	}
	if c.Kind == "" {
		c.Kind = SourceXBRL
	}
	if !f.Filed.IsZero() {
		d := f.Filed
		c.FilingDate = &d
	}
	return c
}

// FactSet holds every fact known for a ticker, most recent first per field
type FactSet struct {
	Ticker     string            `json:"ticker"`
	CIK        string            `json:"cik"`
	EntityName string            `json:"entity_name"`
	Annual     map[string][]Fact `json:"annual"`
	Quarterly  map[string][]Fact `json:"quarterly"`
	Extracted  map[string][]Fact `json:"extracted,omitempty"` // KPIs only available from filing text
	SourceURL  string            `json:"source_url"`
}

// AnnualAt returns the annual fact at index idx (0 = most recent)
func (fs *FactSet) AnnualAt(field string, idx int) (Fact, bool) {
	if fs == nil {
		return Fact{}, false
	}
	entries := fs.Annual[field]
	if idx < 0 || idx >= len(entries) {
		return Fact{}, false
	}
	return entries[idx], true
}

// Filing is a regulatory filing observed for a ticker
type Filing struct {
	Accession   string    `json:"accession"`
	Form        string    `json:"form"`
	FiledAt     time.Time `json:"filed_at"`
	ReportDate  string    `json:"report_date,omitempty"`
	PrimaryDoc  string    `json:"primary_doc,omitempty"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
}

// Cite builds the citation for the filing itself
func (f Filing) Cite(filer string) Citation {
	d := f.FiledAt
	return Citation{
		Kind:       SourceKind(f.Form),
		Filer:      filer,
		FilingDate: &d,
		Locator:    f.PrimaryDoc,
		Accession:  f.Accession,
		URL:        f.URL,
	}
}

// InsiderTransaction is one Form 4 line item
type InsiderTransaction struct {
	Accession       string          `json:"accession"`
	Owner           string          `json:"owner"`
	Title           string          `json:"title,omitempty"`
	Code            string          `json:"code"` // P, S, A, M, G, F, C, D, J
	TransactionDate time.Time       `json:"transaction_date"`
	FiledAt         time.Time       `json:"filed_at"`
	Shares          float64         `json:"shares"`
	SharesAfter     float64         `json:"shares_after,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Is10b51         bool            `json:"is_10b5_1"`
	URL             string          `json:"url"`
}

// Value returns shares × price
func (t InsiderTransaction) Value() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromFloat(t.Shares))
}

// Cite builds the Form 4 citation
func (t InsiderTransaction) Cite() Citation {
	d := t.FiledAt
	return Citation{
		Kind:       SourceForm4,
		Filer:      t.Owner,
		FilingDate: &d,
		Locator:    "Table I, code " + t.Code,
		Accession:  t.Accession,
		URL:        t.URL,
	}
}

// OwnershipChange is a holder position reported on 13F/13D/13G
type OwnershipChange struct {
	Accession   string    `json:"accession"`
	Holder      string    `json:"holder"`
	Form        string    `json:"form"`
	FiledAt     time.Time `json:"filed_at"`
	Shares      float64   `json:"shares"`
	PriorShares float64   `json:"prior_shares"`
	URL         string    `json:"url"`
}

// ChangePct returns the position change relative to the prior position
func (o OwnershipChange) ChangePct() (float64, bool) {
	if o.PriorShares <= 0 {
		return 0, false
	}
	return (o.Shares - o.PriorShares) / o.PriorShares * 100, true
}

// IsActivist reports a 13D (beneficial owner with intent to influence).
// EDGAR renamed the form type from "SC 13D" to "SCHEDULE 13D" in 2024.
func (o OwnershipChange) IsActivist() bool {
	form := strings.ToUpper(o.Form)
	return strings.HasPrefix(form, "SC 13D") || strings.HasPrefix(form, "SCHEDULE 13D")
}

// Cite builds the ownership filing citation
func (o OwnershipChange) Cite() Citation {
	d := o.FiledAt
	return Citation{
		Kind:       SourceKind(o.Form),
		Filer:      o.Holder,
		FilingDate: &d,
		Accession:  o.Accession,
		URL:        o.URL,
	}
}

// Quote is a market price observation
type Quote struct {
	Ticker   string          `json:"ticker"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency,omitempty"`
	AsOf     time.Time       `json:"as_of"`
	URL      string          `json:"url"`
}

// Cite builds the quote citation
func (q Quote) Cite() Citation {
	d := q.AsOf
	return Citation{
		Kind:       SourceQuote,
		Filer:      q.Ticker,
		FilingDate: &d,
		Locator:    "regular market price",
		URL:        q.URL,
	}
}

// RiskFreeRate is the 10-year treasury yield used as rf in WACC
type RiskFreeRate struct {
	Rate   float64 `json:"rate"`
	AsOf   string  `json:"as_of"`
	URL    string  `json:"url"`
	Series string  `json:"series"`
}

// Cite builds the treasury citation
func (r RiskFreeRate) Cite() Citation {
	return Citation{
		Kind:    SourceTreasury,
		Filer:   "US Treasury",
		Locator: fmt.Sprintf("%s as of %s", r.Series, r.AsOf),
		URL:     r.URL,
	}
}

// Money formats a dollar amount for audit strings ("$1.2B")
func Money(v float64) string {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e12:
		return fmt.Sprintf("$%.1fT", v/1e12)
	case abs >= 1e9:
		return fmt.Sprintf("$%.1fB", v/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("$%.1fM", v/1e6)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}
