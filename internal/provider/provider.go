// Package provider adapts SEC EDGAR, a market quote feed and the Treasury
// fiscal data API into the normalized facts the engine evaluates.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

var (
	// ErrUnavailable marks a source that failed after retries
	ErrUnavailable = errors.New("provider unavailable")
	// ErrNotFound marks a ticker or document the source does not know
	ErrNotFound = errors.New("not found")
	// ErrDisallowed marks a document robots.txt does not let us fetch
	ErrDisallowed = errors.New("disallowed by robots.txt")
)

// Company identifies a registrant
type Company struct {
	Ticker         string `json:"ticker"`
	CIK            string `json:"cik"` // zero-padded to 10 digits
	Name           string `json:"name"`
	SIC            string `json:"sic,omitempty"`
	SICDescription string `json:"sic_description,omitempty"`
}

// Filings is the filing/ownership data provider
type Filings interface {
	Company(ctx context.Context, ticker string) (Company, error)
	Facts(ctx context.Context, co Company) (*model.FactSet, error)
	Filings(ctx context.Context, co Company, since time.Time) ([]model.Filing, error)
	Insiders(ctx context.Context, co Company, since time.Time) ([]model.InsiderTransaction, error)
	Ownership(ctx context.Context, co Company, since time.Time) ([]model.OwnershipChange, error)
	FilingText(ctx context.Context, f model.Filing) (string, error)
}

// Quotes returns the latest market price of a ticker
type Quotes interface {
	Quote(ctx context.Context, ticker string) (model.Quote, error)
}

// Rates returns the risk-free rate used in the discount rate build
type Rates interface {
	RiskFree(ctx context.Context) (model.RiskFreeRate, error)
}
