package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ppiankov/thesiswatch/internal/cache"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/worker"
)

const treasurySeries = "Treasury Bonds"

// Treasury reads the average interest rate on marketable Treasury bonds
// from the fiscal data API.
type Treasury struct {
	baseURL string
	http    *fetcher
}

func NewTreasury(sec model.SECConfig, fetch model.FetchConfig, c cache.Cache, ttl time.Duration, limiter *worker.Limiter) *Treasury {
	logger := log.With().Str("component", "treasury_client").Logger()
	return &Treasury{
		baseURL: strings.TrimRight(sec.TreasuryURL, "/"),
		http: newFetcher(fetchOptions{
			source:    "treasury",
			userAgent: sec.UserAgent,
			timeout:   fetch.Timeout,
			limiter:   limiter,
			cache:     c,
			ttl:       ttl,
			fetch:     fetch,
			log:       logger,
		}),
	}
}

type treasuryDoc struct {
	Data []struct {
		RecordDate   string `json:"record_date"`
		SecurityDesc string `json:"security_desc"`
		Rate         string `json:"avg_interest_rate_amt"`
	} `json:"data"`
}

// RiskFree returns the latest rate as a fraction (4.25% -> 0.0425)
func (t *Treasury) RiskFree(ctx context.Context) (model.RiskFreeRate, error) {
	url := t.baseURL + "/v2/accounting/od/avg_interest_rates" +
		"?sort=-record_date&page%5Bsize%5D=1&filter=security_desc:eq:Treasury%20Bonds"
	body, err := t.http.get(ctx, url)
	if err != nil {
		return model.RiskFreeRate{}, fmt.Errorf("treasury rate: %w", err)
	}
	var doc treasuryDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.RiskFreeRate{}, fmt.Errorf("%w: decode treasury rate: %v", ErrUnavailable, err)
	}
	if len(doc.Data) == 0 {
		return model.RiskFreeRate{}, fmt.Errorf("%w: treasury rate feed is empty", ErrNotFound)
	}
	row := doc.Data[0]
	pct, err := strconv.ParseFloat(row.Rate, 64)
	if err != nil {
		return model.RiskFreeRate{}, fmt.Errorf("%w: treasury rate %q: %v", ErrUnavailable, row.Rate, err)
	}
	series := row.SecurityDesc
	if series == "" {
		series = treasurySeries
	}
	return model.RiskFreeRate{
		Rate:   pct / 100,
		AsOf:   row.RecordDate,
		URL:    url,
		Series: "avg interest rate, " + series,
	}, nil
}
