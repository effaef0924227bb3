package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

const (
	maxAnnualPeriods    = 6
	maxQuarterlyPeriods = 20
)

// concept is one XBRL tag that can carry a field
type concept struct {
	taxonomy string
	name     string
	unit     string
}

func gaap(names ...string) []concept {
	out := make([]concept, len(names))
	for i, n := range names {
		out[i] = concept{taxonomy: "us-gaap", name: n, unit: "USD"}
	}
	return out
}

// fieldConcepts maps normalized fields to candidate concepts in priority order.
// Filers switch tags over time (SalesRevenueNet before ASC 606), so later
// candidates fill periods the earlier ones do not cover.
var fieldConcepts = map[string][]concept{
	"revenue": gaap("RevenueFromContractWithCustomerExcludingAssessedTax", "Revenues",
		"SalesRevenueNet", "RevenueFromContractWithCustomerIncludingAssessedTax"),
	"cost_of_revenue":           gaap("CostOfGoodsAndServicesSold", "CostOfRevenue", "CostOfGoodsSold"),
	"gross_profit":              gaap("GrossProfit"),
	"research_and_development":  gaap("ResearchAndDevelopmentExpense"),
	"sga":                       gaap("SellingGeneralAndAdministrativeExpense"),
	"operating_income":          gaap("OperatingIncomeLoss"),
	"net_income":                gaap("NetIncomeLoss"),
	"interest_expense":          gaap("InterestExpense", "InterestExpenseDebt"),
	"income_tax":                gaap("IncomeTaxExpenseBenefit"),
	"depreciation_amortization": gaap("DepreciationDepletionAndAmortization", "DepreciationAndAmortization", "Depreciation"),
	"sbc":                       gaap("ShareBasedCompensation", "AllocatedShareBasedCompensationExpense"),
	"total_assets":              gaap("Assets"),
	"current_assets":            gaap("AssetsCurrent"),
	"cash_and_equivalents":      gaap("CashAndCashEquivalentsAtCarryingValue", "CashCashEquivalentsAndShortTermInvestments"),
	"short_term_investments":    gaap("ShortTermInvestments", "AvailableForSaleSecuritiesCurrent", "MarketableSecuritiesCurrent"),
	"accounts_receivable":       gaap("AccountsReceivableNetCurrent", "AccountsReceivableNet"),
	"inventory":                 gaap("InventoryNet"),
	"property_plant_equipment":  gaap("PropertyPlantAndEquipmentNet"),
	"total_liabilities":         gaap("Liabilities"),
	"current_liabilities":       gaap("LiabilitiesCurrent"),
	"long_term_debt":            gaap("LongTermDebtNoncurrent", "LongTermDebt"),
	"short_term_debt":           gaap("ShortTermBorrowings", "DebtCurrent", "LongTermDebtCurrent"),
	"total_equity": gaap("StockholdersEquity",
		"StockholdersEquityIncludingPortionAttributableToNoncontrollingInterest"),
	"retained_earnings":   gaap("RetainedEarningsAccumulatedDeficit"),
	"goodwill":            gaap("Goodwill"),
	"intangible_assets":   gaap("IntangibleAssetsNetExcludingGoodwill", "FiniteLivedIntangibleAssetsNet"),
	"operating_cash_flow": gaap("NetCashProvidedByUsedInOperatingActivities"),
	"capex":               gaap("PaymentsToAcquirePropertyPlantAndEquipment"),
	"dividends_paid":      gaap("PaymentsOfDividends", "PaymentsOfDividendsCommonStock"),
	"share_repurchases":   gaap("PaymentsForRepurchaseOfCommonStock"),
	"shares_outstanding": {
		{taxonomy: "dei", name: "EntityCommonStockSharesOutstanding", unit: "shares"},
		{taxonomy: "us-gaap", name: "CommonStockSharesOutstanding", unit: "shares"},
	},
}

// Fields lists every normalized field the provider maps
func Fields() []string {
	out := make([]string, 0, len(fieldConcepts))
	for f := range fieldConcepts {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

type companyFacts struct {
	CIK        json.Number                        `json:"cik"`
	EntityName string                             `json:"entityName"`
	Facts      map[string]map[string]conceptFacts `json:"facts"`
}

type conceptFacts struct {
	Label string                 `json:"label"`
	Units map[string][]xbrlEntry `json:"units"`
}

type xbrlEntry struct {
	Start string  `json:"start"`
	End   string  `json:"end"`
	Val   float64 `json:"val"`
	Accn  string  `json:"accn"`
	FY    int     `json:"fy"`
	FP    string  `json:"fp"`
	Form  string  `json:"form"`
	Filed string  `json:"filed"`
}

var annualForms = map[string]bool{"10-K": true, "10-K/A": true, "20-F": true, "20-F/A": true}
var quarterlyForms = map[string]bool{"10-Q": true, "10-Q/A": true}

// Facts downloads companyfacts and normalizes it into annual and
// year-to-date quarterly series per field.
func (e *EDGAR) Facts(ctx context.Context, co Company) (*model.FactSet, error) {
	url := fmt.Sprintf("%s/api/xbrl/companyfacts/CIK%s.json", strings.TrimRight(e.cfg.BaseURL, "/"), co.CIK)
	body, err := e.http.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("company facts %s: %w", co.Ticker, err)
	}
	fs, err := e.normalize(body, co)
	if err != nil {
		return nil, err
	}
	fs.SourceURL = url
	return fs, nil
}

func (e *EDGAR) normalize(body []byte, co Company) (*model.FactSet, error) {
	var doc companyFacts
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode company facts %s: %v", ErrUnavailable, co.Ticker, err)
	}

	fs := &model.FactSet{
		Ticker:     co.Ticker,
		CIK:        co.CIK,
		EntityName: doc.EntityName,
		Annual:     make(map[string][]model.Fact),
		Quarterly:  make(map[string][]model.Fact),
	}
	if fs.EntityName == "" {
		fs.EntityName = co.Name
	}

	for field, candidates := range fieldConcepts {
		annual := map[int]model.Fact{}
		quarterly := map[string]model.Fact{}
		for _, c := range candidates {
			entries := doc.Facts[c.taxonomy][c.name].Units[c.unit]
			if len(entries) == 0 {
				continue
			}
			tag := c.taxonomy + ":" + c.name
			for k, f := range e.pick(entries, true, field, tag, co.CIK) {
				if _, ok := annual[k.year]; !ok {
					annual[k.year] = f
				}
			}
			for k, f := range e.pick(entries, false, field, tag, co.CIK) {
				qk := fmt.Sprintf("%d%s", k.year, k.fp)
				if _, ok := quarterly[qk]; !ok {
					quarterly[qk] = f
				}
			}
		}
		if len(annual) > 0 {
			fs.Annual[field] = newestFirst(mapValues(annual), maxAnnualPeriods)
		}
		if len(quarterly) > 0 {
			fs.Quarterly[field] = newestFirst(mapValues(quarterly), maxQuarterlyPeriods)
		}
	}
	return fs, nil
}

type periodKey struct {
	year int
	fp   string
}

// pick selects one entry per (fiscal year, fiscal period) among annual
// (10-K, 20-F) or quarterly (10-Q) entries. A filing repeats prior-year
// comparatives under its own fy/fp, so the entry with the latest end date
// is the current period; among those the longest duration is the
// year-to-date figure, and the latest filing wins a remaining tie.
func (e *EDGAR) pick(entries []xbrlEntry, annual bool, field, tag, cik string) map[periodKey]model.Fact {
	best := map[periodKey]xbrlEntry{}
	for _, en := range entries {
		if en.FY == 0 || en.End == "" {
			continue
		}
		if annual && (!annualForms[en.Form] || en.FP != "FY") {
			continue
		}
		if !annual && (!quarterlyForms[en.Form] || !strings.HasPrefix(en.FP, "Q")) {
			continue
		}
		k := periodKey{year: en.FY, fp: en.FP}
		cur, ok := best[k]
		if !ok || better(en, cur) {
			best[k] = en
		}
	}

	out := make(map[periodKey]model.Fact, len(best))
	for k, en := range best {
		end, err := time.Parse("2006-01-02", en.End)
		if err != nil {
			continue
		}
		filed, _ := time.Parse("2006-01-02", en.Filed)
		out[k] = model.Fact{
			Field:        field,
			Value:        en.Val,
			PeriodEnd:    end,
			FiscalYear:   en.FY,
			FiscalPeriod: en.FP,
			Form:         en.Form,
			Accession:    en.Accn,
			Filed:        filed,
			Concept:      tag,
			URL:          e.archiveURL(cik, en.Accn, ""),
		}
	}
	return out
}

func duration(en xbrlEntry) time.Duration {
	if en.Start == "" {
		return 0
	}
	s, err1 := time.Parse("2006-01-02", en.Start)
	t, err2 := time.Parse("2006-01-02", en.End)
	if err1 != nil || err2 != nil {
		return 0
	}
	return t.Sub(s)
}

func better(a, b xbrlEntry) bool {
	if a.End != b.End {
		return a.End > b.End
	}
	if da, db := duration(a), duration(b); da != db {
		return da > db
	}
	return a.Filed > b.Filed
}

func mapValues[K comparable](m map[K]model.Fact) []model.Fact {
	out := make([]model.Fact, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	return out
}

func newestFirst(facts []model.Fact, limit int) []model.Fact {
	sort.Slice(facts, func(i, j int) bool {
		return facts[i].Period().Ordinal() > facts[j].Period().Ordinal()
	})
	if len(facts) > limit {
		facts = facts[:limit]
	}
	return facts
}
