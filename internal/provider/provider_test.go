package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/thesiswatch/internal/cache"
	"github.com/ppiankov/thesiswatch/internal/model"
)

func init() {
	retryInitialInterval = time.Millisecond
}

const tickersJSON = `{"0":{"cik_str":320193,"ticker":"AAPL","title":"Apple Inc."},
"1":{"cik_str":1045810,"ticker":"NVDA","title":"NVIDIA CORP"}}`

const submissionsJSON = `{
  "cik": "320193", "name": "Apple Inc.", "sic": "3571",
  "sicDescription": "Electronic Computers",
  "filings": {"recent": {
    "accessionNumber": ["0000320193-25-000010", "0000320193-25-000009", "0001193125-25-000100", "0000950170-25-000200", "0000320193-24-000120"],
    "filingDate": ["2025-05-02", "2025-04-20", "2025-04-15", "2025-04-10", "2024-11-01"],
    "reportDate": ["2025-03-29", "", "", "", "2024-09-28"],
    "acceptanceDateTime": ["2025-05-02T16:30:12.000Z", "2025-04-20T18:01:00.000Z", "2025-04-15T09:00:00.000Z", "", "2024-11-01T06:01:36.000Z"],
    "form": ["10-Q", "4", "SC 13D", "SCHEDULE 13G", "10-K"],
    "primaryDocument": ["aapl-20250329.htm", "xslF345X05/wk-form4_1745.xml", "d123.htm", "primary_doc.xml", "aapl-20240928.htm"],
    "primaryDocDescription": ["10-Q", "FORM 4", "Activist Capital LP", "SCHEDULE 13G", "10-K"]
  }}
}`

// companyfacts with a Q2 10-Q that repeats the prior-year comparative and
// both the three-month and six-month revenue, plus a concept switch.
const factsJSON = `{
  "cik": 320193, "entityName": "Apple Inc.",
  "facts": {
    "dei": {"EntityCommonStockSharesOutstanding": {"units": {"shares": [
      {"end": "2025-04-18", "val": 14939315000, "accn": "0000320193-25-000010", "fy": 2025, "fp": "Q2", "form": "10-Q", "filed": "2025-05-02"}
    ]}}},
    "us-gaap": {
      "RevenueFromContractWithCustomerExcludingAssessedTax": {"units": {"USD": [
        {"start": "2024-09-29", "end": "2024-12-28", "val": 124300000000, "accn": "0000320193-25-000008", "fy": 2025, "fp": "Q1", "form": "10-Q", "filed": "2025-01-31"},
        {"start": "2023-10-01", "end": "2024-03-30", "val": 210328000000, "accn": "0000320193-25-000010", "fy": 2025, "fp": "Q2", "form": "10-Q", "filed": "2025-05-02"},
        {"start": "2024-12-29", "end": "2025-03-29", "val": 95359000000, "accn": "0000320193-25-000010", "fy": 2025, "fp": "Q2", "form": "10-Q", "filed": "2025-05-02"},
        {"start": "2024-09-29", "end": "2025-03-29", "val": 219659000000, "accn": "0000320193-25-000010", "fy": 2025, "fp": "Q2", "form": "10-Q", "filed": "2025-05-02"},
        {"start": "2023-10-01", "end": "2024-09-28", "val": 391035000000, "accn": "0000320193-24-000120", "fy": 2024, "fp": "FY", "form": "10-K", "filed": "2024-11-01"},
        {"start": "2022-09-25", "end": "2023-09-30", "val": 383285000000, "accn": "0000320193-24-000120", "fy": 2024, "fp": "FY", "form": "10-K", "filed": "2024-11-01"}
      ]}},
      "SalesRevenueNet": {"units": {"USD": [
        {"start": "2016-09-25", "end": "2017-09-30", "val": 229234000000, "accn": "0000320193-17-000070", "fy": 2017, "fp": "FY", "form": "10-K", "filed": "2017-11-03"},
        {"start": "2023-10-01", "end": "2024-09-28", "val": 1, "accn": "0000320193-24-000120", "fy": 2024, "fp": "FY", "form": "10-K", "filed": "2024-11-01"}
      ]}},
      "Assets": {"units": {"USD": [
        {"end": "2024-09-28", "val": 364980000000, "accn": "0000320193-24-000120", "fy": 2024, "fp": "FY", "form": "10-K", "filed": "2024-11-01"},
        {"end": "2023-09-30", "val": 352583000000, "accn": "0000320193-24-000120", "fy": 2024, "fp": "FY", "form": "10-K", "filed": "2024-11-01"},
        {"end": "2023-09-30", "val": 352583000000, "accn": "0000320193-23-000106", "fy": 2023, "fp": "FY", "form": "10-K", "filed": "2023-11-03"}
      ]}}
    }
  }
}`

const form4XML = `<?xml version="1.0"?>
<ownershipDocument>
  <reportingOwner>
    <reportingOwnerId><rptOwnerCik>0001214156</rptOwnerCik><rptOwnerName>COOK TIMOTHY D</rptOwnerName></reportingOwnerId>
    <reportingOwnerRelationship><isDirector>1</isDirector><isOfficer>1</isOfficer><officerTitle>Chief Executive Officer</officerTitle></reportingOwnerRelationship>
  </reportingOwner>
  <aff10b5One>0</aff10b5One>
  <nonDerivativeTable>
    <nonDerivativeTransaction>
      <transactionDate><value>2025-04-16</value></transactionDate>
      <transactionCoding><transactionFormType>4</transactionFormType><transactionCode>S</transactionCode><footnoteId id="F1"/></transactionCoding>
      <transactionAmounts>
        <transactionShares><value>108,136</value></transactionShares>
        <transactionPricePerShare><value>202.50</value></transactionPricePerShare>
        <transactionAcquiredDisposedCode><value>D</value></transactionAcquiredDisposedCode>
      </transactionAmounts>
      <postTransactionAmounts><sharesOwnedFollowingTransaction><value>3280180</value></sharesOwnedFollowingTransaction></postTransactionAmounts>
    </nonDerivativeTransaction>
    <nonDerivativeTransaction>
      <transactionDate><value>2025-04-17-05:00</value></transactionDate>
      <transactionCoding><transactionCode>P</transactionCode></transactionCoding>
      <transactionAmounts>
        <transactionShares><value>1000</value></transactionShares>
        <transactionPricePerShare><footnoteId id="F2"/></transactionPricePerShare>
      </transactionAmounts>
    </nonDerivativeTransaction>
  </nonDerivativeTable>
  <footnotes>
    <footnote id="F1">Sold pursuant to a Rule 10b5-1 trading plan adopted on August 20, 2024.</footnote>
    <footnote id="F2">Weighted average price.</footnote>
  </footnotes>
</ownershipDocument>`

type edgarServer struct {
	*httptest.Server
	hits     map[string]*int32
	failures int32 // remaining 503s for the submissions endpoint
}

func newEdgarServer(t *testing.T) *edgarServer {
	t.Helper()
	s := &edgarServer{hits: map[string]*int32{}}
	routes := map[string]string{}
	routes["/files/company_tickers.json"] = tickersJSON
	routes["/submissions/CIK0000320193.json"] = submissionsJSON
	routes["/api/xbrl/companyfacts/CIK0000320193.json"] = factsJSON
	routes["/Archives/edgar/data/320193/000032019325000009/wk-form4_1745.xml"] = form4XML
	routes["/Archives/edgar/data/320193/000032019325000010/aapl-20250329.htm"] = "<html><body><p>Revenue grew.</p></body></html>"
	routes["/robots.txt"] = "User-agent: *\nDisallow: /private/\n"
	for p := range routes {
		var n int32
		s.hits[p] = &n
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(s.hits[r.URL.Path], 1)
		if strings.HasPrefix(r.URL.Path, "/submissions/") && atomic.AddInt32(&s.failures, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *edgarServer) count(path string) int32 {
	return atomic.LoadInt32(s.hits[path])
}

func testEDGAR(srv *edgarServer, c cache.Cache) *EDGAR {
	sec := model.DefaultConfig().SEC
	sec.BaseURL = srv.URL
	sec.FilesURL = srv.URL
	sec.ArchivesURL = srv.URL + "/Archives/edgar/data"
	sec.RatePerSecond = 1000
	sec.Timeout = 5 * time.Second
	fetch := model.FetchConfig{Timeout: 5 * time.Second, MaxAttempts: 3, MaxElapsed: 5 * time.Second}
	return NewEDGAR(EDGAROptions{SEC: sec, Fetch: fetch, Cache: c, CacheTTL: time.Hour})
}

func TestCompanyResolvesTicker(t *testing.T) {
	srv := newEdgarServer(t)
	e := testEDGAR(srv, nil)

	co, err := e.Company(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", co.Ticker)
	assert.Equal(t, "0000320193", co.CIK)
	assert.Equal(t, "Apple Inc.", co.Name)
	assert.Equal(t, "3571", co.SIC)

	_, err = e.Company(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFactsSelectsCurrentPeriod(t *testing.T) {
	srv := newEdgarServer(t)
	e := testEDGAR(srv, nil)
	co := Company{Ticker: "AAPL", CIK: "0000320193", Name: "Apple Inc."}

	fs, err := e.Facts(context.Background(), co)
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", fs.EntityName)
	assert.Contains(t, fs.SourceURL, "companyfacts/CIK0000320193.json")

	q := fs.Quarterly["revenue"]
	require.Len(t, q, 2)
	assert.Equal(t, "Q2", q[0].FiscalPeriod)
	assert.Equal(t, 219659000000.0, q[0].Value, "six-month YTD of the current year")
	assert.Equal(t, "us-gaap:RevenueFromContractWithCustomerExcludingAssessedTax", q[0].Concept)
	assert.Equal(t, "Q1", q[1].FiscalPeriod)

	a := fs.Annual["revenue"]
	require.Len(t, a, 2)
	assert.Equal(t, 2024, a[0].FiscalYear)
	assert.Equal(t, 391035000000.0, a[0].Value, "preferred concept wins over the fallback")
	assert.Equal(t, 2017, a[1].FiscalYear, "fallback concept fills older years")
	assert.Equal(t, "us-gaap:SalesRevenueNet", a[1].Concept)
	assert.Equal(t, "0000320193-24-000120", a[0].Accession)
	assert.Equal(t, srv.URL+"/Archives/edgar/data/320193/000032019324000120/", a[0].URL)

	assets := fs.Annual["total_assets"]
	require.Len(t, assets, 2)
	assert.Equal(t, 364980000000.0, assets[0].Value)
	assert.Equal(t, 352583000000.0, assets[1].Value)

	shares := fs.Quarterly["shares_outstanding"]
	require.Len(t, shares, 1)
	assert.Equal(t, "dei:EntityCommonStockSharesOutstanding", shares[0].Concept)

	cite := a[0].Cite(fs.EntityName)
	assert.NoError(t, cite.Check())
}

func TestFilingsSince(t *testing.T) {
	srv := newEdgarServer(t)
	e := testEDGAR(srv, nil)
	co := Company{Ticker: "AAPL", CIK: "0000320193"}

	since := time.Date(2025, 4, 15, 12, 0, 0, 0, time.UTC)
	filings, err := e.Filings(context.Background(), co, since)
	require.NoError(t, err)
	require.Len(t, filings, 2)
	assert.Equal(t, "10-Q", filings[0].Form)
	assert.Equal(t, time.Date(2025, 5, 2, 16, 30, 12, 0, time.UTC), filings[0].FiledAt)
	assert.Equal(t, srv.URL+"/Archives/edgar/data/320193/000032019325000010/aapl-20250329.htm", filings[0].URL)

	all, err := e.Filings(context.Background(), co, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC), all[3].FiledAt, "filing date used without acceptance time")
}

func TestOwnershipForms(t *testing.T) {
	srv := newEdgarServer(t)
	e := testEDGAR(srv, nil)
	co := Company{Ticker: "AAPL", CIK: "0000320193"}

	owners, err := e.Ownership(context.Background(), co, time.Time{})
	require.NoError(t, err)
	require.Len(t, owners, 2)
	assert.Equal(t, "Activist Capital LP", owners[0].Holder)
	assert.True(t, owners[0].IsActivist())
	assert.Equal(t, "SCHEDULE 13G", owners[1].Form)
	assert.False(t, owners[1].IsActivist())
	assert.Equal(t, "filer 0000950170-25-000200", owners[1].Holder)
}

func TestInsidersParsesForm4(t *testing.T) {
	srv := newEdgarServer(t)
	e := testEDGAR(srv, nil)
	co := Company{Ticker: "AAPL", CIK: "0000320193"}

	txs, err := e.Insiders(context.Background(), co, time.Time{})
	require.NoError(t, err)
	require.Len(t, txs, 2)

	sale := txs[0]
	assert.Equal(t, "COOK TIMOTHY D", sale.Owner)
	assert.Equal(t, "Chief Executive Officer", sale.Title)
	assert.Equal(t, "S", sale.Code)
	assert.Equal(t, 108136.0, sale.Shares)
	assert.Equal(t, "202.5", sale.Price.String())
	assert.True(t, sale.Is10b51, "footnote names the 10b5-1 plan")
	assert.Equal(t, time.Date(2025, 4, 20, 18, 1, 0, 0, time.UTC), sale.FiledAt)
	assert.Equal(t, srv.URL+"/Archives/edgar/data/320193/000032019325000009/wk-form4_1745.xml", sale.URL)

	buy := txs[1]
	assert.Equal(t, "P", buy.Code)
	assert.False(t, buy.Is10b51)
	assert.True(t, buy.Price.IsZero(), "footnoted price without a value")
	assert.Equal(t, time.Date(2025, 4, 17, 0, 0, 0, 0, time.UTC), buy.TransactionDate)
}

func TestParseForm4Errors(t *testing.T) {
	_, err := ParseForm4([]byte("<ownershipDocument><"), "acc", time.Now(), "u")
	assert.Error(t, err)

	_, err = ParseForm4([]byte("<ownershipDocument></ownershipDocument>"), "acc", time.Now(), "u")
	assert.Error(t, err)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	srv := newEdgarServer(t)
	srv.failures = 2
	e := testEDGAR(srv, nil)

	co, err := e.Company(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "3571", co.SIC)
	assert.Equal(t, int32(3), srv.count("/submissions/CIK0000320193.json"))
}

func TestRetryGivesUp(t *testing.T) {
	srv := newEdgarServer(t)
	srv.failures = 100
	e := testEDGAR(srv, nil)

	_, err := e.Filings(context.Background(), Company{Ticker: "AAPL", CIK: "0000320193"}, time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), srv.count("/submissions/CIK0000320193.json"), "max 3 attempts")
}

func TestNotFoundIsNotRetried(t *testing.T) {
	srv := newEdgarServer(t)
	e := testEDGAR(srv, nil)

	_, err := e.Facts(context.Background(), Company{Ticker: "NVDA", CIK: "0001045810"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheServesRepeatFetches(t *testing.T) {
	srv := newEdgarServer(t)
	e := testEDGAR(srv, cache.NewMemoryCache(time.Hour, time.Minute))
	co := Company{Ticker: "AAPL", CIK: "0000320193"}

	_, err := e.Facts(context.Background(), co)
	require.NoError(t, err)
	_, err = e.Facts(context.Background(), co)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.count("/api/xbrl/companyfacts/CIK0000320193.json"))
}

func TestFilingTextHonorsRobots(t *testing.T) {
	srv := newEdgarServer(t)
	e := testEDGAR(srv, nil)

	html, err := e.FilingText(context.Background(), model.Filing{
		Accession: "0000320193-25-000010",
		URL:       srv.URL + "/Archives/edgar/data/320193/000032019325000010/aapl-20250329.htm",
	})
	require.NoError(t, err)
	assert.Contains(t, html, "Revenue grew.")

	_, err = e.FilingText(context.Background(), model.Filing{Accession: "x", URL: srv.URL + "/private/doc.htm"})
	assert.ErrorIs(t, err, ErrDisallowed)

	_, err = e.FilingText(context.Background(), model.Filing{Accession: "y"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRawForm4Doc(t *testing.T) {
	assert.Equal(t, "wk-form4.xml", rawForm4Doc("xslF345X05/wk-form4.xml"))
	assert.Equal(t, "form4.xml", rawForm4Doc("form4.xml"))
}

func TestTreasuryRiskFree(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data":[{"record_date":"2025-03-31","security_desc":"Treasury Bonds","avg_interest_rate_amt":"3.312"}]}`))
	}))
	defer srv.Close()

	sec := model.DefaultConfig().SEC
	sec.TreasuryURL = srv.URL
	tr := NewTreasury(sec, model.FetchConfig{Timeout: time.Second, MaxAttempts: 1}, nil, time.Hour, nil)

	rf, err := tr.RiskFree(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.03312, rf.Rate, 1e-12)
	assert.Equal(t, "2025-03-31", rf.AsOf)
	assert.Contains(t, query, "sort=-record_date")
	assert.NoError(t, rf.Cite().Check())
}

func TestTreasuryEmptyFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	sec := model.DefaultConfig().SEC
	sec.TreasuryURL = srv.URL
	tr := NewTreasury(sec, model.FetchConfig{Timeout: time.Second, MaxAttempts: 1}, nil, time.Hour, nil)

	_, err := tr.RiskFree(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestYahooQuote(t *testing.T) {
	orig := quoteGet
	defer func() { quoteGet = orig }()

	calls := 0
	quoteGet = func(symbol string) (*finance.Quote, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("temporary")
		}
		q := &finance.Quote{Symbol: symbol, CurrencyID: "USD"}
		q.RegularMarketPrice = 201.25
		q.RegularMarketTime = 1745000000
		return q, nil
	}

	y := NewYahoo(model.FetchConfig{Timeout: time.Second, MaxAttempts: 3})
	q, err := y.Quote(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "AAPL", q.Ticker)
	assert.Equal(t, "201.25", q.Price.String())
	assert.Equal(t, time.Unix(1745000000, 0).UTC(), q.AsOf)
	assert.NoError(t, q.Cite().Check())
}

func TestYahooQuoteUnavailable(t *testing.T) {
	orig := quoteGet
	defer func() { quoteGet = orig }()
	quoteGet = func(string) (*finance.Quote, error) { return nil, fmt.Errorf("down") }

	y := NewYahoo(model.FetchConfig{Timeout: time.Second, MaxAttempts: 2})
	_, err := y.Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStaticQuote(t *testing.T) {
	_, err := StaticQuote{}.Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrNotFound)
}
