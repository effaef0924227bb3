package validate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

const filingURL = "https://www.sec.gov/Archives/edgar/data/320193/000032019325000073/aapl-20250628.htm"

func filingCite() model.Citation {
	return model.Citation{Kind: model.Source10Q, Accession: "0000320193-25-000073", URL: filingURL}
}

func cleanBrief() *model.Brief {
	quote := model.Citation{Kind: model.SourceQuote, URL: "https://finance.yahoo.com/quote/AAPL"}
	price := model.Cited(201.5, quote)
	return &model.Brief{
		Ticker: "AAPL",
		Price:  price,
		KPIs: []model.KPIObservation{{
			KPIID:    "gross_margin",
			Value:    model.Cited(46.5, filingCite()),
			Prior:    model.Null("prior period not reported"),
			QoQDelta: model.Null("prior quarter not reported"),
			YoYDelta: model.Cited(0.9, model.Computed("gross_margin Q3 FY2025 - Q3 FY2024", filingCite(), filingCite())),
		}},
		Scores: []model.QualityScore{{
			Name:       "piotroski_f",
			Value:      model.Cited(7, model.Computed("sum of 9 binary tests", filingCite())),
			Components: map[string]model.Figure{"roa_positive": model.Cited(1, filingCite())},
		}},
		Claims: []model.Claim{{
			ID:             "AAPL-C1",
			CurrentValue:   model.Cited(46.5, filingCite()),
			QoQDelta:       model.Null("prior quarter not reported"),
			YoYDelta:       model.Null("year-ago period not reported"),
			ChallengeRatio: 2,
			Supporting: []model.Evidence{{
				Citation: filingCite().WithExcerpt("Gross margin increased", "Item 2"),
				Stance:   model.StanceSupporting,
				Tag:      model.TagFact,
			}},
		}},
		KillCriteria: []model.KillCriterion{{
			ID:           "K1",
			Threshold:    40,
			CurrentValue: model.Cited(46.5, filingCite()),
			Distance:     model.Cited(6.5, model.Computed("value - threshold", filingCite(), model.Assumption("threshold", 40))),
			DistancePct:  model.Null("threshold is zero"),
		}},
		Changes: []model.ChangeEvent{{
			Type:     model.EventFiling,
			Value:    model.Null("filings carry no numeric value"),
			Citation: filingCite(),
		}},
	}
}

func TestAuditBrief_Clean(t *testing.T) {
	if vs := AuditBrief(cleanBrief()); len(vs) != 0 {
		t.Fatalf("Expected no violations, got %v", vs)
	}
	if err := Audit(cleanBrief()); err != nil {
		t.Errorf("Audit() = %v", err)
	}
	if vs := AuditBrief(nil); vs != nil {
		t.Errorf("Expected nil for nil brief, got %v", vs)
	}
}

func TestAuditBrief_Violations(t *testing.T) {
	b := cleanBrief()
	b.Price = model.Figure{}
	v := 12.0
	b.KPIs[0].Value = model.Figure{Value: &v}
	b.Claims[0].YoYDelta = model.Cited(1, model.Citation{Kind: model.SourceComputed, Formula: "a - b"})
	b.Changes[0].Citation = model.Citation{Kind: model.Source8K}
	b.Scores[0].Components["roa_positive"] = model.Cited(1, model.Citation{})

	vs := AuditBrief(b)
	paths := make([]string, len(vs))
	for i, v := range vs {
		paths[i] = v.Path
		if !errors.Is(v, ErrUncited) {
			t.Errorf("Violation %s should unwrap to ErrUncited", v.Path)
		}
	}
	want := []string{
		"brief.price",
		"brief.kpis[0].value",
		"brief.quality_scores[0].components[roa_positive]",
		"brief.claims[0].yoy_delta",
		"brief.changes[0].citation",
	}
	if len(paths) != len(want) {
		t.Fatalf("Expected %d violations, got %d: %v", len(want), len(paths), vs)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("Violation %d at %s, want %s", i, paths[i], want[i])
		}
	}

	err := Audit(b)
	if !errors.Is(err, ErrUncited) {
		t.Errorf("Expected joined error to match ErrUncited, got %v", err)
	}
	if !strings.Contains(err.Error(), "brief.price: null figure without a reason") {
		t.Errorf("Unexpected message %v", err)
	}
}

func TestAudit_BareFloat(t *testing.T) {
	type row struct {
		Ratio    float64 `json:"ratio"`
		Declared float64 `json:"declared" provenance:"declared"`
		Zero     float64 `json:"zero"`
		Series   []float64
	}
	var vs []Violation
	audit(reflect.ValueOf(row{Ratio: 1.5, Declared: 3, Series: []float64{0, 2}}), "row", false, &vs)

	if len(vs) != 2 {
		t.Fatalf("Expected 2 violations, got %v", vs)
	}
	if vs[0].Path != "row.ratio" || vs[1].Path != "row.Series[1]" {
		t.Errorf("Unexpected paths %s, %s", vs[0].Path, vs[1].Path)
	}
}

func TestCitationURLs(t *testing.T) {
	got := CitationURLs(cleanBrief())
	want := []string{"https://finance.yahoo.com/quote/AAPL", filingURL}
	if len(got) != len(want) {
		t.Fatalf("CitationURLs() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("URL %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestLinkChecker_Check(t *testing.T) {
	linkRetryInterval = time.Millisecond

	var flaky int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Expected HEAD, got %s", r.Method)
		}
		if r.Header.Get("User-Agent") != "thesiswatch test@example.com" {
			t.Errorf("Unexpected User-Agent %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&flaky, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	checker := NewLinkChecker(LinkOptions{Timeout: 5 * time.Second, UserAgent: "thesiswatch test@example.com"})
	results := checker.Check(context.Background(), []string{
		server.URL + "/ok",
		server.URL + "/gone",
		server.URL + "/moved",
		server.URL + "/flaky",
	})

	if !results[0].IsAccessible || results[0].StatusCode != http.StatusOK {
		t.Errorf("Expected /ok accessible, got %+v", results[0])
	}
	if !results[1].IsDead || results[1].IsAccessible {
		t.Errorf("Expected /gone dead, got %+v", results[1])
	}
	if results[2].RedirectURL != server.URL+"/ok" {
		t.Errorf("Expected redirect to be captured, got %+v", results[2])
	}
	if !results[3].IsAccessible {
		t.Errorf("Expected /flaky to recover after retries, got %+v", results[3])
	}
	if n := atomic.LoadInt32(&flaky); n != 3 {
		t.Errorf("Expected 3 attempts on /flaky, got %d", n)
	}
	if results[0].Authority != model.TierTertiary {
		t.Errorf("Expected loopback host to be tertiary, got %v", results[0].Authority)
	}
}

func TestLinkChecker_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := NewLinkChecker(LinkOptions{MaxWorkers: 1})
	results := checker.Check(ctx, []string{filingURL})
	if results[0].IsAccessible {
		t.Error("Cancelled check should not report the link accessible")
	}
	if results[0].Authority != model.TierPrimary {
		t.Errorf("Expected authority even when cancelled, got %v", results[0].Authority)
	}
}

func TestAuthorityClassifier_Classify(t *testing.T) {
	classifier := NewAuthorityClassifier(nil)

	tests := []struct {
		url  string
		want model.AuthorityTier
		desc string
	}{
		{filingURL, model.TierPrimary, "EDGAR archive"},
		{"https://data.sec.gov/api/xbrl/companyfacts/CIK0000320193.json", model.TierPrimary, "subdomain of primary"},
		{"https://api.fiscaldata.treasury.gov/services/api/fiscal_service/v2", model.TierPrimary, "treasury"},
		{"https://www.census.gov/econ", model.TierPrimary, ".gov fallback"},
		{"https://finance.yahoo.com/quote/AAPL", model.TierSecondary, "quote vendor"},
		{"https://example.com/blog", model.TierTertiary, "unknown site"},
		{"not a url", model.TierUnknown, "no host"},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := classifier.Classify(tt.url); got != tt.want {
				t.Errorf("Classify(%s) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestAuthorityClassifier_Config(t *testing.T) {
	classifier := NewAuthorityClassifier(&AuthorityConfig{
		SecondaryDomains: []string{"Example.com"},
		DomainMap:        map[string]string{"research.example.org": "primary"},
		PathPatterns: []PathPattern{
			{Pattern: `^/filings/`, Tier: "secondary"},
			{Pattern: `([`, Tier: "primary"},
		},
	})

	if got := classifier.Classify("https://www.example.com/x"); got != model.TierSecondary {
		t.Errorf("Expected case-insensitive secondary match, got %v", got)
	}
	if got := classifier.Classify("https://research.example.org/note"); got != model.TierPrimary {
		t.Errorf("Expected domain map override, got %v", got)
	}
	if got := classifier.Classify("https://other.net/filings/10-K"); got != model.TierSecondary {
		t.Errorf("Expected path pattern match, got %v", got)
	}
	if got := classifier.Classify("https://www.sec.gov/x"); got != model.TierPrimary {
		t.Errorf("Expected .gov fallback without default domains, got %v", got)
	}
}

func TestAuthorityClassifier_ClassifyCitation(t *testing.T) {
	classifier := NewAuthorityClassifier(nil)

	if got := classifier.ClassifyCitation(model.Citation{Kind: model.SourceForm4, Accession: "x"}); got != model.TierPrimary {
		t.Errorf("Form 4 without URL should be primary, got %v", got)
	}
	if got := classifier.ClassifyCitation(model.Citation{Kind: model.SourceQuote}); got != model.TierSecondary {
		t.Errorf("Quote should be secondary, got %v", got)
	}
	if got := classifier.ClassifyCitation(model.Assumption("beta", 1)); got != model.TierUnknown {
		t.Errorf("Assumption should be unknown, got %v", got)
	}
}
