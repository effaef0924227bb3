package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/thesiswatch/internal/evaluate"
	"github.com/ppiankov/thesiswatch/internal/extract"
	"github.com/ppiankov/thesiswatch/internal/llm"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/provider"
	"github.com/ppiankov/thesiswatch/internal/store"
	"github.com/ppiankov/thesiswatch/internal/templates"
	"github.com/ppiankov/thesiswatch/internal/thesis"
	"github.com/ppiankov/thesiswatch/internal/validate"
)

var now = time.Date(2025, 11, 5, 7, 0, 0, 0, time.UTC)

const filingHTML = `<html><body>
<p>Item 2. Management's Discussion and Analysis</p>
<p>Gross margin decreased to 49.9% in the third quarter of fiscal 2025 from 50.8% in the second quarter, as component costs rose.</p>
</body></html>`

func ytd(field string, fp string, v float64) model.Fact {
	return model.Fact{
		Field:        field,
		Value:        v,
		FiscalYear:   2025,
		FiscalPeriod: fp,
		Form:         "10-Q",
		Accession:    "0000000001-25-0000" + fp[1:],
		Concept:      field,
		URL:          "https://www.sec.gov/Archives/edgar/data/1/acme-" + fp + ".htm",
	}
}

// acmeFacts reports standalone gross margins of 52.4%, 50.8% and 49.9%
// through year-to-date 10-Q values
func acmeFacts() *model.FactSet {
	return &model.FactSet{
		Ticker:     "ACME",
		CIK:        "0000000001",
		EntityName: "Acme Corp",
		Annual:     map[string][]model.Fact{},
		Quarterly: map[string][]model.Fact{
			"revenue": {
				ytd("revenue", "Q3", 300),
				ytd("revenue", "Q2", 200),
				ytd("revenue", "Q1", 100),
			},
			"cost_of_revenue": {
				ytd("cost_of_revenue", "Q3", 146.9),
				ytd("cost_of_revenue", "Q2", 96.8),
				ytd("cost_of_revenue", "Q1", 47.6),
			},
		},
	}
}

type fakeFilings struct {
	companyErr error
	textErr    error
	filings    []model.Filing
}

func (f *fakeFilings) Company(_ context.Context, ticker string) (provider.Company, error) {
	if f.companyErr != nil {
		return provider.Company{}, f.companyErr
	}
	return provider.Company{Ticker: ticker, CIK: "0000000001", Name: "Acme Corp"}, nil
}

func (f *fakeFilings) Facts(context.Context, provider.Company) (*model.FactSet, error) {
	return acmeFacts(), nil
}

func (f *fakeFilings) Filings(context.Context, provider.Company, time.Time) ([]model.Filing, error) {
	return f.filings, nil
}

func (f *fakeFilings) Insiders(context.Context, provider.Company, time.Time) ([]model.InsiderTransaction, error) {
	return nil, nil
}

func (f *fakeFilings) Ownership(context.Context, provider.Company, time.Time) ([]model.OwnershipChange, error) {
	return nil, nil
}

func (f *fakeFilings) FilingText(context.Context, model.Filing) (string, error) {
	if f.textErr != nil {
		return "", f.textErr
	}
	return filingHTML, nil
}

// gatedFilings holds Facts open until release is closed
type gatedFilings struct {
	*fakeFilings
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFilings) Facts(ctx context.Context, c provider.Company) (*model.FactSet, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.fakeFilings.Facts(ctx, c)
}

type fakeRates struct{ err error }

func (r fakeRates) RiskFree(context.Context) (model.RiskFreeRate, error) {
	if r.err != nil {
		return model.RiskFreeRate{}, r.err
	}
	return model.RiskFreeRate{Rate: 0.041, AsOf: "2025-11-04", Series: "10Y", URL: "https://home.treasury.gov/rates"}, nil
}

type failingQuotes struct{}

func (failingQuotes) Quote(context.Context, string) (model.Quote, error) {
	return model.Quote{}, fmt.Errorf("%w: quote timed out", provider.ErrUnavailable)
}

type leakyExtractor struct{}

func (leakyExtractor) Name() string { return "openai" }

func (leakyExtractor) Extract(context.Context, extract.Request) (model.ExtractionResult, error) {
	return model.ExtractionResult{}, fmt.Errorf("%w: quoted text not in filing", llm.ErrExcerptLeak)
}

func tenQ() model.Filing {
	return model.Filing{
		Accession:  "0000000001-25-000030",
		Form:       "10-Q",
		FiledAt:    now.Add(-48 * time.Hour),
		PrimaryDoc: "acme-20250930.htm",
		URL:        "https://www.sec.gov/Archives/edgar/data/1/000000000125000030/acme-20250930.htm",
	}
}

func lockedThesis() *model.Thesis {
	locked := now.AddDate(0, -6, 0)
	notYet := model.Null("not evaluated yet")
	return &model.Thesis{
		ID:         "th-acme",
		Ticker:     "ACME",
		Direction:  model.Long,
		Text:       "Gross margin keeps expanding.",
		Sector:     "general",
		Status:     model.ThesisMonitoring,
		LockedAt:   &locked,
		EntryPrice: model.Null("entry price not declared"),
		ClosePrice: model.Null("thesis not closed"),
		Claims: []model.Claim{{
			ID: "ACME-C1", Statement: "Gross margin expands", KPIID: "gross_margin",
			Required: model.TrendUp, Status: model.ClaimSupported,
			CurrentValue: notYet, QoQDelta: notYet, YoYDelta: notYet,
		}},
		KillCriteria: []model.KillCriterion{{
			ID: "ACME-K1", Description: "Gross margin below 50% for 2 quarters", Metric: "gross_margin",
			Operator: "<", Threshold: 50, Duration: "2Q", Status: model.KillOK,
			CurrentValue: notYet, Distance: notYet, DistancePct: notYet,
		}},
		CreatedAt: locked,
		UpdatedAt: locked,
	}
}

type harness struct {
	p       *Pipeline
	store   store.Store
	filings *fakeFilings
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	s, err := store.OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveThesis(context.Background(), lockedThesis()))

	filings := &fakeFilings{filings: []model.Filing{tenQ()}}
	opts := Options{
		Config:    model.DefaultConfig(),
		Filings:   filings,
		Quotes:    provider.StaticQuote{Price: decimal.NewFromInt(50), AsOf: now, URL: "https://finance.yahoo.com/quote/ACME"},
		Rates:     fakeRates{},
		Extractor: extract.NewKeywordExtractor(),
		Store:     s,
		Now:       func() time.Time { return now },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{p: New(opts), store: s, filings: filings}
}

func eventOfType(events []model.ChangeEvent, typ model.EventType) (model.ChangeEvent, bool) {
	for _, e := range events {
		if e.Type == typ {
			return e, true
		}
	}
	return model.ChangeEvent{}, false
}

func TestRunCommitsCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	brief, err := h.p.Run(ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, "ACME", brief.Ticker)
	assert.Equal(t, "Acme Corp", brief.EntityName)
	assert.Equal(t, "th-acme", brief.ThesisID)
	assert.Empty(t, brief.Partial)
	assert.NoError(t, validate.Audit(brief))

	require.True(t, brief.Price.Valid())
	assert.InDelta(t, 50, brief.Price.Float(), 1e-9)

	require.NotEmpty(t, brief.KPIs)
	assert.Equal(t, "revenue_growth", brief.KPIs[0].KPIID, "template order")
	var gm model.KPIObservation
	for _, o := range brief.KPIs {
		if o.KPIID == "gross_margin" {
			gm = o
		}
	}
	require.True(t, gm.Value.Valid())
	assert.InDelta(t, 49.9, gm.Value.Float(), 0.01)
	assert.Equal(t, "Q3 FY2025", gm.Period.Label())

	require.Len(t, brief.KillCriteria, 1)
	kc := brief.KillCriteria[0]
	assert.Equal(t, model.KillWatch, kc.Status)
	assert.Equal(t, 1, kc.Consecutive)

	require.Len(t, brief.Claims, 1)
	claim := brief.Claims[0]
	assert.Equal(t, model.ClaimChallenged, claim.Status)
	require.Len(t, claim.Disconfirming, 1)
	ev := claim.Disconfirming[0]
	assert.Equal(t, model.TagFact, ev.Tag)
	assert.Equal(t, brief.CycleID, ev.CycleID)
	assert.Equal(t, tenQ().Accession, ev.Citation.Accession)
	assert.Contains(t, ev.Citation.Locator, "Item 2.")

	require.NotNil(t, brief.Extraction)
	assert.Equal(t, extract.KeywordProvider, brief.Extraction.Provider)
	assert.Equal(t, 1, brief.Extraction.Excerpts)

	filing, ok := eventOfType(brief.Changes, model.EventFiling)
	require.True(t, ok)
	assert.Equal(t, model.SeverityWatch, filing.Severity)
	move, ok := eventOfType(brief.Changes, model.EventKillMove)
	require.True(t, ok)
	assert.Equal(t, "ok -> watch", move.KillCriteria[0].Transition)

	stored, err := h.store.LatestBrief(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, brief.CycleID, stored.CycleID)

	cp, err := h.store.Checkpoint(ctx, "ACME")
	require.NoError(t, err)
	assert.True(t, cp.LastCheck.Equal(now))

	th, err := h.store.GetThesis(ctx, "th-acme")
	require.NoError(t, err)
	assert.Equal(t, model.KillWatch, th.KillCriteria[0].Status)
	assert.Len(t, th.Claims[0].Disconfirming, 1)
	require.NotNil(t, th.EvaluatedAt)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.p.Run(ctx, "ACME")
	require.NoError(t, err)
	require.NotEmpty(t, first.Changes)

	second, err := h.p.Run(ctx, "ACME")
	require.NoError(t, err)
	assert.Empty(t, second.Changes)
	assert.Equal(t, first.KillCriteria[0].Status, second.KillCriteria[0].Status)
	assert.Equal(t, first.Claims[0].Status, second.Claims[0].Status)
	assert.Len(t, second.Claims[0].Disconfirming, 1, "evidence is not attached twice")
	assert.NotEqual(t, first.CycleID, second.CycleID)
}

func TestRunDegradesToPartial(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Quotes = failingQuotes{}
		o.Rates = fakeRates{err: errors.New("feed down")}
	})
	h.filings.companyErr = fmt.Errorf("%w: edgar 503", provider.ErrUnavailable)

	brief, err := h.p.Run(context.Background(), "ACME")
	require.NoError(t, err)

	var sections []string
	for _, p := range brief.Partial {
		sections = append(sections, p.Section)
	}
	assert.Equal(t, []string{"company", "facts", "filings", "insiders", "ownership", "quote", "risk_free"}, sections)
	assert.True(t, brief.IsPartial())
	assert.False(t, brief.Price.Valid())
	assert.NotEmpty(t, brief.Price.NullReason)
	assert.Nil(t, brief.Implied)
	assert.NoError(t, validate.Audit(brief))

	require.Len(t, brief.KillCriteria, 1)
	assert.True(t, brief.KillCriteria[0].NoData)
	assert.Equal(t, model.KillOK, brief.KillCriteria[0].Status)

	cp, err := h.store.Checkpoint(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Contains(t, cp.Partial, "quote")
}

func TestRunFallsBackToConfiguredRiskFree(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Rates = fakeRates{err: errors.New("feed down")}
	})

	brief, err := h.p.Run(context.Background(), "ACME")
	require.NoError(t, err)
	require.Len(t, brief.Partial, 1)
	assert.Equal(t, "risk_free", brief.Partial[0].Section)

	require.NotNil(t, brief.Implied)
	require.True(t, brief.Implied.DiscountRate.Valid())
	inputs := brief.Implied.DiscountRate.Cite().Inputs
	require.NotEmpty(t, inputs)
	assert.Equal(t, model.SourceAssumption, inputs[0].Kind)
	assert.Equal(t, "fallback_risk_free", inputs[0].Locator)
}

func TestRunRejectsLeakedExcerpts(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Extractor = leakyExtractor{}
	})

	brief, err := h.p.Run(context.Background(), "ACME")
	require.NoError(t, err)
	require.NotNil(t, brief.Extraction)
	assert.Equal(t, 0, brief.Extraction.Excerpts)
	require.Len(t, brief.Extraction.Warnings, 1)
	assert.Contains(t, brief.Extraction.Warnings[0], "EXCERPT LEAK")
	assert.Empty(t, brief.Claims[0].Disconfirming)
	assert.Empty(t, brief.Partial)
}

func TestRunFilingTextUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.filings.textErr = fmt.Errorf("%w: robots", provider.ErrDisallowed)

	brief, err := h.p.Run(context.Background(), "ACME")
	require.NoError(t, err)
	require.Len(t, brief.Partial, 1)
	assert.Equal(t, "filing_text", brief.Partial[0].Section)
	assert.Equal(t, 0, brief.Extraction.Excerpts)
}

func TestRunWithoutThesis(t *testing.T) {
	h := newHarness(t, nil)

	brief, err := h.p.Run(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Empty(t, brief.ThesisID)
	assert.Empty(t, brief.Claims)
	assert.Nil(t, brief.Extraction)
	assert.Equal(t, "general", brief.Sector)
	_, ok := eventOfType(brief.Changes, model.EventKillMove)
	assert.False(t, ok)
}

func TestRunCancelledCommitsNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.p.Run(ctx, "ACME")
	require.Error(t, err)

	_, err = h.store.LatestBrief(context.Background(), "ACME")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunCycleSatisfiesCycler(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.p.RunCycle(context.Background(), "ACME"))
	assert.Error(t, h.p.RunCycle(context.Background(), " "))
}

func TestCloseDuringCycleIsKept(t *testing.T) {
	gated := &gatedFilings{
		fakeFilings: &fakeFilings{filings: []model.Filing{tenQ()}},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	var svc *thesis.Service
	h := newHarness(t, func(o *Options) {
		svc = thesis.NewService(o.Store, templates.Default(), evaluate.OptionsFrom(o.Config.Evaluation))
		o.Filings = gated
		o.Locks = svc.Locks()
	})
	ctx := context.Background()

	ran := make(chan error, 1)
	go func() {
		_, err := h.p.Run(ctx, "ACME")
		ran <- err
	}()
	<-gated.entered

	closed := make(chan error, 1)
	go func() {
		_, err := svc.Close(ctx, thesis.CloseInput{ID: "th-acme", Reason: "sold"})
		closed <- err
	}()
	select {
	case err := <-closed:
		t.Fatalf("close returned while a cycle held the ticker: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	require.NoError(t, <-ran)
	require.NoError(t, <-closed)

	got, err := h.store.GetThesis(ctx, "th-acme")
	require.NoError(t, err)
	assert.Equal(t, model.ThesisClosed, got.Status)
	assert.Equal(t, "sold", got.CloseReason)

	// Later cycles leave the ended thesis alone
	_, err = h.p.Run(ctx, "ACME")
	require.NoError(t, err)
	got, err = h.store.GetThesis(ctx, "th-acme")
	require.NoError(t, err)
	assert.Equal(t, model.ThesisClosed, got.Status)
}
