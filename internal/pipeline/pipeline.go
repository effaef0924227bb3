// Package pipeline runs the per-ticker evaluation cycle: fetch, compute,
// solve, evaluate, detect, audit and commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ppiankov/thesiswatch/internal/changes"
	"github.com/ppiankov/thesiswatch/internal/evaluate"
	"github.com/ppiankov/thesiswatch/internal/kpi"
	"github.com/ppiankov/thesiswatch/internal/llm"
	"github.com/ppiankov/thesiswatch/internal/metrics"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/provider"
	"github.com/ppiankov/thesiswatch/internal/score"
	"github.com/ppiankov/thesiswatch/internal/store"
	"github.com/ppiankov/thesiswatch/internal/templates"
	"github.com/ppiankov/thesiswatch/internal/validate"
	"github.com/ppiankov/thesiswatch/internal/valuation"
	"github.com/ppiankov/thesiswatch/internal/worker"
)

const (
	// checkpointOverlap re-reads the tail of the previous window; already
	// logged events are skipped by key
	checkpointOverlap = 24 * time.Hour

	// firstLookback is the window of a ticker's first cycle without a locked thesis
	firstLookback = 30 * 24 * time.Hour
)

// ErrAudit marks a cycle whose brief carried an uncited number. Nothing is committed.
var ErrAudit = errors.New("brief failed provenance audit")

// Options wires the collaborators of a pipeline
type Options struct {
	Config    model.Config
	Filings   provider.Filings
	Quotes    provider.Quotes
	Rates     provider.Rates
	Extractor llm.Extractor // nil disables evidence extraction
	Store     store.Store
	Registry  *templates.Registry
	Locks     *worker.KeyedMutex // per-ticker locks shared with thesis commands; nil creates private ones
	Now       func() time.Time
}

// Pipeline evaluates tickers. At most one cycle runs per ticker at a time;
// different tickers run in parallel.
type Pipeline struct {
	cfg       model.Config
	filings   provider.Filings
	quotes    provider.Quotes
	rates     provider.Rates
	extractor llm.Extractor
	store     store.Store
	registry  *templates.Registry
	eval      evaluate.Options
	scorer    *score.Scorer
	locks     *worker.KeyedMutex
	now       func() time.Time
	log       zerolog.Logger
}

// New creates a pipeline
func New(o Options) *Pipeline {
	now := o.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	registry := o.Registry
	if registry == nil {
		registry = templates.Default()
	}
	locks := o.Locks
	if locks == nil {
		locks = worker.NewKeyedMutex()
	}
	return &Pipeline{
		cfg:       o.Config,
		filings:   o.Filings,
		quotes:    o.Quotes,
		rates:     o.Rates,
		extractor: o.Extractor,
		store:     o.Store,
		registry:  registry,
		eval:      evaluate.OptionsFrom(o.Config.Evaluation),
		scorer:    score.NewScorer(),
		locks:     locks,
		now:       now,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// RunCycle runs a cycle and discards the brief
func (p *Pipeline) RunCycle(ctx context.Context, ticker string) error {
	_, err := p.Run(ctx, ticker)
	return err
}

// Run executes one evaluation cycle for ticker and commits everything it
// derived in one transaction. External failures degrade the brief to
// partial; a cancelled context discards the cycle.
func (p *Pipeline) Run(ctx context.Context, ticker string) (*model.Brief, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, errors.New("ticker must not be empty")
	}
	unlock, err := p.locks.Lock(ctx, ticker)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	brief, err := p.run(ctx, ticker)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		p.log.Error().Err(err).Str("ticker", ticker).Msg("cycle failed")
		return nil, err
	case brief.IsPartial():
		metrics.CyclesTotal.WithLabelValues("partial").Inc()
	default:
		metrics.CyclesTotal.WithLabelValues("complete").Inc()
	}
	p.log.Info().
		Str("ticker", ticker).
		Str("cycle_id", brief.CycleID).
		Bool("partial", brief.IsPartial()).
		Int("events", len(brief.Changes)).
		Dur("took", time.Since(start)).
		Msg("cycle committed")
	return brief, nil
}

func (p *Pipeline) run(ctx context.Context, ticker string) (*model.Brief, error) {
	now := p.now()
	cycleID := uuid.NewString()

	prior, err := store.ActiveThesis(ctx, p.store, ticker)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load thesis: %w", err)
	}
	since, err := p.window(ctx, ticker, prior, now)
	if err != nil {
		return nil, err
	}

	sector := ""
	if prior != nil {
		sector = prior.Sector
	}
	tmpl, err := p.registry.Resolve(sector)
	if err != nil {
		return nil, err
	}

	in := p.fetch(ctx, ticker, since)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	brief := &model.Brief{
		Ticker:      ticker,
		EntityName:  in.company.Name,
		CIK:         in.company.CIK,
		Sector:      tmpl.Sector,
		CycleID:     cycleID,
		GeneratedAt: now,
		Partial:     in.partial,
		Changes:     []model.ChangeEvent{},
		Principles:  model.DefaultPrinciples(),
	}

	// KPIs and quality scores
	var fresh []model.KPIObservation
	if in.facts != nil {
		res := kpi.Compute(in.facts, tmpl.KPIs, now)
		fresh = res.Observations
		brief.KPIs = latestKPIs(res, tmpl)
		brief.Scores, brief.Excluded = p.scorer.Calculate(in.facts, tmpl.IncludeScores)
	}
	brief.Excluded = append(tmpl.Excluded(), brief.Excluded...)
	if brief.KPIs == nil {
		brief.KPIs = []model.KPIObservation{}
	}
	if brief.Scores == nil {
		brief.Scores = []model.QualityScore{}
	}

	// Market price, EV build and the market-implied solve
	brief.Price = model.Null("market price unavailable")
	if in.quote != nil {
		brief.Price = model.Cited(in.quote.Price.InexactFloat64(), in.quote.Cite())
	}
	if in.facts != nil {
		brief.EV = valuation.BuildEV(in.facts, in.quote)
		brief.Implied = valuation.Analyze(tmpl.Valuation, valuation.Inputs{
			Facts:    in.facts,
			EV:       brief.EV,
			RiskFree: p.riskFree(in.rate),
		}, p.cfg.Valuation, now)
		outcome := "solved"
		if brief.Implied.Failure != nil {
			outcome = brief.Implied.Failure.Code
		}
		metrics.SolvesTotal.WithLabelValues(string(brief.Implied.Method), outcome).Inc()
	}

	// Claims and kill criteria, recomputed from the full history
	var current *model.Thesis
	if prior != nil {
		stored, err := p.store.Observations(ctx, ticker)
		if err != nil {
			return nil, fmt.Errorf("load kpi history: %w", err)
		}
		all := append(stored, fresh...)

		working := *prior
		working.Claims = append([]model.Claim(nil), prior.Claims...)
		brief.Extraction = p.extractEvidence(ctx, &working, in, tmpl, cycleID, now, brief)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, errs := evaluate.Apply(working, model.GroupHistory(all), evaluate.LatestReporting(all), cycleID, p.eval)
		for _, e := range errs {
			brief.Partial = append(brief.Partial, model.Partial{Section: "kill_criteria", Reason: e.Error()})
		}
		nullUnevaluated(&next)
		changes.MarkOccurred(&next, now)
		evaluate.Stamp(&next, now)
		current = &next

		brief.ThesisID = next.ID
		brief.Claims = next.Claims
		brief.KillCriteria = next.KillCriteria
		brief.Catalysts = next.Catalysts
	}

	seen, err := p.store.EventKeys(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("load event keys: %w", err)
	}
	filer := in.company.Name
	if filer == "" {
		filer = ticker
	}
	events := changes.Detect(changes.Input{
		Ticker:    ticker,
		Filer:     filer,
		Since:     since,
		Now:       now,
		Filings:   in.filings,
		Insiders:  in.insiders,
		Ownership: in.ownership,
		KPIs:      fresh,
		Prior:     prior,
		Current:   current,
		Seen:      seen,
	})
	if len(events) > 0 {
		brief.Changes = events
	}

	if err := validate.Audit(brief); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAudit, err)
	}

	cycle := store.Cycle{
		ID:           cycleID,
		Ticker:       ticker,
		At:           now,
		Thesis:       current,
		Observations: fresh,
		Events:       events,
		Brief:        brief,
	}
	if prior != nil {
		cycle.ThesisVersion = prior.UpdatedAt
	}
	if err := p.store.Commit(ctx, cycle); err != nil {
		return nil, fmt.Errorf("commit cycle: %w", err)
	}
	for _, e := range events {
		metrics.EventsTotal.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
	}
	return brief, nil
}

// window returns the start of the detection window: the last check minus
// the overlap, the lock date on a first cycle, or the first lookback
func (p *Pipeline) window(ctx context.Context, ticker string, t *model.Thesis, now time.Time) (time.Time, error) {
	cp, err := p.store.Checkpoint(ctx, ticker)
	switch {
	case err == nil && !cp.LastCheck.IsZero():
		return cp.LastCheck.Add(-checkpointOverlap), nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return time.Time{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if t != nil && t.LockedAt != nil {
		return *t.LockedAt, nil
	}
	return now.Add(-firstLookback), nil
}

// riskFree returns the cited treasury yield, or the configured fallback as
// a declared assumption
func (p *Pipeline) riskFree(rate *model.RiskFreeRate) model.Figure {
	if rate != nil {
		return model.Cited(rate.Rate, rate.Cite())
	}
	fallback := p.cfg.Valuation.FallbackRate
	if fallback <= 0 {
		return model.Null("risk-free rate unavailable")
	}
	return model.Cited(fallback, model.Assumption("fallback_risk_free", fallback))
}

// latestKPIs lists the newest observation of every template KPI in template
// order, with a null observation for each KPI that produced nothing
func latestKPIs(res kpi.Result, tmpl templates.SectorTemplate) []model.KPIObservation {
	latest := res.Latest()
	unavailable := make(map[string]model.KPIObservation, len(res.Unavailable))
	for _, o := range res.Unavailable {
		unavailable[o.KPIID] = o
	}
	out := make([]model.KPIObservation, 0, len(tmpl.KPIs))
	for _, def := range tmpl.KPIs {
		if o, ok := latest[def.ID]; ok {
			out = append(out, o)
		} else if o, ok := unavailable[def.ID]; ok {
			out = append(out, o)
		}
	}
	return out
}

// nullUnevaluated replaces figures a failed evaluation left empty with an
// explicit null, so the brief never carries a number-shaped hole
func nullUnevaluated(t *model.Thesis) {
	fill := func(f *model.Figure, reason string) {
		if f.Value == nil && f.NullReason == "" {
			*f = model.Null(reason)
		}
	}
	for i := range t.KillCriteria {
		kc := &t.KillCriteria[i]
		reason := fmt.Sprintf("kill criterion %s not evaluated", kc.ID)
		fill(&kc.CurrentValue, reason)
		fill(&kc.Distance, reason)
		fill(&kc.DistancePct, reason)
	}
	for i := range t.Claims {
		c := &t.Claims[i]
		reason := fmt.Sprintf("claim %s not evaluated", c.ID)
		fill(&c.CurrentValue, reason)
		fill(&c.QoQDelta, reason)
		fill(&c.YoYDelta, reason)
	}
}

// sortFilings orders filings newest first
func sortFilings(list []model.Filing) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].FiledAt.After(list[j].FiledAt)
	})
}
