package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/provider"
)

// inputs is everything fetched for one cycle. A nil or empty field is a
// source that failed and is listed in partial.
type inputs struct {
	company   provider.Company
	facts     *model.FactSet
	filings   []model.Filing
	insiders  []model.InsiderTransaction
	ownership []model.OwnershipChange
	quote     *model.Quote
	rate      *model.RiskFreeRate

	mu      sync.Mutex
	partial []model.Partial
}

func (in *inputs) miss(section string, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.partial = append(in.partial, model.Partial{Section: section, Reason: err.Error()})
}

// fetch gathers the cycle inputs in parallel. Every source is bounded by the
// fetch timeout; the providers retry internally. A failure is recorded and
// never stops the other sources.
func (p *Pipeline) fetch(ctx context.Context, ticker string, since time.Time) *inputs {
	in := &inputs{company: provider.Company{Ticker: ticker}}

	var g errgroup.Group
	g.Go(func() error {
		p.fetchFilings(ctx, ticker, since, in)
		return nil
	})
	if p.quotes != nil {
		g.Go(func() error {
			q, err := call(ctx, p.cfg.Fetch.Timeout, func(ctx context.Context) (model.Quote, error) {
				return p.quotes.Quote(ctx, ticker)
			})
			if err != nil {
				in.miss("quote", err)
				return nil
			}
			in.quote = &q
			return nil
		})
	}
	if p.rates != nil {
		g.Go(func() error {
			r, err := call(ctx, p.cfg.Fetch.Timeout, p.rates.RiskFree)
			if err != nil {
				in.miss("risk_free", err)
				return nil
			}
			in.rate = &r
			return nil
		})
	}
	_ = g.Wait()

	sortFilings(in.filings)
	sort.SliceStable(in.partial, func(i, j int) bool {
		return in.partial[i].Section < in.partial[j].Section
	})
	return in
}

// fetchFilings resolves the registrant, then reads its facts, filings,
// insider transactions and ownership reports concurrently
func (p *Pipeline) fetchFilings(ctx context.Context, ticker string, since time.Time, in *inputs) {
	if p.filings == nil {
		return
	}
	timeout := p.cfg.Fetch.Timeout
	co, err := call(ctx, timeout, func(ctx context.Context) (provider.Company, error) {
		return p.filings.Company(ctx, ticker)
	})
	if err != nil {
		for _, section := range []string{"company", "facts", "filings", "insiders", "ownership"} {
			in.miss(section, err)
		}
		return
	}
	in.company = co

	var g errgroup.Group
	g.Go(func() error {
		fs, err := call(ctx, timeout, func(ctx context.Context) (*model.FactSet, error) {
			return p.filings.Facts(ctx, co)
		})
		if err != nil {
			in.miss("facts", err)
			return nil
		}
		in.facts = fs
		return nil
	})
	g.Go(func() error {
		list, err := call(ctx, timeout, func(ctx context.Context) ([]model.Filing, error) {
			return p.filings.Filings(ctx, co, since)
		})
		if err != nil {
			in.miss("filings", err)
			return nil
		}
		in.filings = list
		return nil
	})
	g.Go(func() error {
		list, err := call(ctx, timeout, func(ctx context.Context) ([]model.InsiderTransaction, error) {
			return p.filings.Insiders(ctx, co, since)
		})
		if err != nil {
			in.miss("insiders", err)
			return nil
		}
		in.insiders = list
		return nil
	})
	g.Go(func() error {
		list, err := call(ctx, timeout, func(ctx context.Context) ([]model.OwnershipChange, error) {
			return p.filings.Ownership(ctx, co, since)
		})
		if err != nil {
			in.miss("ownership", err)
			return nil
		}
		in.ownership = list
		return nil
	})
	_ = g.Wait()
}

// call runs fn under timeout when one is configured
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
