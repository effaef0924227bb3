package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"

	"github.com/ppiankov/thesiswatch/internal/metrics"
	"github.com/ppiankov/thesiswatch/internal/model"
)

// quoteGet fetches a quote; tests replace it
var quoteGet = quote.Get

// Yahoo reads the regular market price from Yahoo Finance
type Yahoo struct {
	policy  RetryPolicy
	timeout time.Duration
}

func NewYahoo(fetch model.FetchConfig) *Yahoo {
	return &Yahoo{policy: PolicyFrom(fetch), timeout: fetch.Timeout}
}

// Quote returns the latest regular market price of ticker
func (y *Yahoo) Quote(ctx context.Context, ticker string) (model.Quote, error) {
	ticker = strings.ToUpper(ticker)
	if y.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.timeout)
		defer cancel()
	}

	start := time.Now()
	var q *finance.Quote
	err := Retry(ctx, y.policy, func() error {
		got, err := callWithContext(ctx, func() (*finance.Quote, error) { return quoteGet(ticker) })
		if err != nil {
			return err
		}
		q = got
		return nil
	})
	metrics.ObserveFetch("quote", start, err)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: quote %s: %w", ErrUnavailable, ticker, err)
	}
	if q == nil || q.RegularMarketPrice <= 0 {
		return model.Quote{}, fmt.Errorf("%w: no market price for %s", ErrNotFound, ticker)
	}

	asOf := time.Now().UTC()
	if q.RegularMarketTime > 0 {
		asOf = time.Unix(int64(q.RegularMarketTime), 0).UTC()
	}
	return model.Quote{
		Ticker:   ticker,
		Price:    decimal.NewFromFloat(q.RegularMarketPrice),
		Currency: q.CurrencyID,
		AsOf:     asOf,
		URL:      "https://finance.yahoo.com/quote/" + ticker,
	}, nil
}

// callWithContext runs a blocking call that takes no context and abandons it when ctx ends
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// StaticQuote serves a fixed price, used when the price is supplied by hand
type StaticQuote struct {
	Price decimal.Decimal
	AsOf  time.Time
	URL   string
}

func (s StaticQuote) Quote(_ context.Context, ticker string) (model.Quote, error) {
	if !s.Price.IsPositive() {
		return model.Quote{}, fmt.Errorf("%w: no price supplied for %s", ErrNotFound, ticker)
	}
	return model.Quote{Ticker: strings.ToUpper(ticker), Price: s.Price, AsOf: s.AsOf, URL: s.URL}, nil
}
