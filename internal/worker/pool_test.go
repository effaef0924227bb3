package worker

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// gaugeCycler records the peak number of cycles running at once
type gaugeCycler struct {
	delay   time.Duration
	running int32
	peak    int32
}

func (g *gaugeCycler) Run(ctx context.Context, ticker string) (*model.Brief, error) {
	n := atomic.AddInt32(&g.running, 1)
	defer atomic.AddInt32(&g.running, -1)
	for {
		peak := atomic.LoadInt32(&g.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&g.peak, peak, n) {
			break
		}
	}
	select {
	case <-time.After(g.delay):
		return &model.Brief{Ticker: ticker}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func submitAll(t *testing.T, p *Pool, c Cycler, tickers ...string) {
	t.Helper()
	for _, tk := range tickers {
		if !p.Submit(&CycleJob{Ticker: tk, Cycler: c}) {
			t.Fatalf("submit %s rejected", tk)
		}
	}
}

func tickersOf(results []Result) []string {
	var out []string
	for _, r := range results {
		out = append(out, r.(*CycleResult).Ticker)
	}
	sort.Strings(out)
	return out
}

func TestNewPoolWorkerFloor(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{5, 5},
		{1, 1},
		{0, 1},
		{-3, 1},
	}
	for _, tt := range tests {
		if got := NewPool(context.Background(), tt.in).workers; got != tt.want {
			t.Errorf("NewPool(%d).workers = %d, want %d", tt.in, got, tt.want)
		}
	}
	if NewPool(nil, 2).ctx == nil {
		t.Error("nil parent should fall back to a background context")
	}
}

func TestPool_RunsEveryCycle(t *testing.T) {
	c := &gaugeCycler{delay: 5 * time.Millisecond}
	p := NewPool(context.Background(), 2)
	p.Start()
	submitAll(t, p, c, "MSFT", "AAPL", "NVDA")

	results := p.Wait()
	got := tickersOf(results)
	want := []string{"AAPL", "MSFT", "NVDA"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result %d = %s, want %s", i, got[i], want[i])
		}
	}
	for _, r := range results {
		if err := r.GetError(); err != nil {
			t.Errorf("%s: unexpected error %v", r.(*CycleResult).Ticker, err)
		}
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const workers = 3
	c := &gaugeCycler{delay: 20 * time.Millisecond}
	p := NewPool(context.Background(), workers)
	p.Start()
	// The queue holds twice the workers, so nine submissions never block
	submitAll(t, p, c, "A", "B", "C", "D", "E", "F", "G", "H", "I")
	results := p.Wait()

	if len(results) != 9 {
		t.Fatalf("expected 9 results, got %d", len(results))
	}
	if peak := atomic.LoadInt32(&c.peak); peak > workers {
		t.Errorf("peak concurrency %d exceeds %d workers", peak, workers)
	}
}

func TestPool_CollectsFailures(t *testing.T) {
	m := &mockCycler{fail: map[string]bool{"FAIL": true}}
	p := NewPool(context.Background(), 2)
	p.Start()
	submitAll(t, p, m, "AAPL", "FAIL")

	c := NewResultCollector()
	for _, r := range p.Wait() {
		c.Add(r)
	}
	if len(c.Results()) != 2 {
		t.Fatalf("expected 2 results, got %d", len(c.Results()))
	}
	if errs := c.Errors(); len(errs) != 1 {
		t.Errorf("expected 1 error, got %d", len(errs))
	}
}

func TestPool_ParentCancelStopsCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(ctx, 1)
	p.Start()
	submitAll(t, p, &gaugeCycler{delay: time.Minute}, "SLOW")
	cancel()

	done := make(chan []Result)
	go func() { done <- p.Wait() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after parent cancel")
	}
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := NewPool(context.Background(), 2)
	p.Start()
	p.Shutdown()

	done := make(chan bool)
	go func() { done <- p.Submit(&CycleJob{Ticker: "LATE", Cycler: &mockCycler{}}) }()

	select {
	case accepted := <-done:
		if accepted {
			t.Error("submit after shutdown should be rejected")
		}
	case <-time.After(time.Second):
		t.Fatal("Submit blocked after shutdown")
	}
}

func TestPool_ShutdownClosesResults(t *testing.T) {
	p := NewPool(context.Background(), 1)
	p.Start()
	submitAll(t, p, &gaugeCycler{delay: time.Minute}, "SLOW")

	p.Shutdown()
	select {
	case _, ok := <-p.results:
		for ok {
			_, ok = <-p.results
		}
	case <-time.After(time.Second):
		t.Fatal("results not closed after shutdown")
	}
}
