package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// Cycler runs one evaluation cycle for a ticker
type Cycler interface {
	Run(ctx context.Context, ticker string) (*model.Brief, error)
}

// CycleJob runs a single ticker cycle on the pool
type CycleJob struct {
	Ticker string
	Cycler Cycler
}

func (j *CycleJob) Execute(ctx context.Context) Result {
	start := time.Now()
	brief, err := j.Cycler.Run(ctx, j.Ticker)
	return &CycleResult{
		Ticker:   j.Ticker,
		Brief:    brief,
		Error:    err,
		Duration: time.Since(start),
	}
}

// CycleResult is the outcome of one ticker cycle
type CycleResult struct {
	Ticker   string
	Brief    *model.Brief
	Error    error
	Duration time.Duration
}

func (r *CycleResult) GetError() error {
	return r.Error
}

// BatchRunner runs cycles for many tickers in parallel. A failing ticker
// never stops the others.
type BatchRunner struct {
	cycler      Cycler
	concurrency int
}

func NewBatchRunner(cycler Cycler, concurrency int) *BatchRunner {
	return &BatchRunner{
		cycler:      cycler,
		concurrency: concurrency,
	}
}

// RunTickers runs every ticker once and returns results sorted by ticker
func (b *BatchRunner) RunTickers(ctx context.Context, tickers []string) []*CycleResult {
	if len(tickers) == 0 {
		return []*CycleResult{}
	}

	pool := NewPool(ctx, b.concurrency)
	pool.Start()

	go func() {
		for _, t := range tickers {
			if !pool.Submit(&CycleJob{Ticker: t, Cycler: b.cycler}) {
				return
			}
		}
	}()

	out := make([]*CycleResult, 0, len(tickers))
	for _, r := range drain(pool, len(tickers)) {
		out = append(out, r.(*CycleResult))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// drain collects n results, or fewer if the context ends first
func drain(p *Pool, n int) []Result {
	results := make([]Result, 0, n)
	for len(results) < n {
		select {
		case r, ok := <-p.results:
			if !ok {
				return results
			}
			results = append(results, r)
		case <-p.ctx.Done():
			p.Shutdown()
			for r := range p.results {
				results = append(results, r)
			}
			return results
		}
	}
	p.Shutdown()
	return results
}

// RunFile reads tickers from path and runs them
func (b *BatchRunner) RunFile(ctx context.Context, path string) ([]*CycleResult, error) {
	tickers, err := ReadTickersFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tickers: %w", err)
	}
	return b.RunTickers(ctx, tickers), nil
}

// ReadTickersFromFile reads one ticker per line. Blank lines and '#'
// comments are skipped, tickers are upper-cased and de-duplicated.
func ReadTickersFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var tickers []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.ToUpper(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		if !seen[line] {
			seen[line] = true
			tickers = append(tickers, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return tickers, nil
}
