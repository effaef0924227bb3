// Package scheduler runs monitoring cycles for every tracked ticker on a
// cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ppiankov/thesiswatch/internal/worker"
)

// DefaultSpec runs before the US open on weekdays
const DefaultSpec = "0 7 * * 1-5"

// Tickers lists the tickers to monitor
type Tickers interface {
	Tickers(ctx context.Context) ([]string, error)
}

// Runner runs one cycle per ticker
type Runner interface {
	RunTickers(ctx context.Context, tickers []string) []*worker.CycleResult
}

// Summary is the outcome of one scheduled run
type Summary struct {
	Tickers  int
	Complete int
	Partial  int
	Failed   int
	Duration time.Duration
}

// Scheduler triggers a batch of cycles on a cron schedule. A run that is
// still going when the next one is due is skipped.
type Scheduler struct {
	tickers Tickers
	runner  Runner
	timeout time.Duration
	cron    *cron.Cron
	log     zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	running bool
}

// New creates a scheduler. timeout bounds a single run; zero means none.
func New(tickers Tickers, runner Runner, timeout time.Duration) *Scheduler {
	logger := log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		tickers: tickers,
		runner:  runner,
		timeout: timeout,
		log:     logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(&logger)),
			cron.SkipIfStillRunning(cron.PrintfLogger(&logger)),
		)),
	}
}

// Start schedules runs with a standard five-field cron spec or a
// descriptor such as "@every 6h". Runs stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.ctx = ctx
	s.running = true
	s.cron.Start()
	s.log.Info().Str("schedule", spec).Msg("scheduler started")
	return nil
}

// Stop stops scheduling and waits for a running batch to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// Next returns the time of the next scheduled run
func (s *Scheduler) Next() (time.Time, bool) {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error().Err(err).Msg("scheduled run failed")
	}
}

// RunOnce runs a cycle for every tracked ticker now
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	tickers, err := s.tickers.Tickers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list tickers: %w", err)
	}
	sum := Summary{Tickers: len(tickers)}
	if len(tickers) == 0 {
		s.log.Info().Msg("no tickers to monitor")
		return sum, nil
	}

	results := s.runner.RunTickers(ctx, tickers)
	// Tickers never started before ctx ended count as failed
	sum.Failed = len(tickers) - len(results)
	for _, r := range results {
		switch {
		case r.Error != nil:
			sum.Failed++
			s.log.Warn().Err(r.Error).Str("ticker", r.Ticker).Msg("cycle failed")
		case r.Brief != nil && r.Brief.IsPartial():
			sum.Partial++
			s.log.Warn().Str("ticker", r.Ticker).Str("missing", r.Brief.MissingSections()).Msg("cycle partial")
		default:
			sum.Complete++
		}
	}
	sum.Duration = time.Since(start)

	s.log.Info().
		Int("tickers", sum.Tickers).
		Int("complete", sum.Complete).
		Int("partial", sum.Partial).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("scheduled run completed")
	return sum, nil
}
