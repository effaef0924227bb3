package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ppiankov/thesiswatch/internal/metrics"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/scheduler"
	"github.com/ppiankov/thesiswatch/internal/util"
	"github.com/ppiankov/thesiswatch/internal/validate"
	"github.com/ppiankov/thesiswatch/internal/worker"
)

var (
	updateSince   string
	briefJSON     bool
	checkLinks    bool
	workers       int
	batchTimeout  time.Duration
	watchSchedule string
	watchNow      bool
)

var updateCmd = &cobra.Command{
	Use:   "update <ticker>",
	Short: "Fetch new filings and market data, re-evaluate, and list what changed",
	Long: `Update runs one monitoring cycle for a ticker: it fetches filings,
insider and ownership reports, XBRL facts, the quote and the risk-free rate,
recomputes KPIs, the market-implied expectation and every claim and kill
criterion, then prints the change events logged since --since.

Example:
  thesiswatch update NVDA
  thesiswatch update NVDA --since 2025-01-01`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since := time.Now().UTC().AddDate(0, 0, -30)
		if updateSince != "" {
			t, err := time.Parse("2006-01-02", updateSince)
			if err != nil {
				return fmt.Errorf("--since: want YYYY-MM-DD: %w", err)
			}
			since = t
		}

		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.service.Update(cmd.Context(), args[0], since)
		if err != nil {
			return err
		}
		if b, err := a.service.Brief(cmd.Context(), args[0]); err == nil && b.IsPartial() {
			fmt.Fprintln(os.Stderr, watchStyle.Render("partial cycle, missing: "+b.MissingSections()))
		}
		printEvents(os.Stdout, events)
		return nil
	},
}

var briefCmd = &cobra.Command{
	Use:   "brief <ticker>",
	Short: "Show the brief of the last monitoring cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.service.Brief(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if briefJSON {
			if err := printJSON(os.Stdout, b); err != nil {
				return err
			}
		} else {
			printBrief(os.Stdout, b)
		}
		if checkLinks {
			return reportLinks(cmd.Context(), a, b)
		}
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Run monitoring cycles for tickers listed in a file, in parallel",
	Long: `Batch reads one ticker per line ('#' starts a comment) and runs a
monitoring cycle for each with a bounded worker pool. Cycles of the same
ticker never overlap.

Example:
  thesiswatch batch watchlist.txt
  thesiswatch batch watchlist.txt --workers 2 --timeout 20m`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor every tracked ticker on a schedule",
	Long: `Watch runs a cycle for every ticker with a thesis on the configured
cron schedule (default: weekdays 07:00) until interrupted, and serves
Prometheus metrics when metrics.addr is set.

Example:
  thesiswatch watch
  thesiswatch watch --schedule "@every 6h" --now`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(updateCmd, briefCmd, batchCmd, watchCmd)

	updateCmd.Flags().StringVar(&updateSince, "since", "", "list events after this date (YYYY-MM-DD, default: 30 days ago)")

	briefCmd.Flags().BoolVar(&briefJSON, "json", false, "print the brief as JSON")
	briefCmd.Flags().BoolVar(&checkLinks, "check-links", false, "check that every cited URL resolves")

	for _, c := range []*cobra.Command{batchCmd, watchCmd} {
		c.Flags().IntVar(&workers, "workers", 0, "parallel cycles (default: concurrency.workers)")
		c.Flags().DurationVar(&batchTimeout, "timeout", 30*time.Minute, "bound on one batch of cycles")
	}
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "cron spec overriding schedule.spec")
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "run once immediately before waiting for the schedule")
}

func (a *app) runner() *worker.BatchRunner {
	n := a.cfg.Concurrency.Workers
	if workers > 0 {
		n = workers
	}
	return worker.NewBatchRunner(a.pipeline, n)
}

func runBatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), batchTimeout)
	defer cancel()

	start := time.Now()
	results, err := a.runner().RunFile(ctx, args[0])
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tRESULT\tEVENTS\tTOOK")
	failed := 0
	for _, r := range results {
		switch {
		case r.Error != nil:
			failed++
			fmt.Fprintf(tw, "%s\t%s\t-\t%s\n", r.Ticker, breachStyle.Render("failed: "+r.Error.Error()), r.Duration.Round(time.Millisecond))
		case r.Brief.IsPartial():
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Ticker, watchStyle.Render("partial: "+r.Brief.MissingSections()), len(r.Brief.Changes), r.Duration.Round(time.Millisecond))
		default:
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Ticker, okStyle.Render("complete"), len(r.Brief.Changes), r.Duration.Round(time.Millisecond))
		}
	}
	_ = tw.Flush()

	log.Info().Int("tickers", len(results)).Int("failed", failed).Dur("took", time.Since(start)).Msg("batch completed")
	if failed > 0 {
		return fmt.Errorf("%d of %d cycles failed", failed, len(results))
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if a.cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Str("addr", a.cfg.Metrics.Addr).Msg("metrics endpoint stopped")
			}
		}()
		log.Info().Str("addr", a.cfg.Metrics.Addr).Msg("serving /metrics")
	}

	sched := scheduler.New(a.store, a.runner(), batchTimeout)
	spec := a.cfg.Schedule.Spec
	if watchSchedule != "" {
		spec = watchSchedule
	}
	if watchNow {
		if _, err := sched.RunOnce(ctx); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx, spec); err != nil {
		return err
	}
	if next, ok := sched.Next(); ok {
		log.Info().Time("next", next).Msg("waiting for next run")
	}

	<-ctx.Done()
	sched.Stop()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// reportLinks checks every cited URL and prints the ones that fail
func reportLinks(ctx context.Context, a *app, b *model.Brief) error {
	auth := validate.DefaultAuthority()
	checker := validate.NewLinkChecker(validate.LinkOptions{
		Timeout:   a.cfg.SEC.Timeout,
		UserAgent: a.cfg.SEC.UserAgent,
		Authority: &auth,
		Proxy:     util.NewProxyFunc(a.cfg.Fetch.HTTPProxy, a.cfg.Fetch.HTTPSProxy, a.cfg.Fetch.NoProxy),
		Limiter:   a.limiter,
	})
	checks := checker.CheckBrief(ctx, b)

	var dead []string
	for _, c := range checks {
		if c.IsDead || !c.IsAccessible {
			reason := c.Error
			if reason == "" {
				reason = fmt.Sprintf("HTTP %d", c.StatusCode)
			}
			dead = append(dead, fmt.Sprintf("  %s (%s)", c.URL, reason))
		}
	}
	fmt.Fprintf(os.Stderr, "\nChecked %d cited URLs, %d unreachable\n", len(checks), len(dead))
	if len(dead) > 0 {
		fmt.Fprintln(os.Stderr, strings.Join(dead, "\n"))
		return fmt.Errorf("%d cited URLs unreachable", len(dead))
	}
	return nil
}
