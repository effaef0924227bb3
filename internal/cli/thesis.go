package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/thesis"
)

var (
	compileSector    string
	compileKills     []string
	compileCatalysts []string
	lockPrice        float64
	closeReason      string
	closePrice       float64
	listTicker       string
)

var compileCmd = &cobra.Command{
	Use:   "compile <ticker> <long|short> <text>",
	Short: "Compile a narrative thesis into claims and kill criteria",
	Long: `Compile turns narrative thesis text into a draft: claims tied to the
sector's KPIs, plus kill criteria (the template's defaults unless declared
with --kill). Drafts are not monitored until locked.

Kill criteria use "metric operator threshold duration", catalysts use
"event@date" where date is 2025-11-20, "Q3 2025" or "next earnings".

Example:
  thesiswatch compile NVDA long "Data center revenue keeps growing and gross margin holds above 70%" --sector semiconductors
  thesiswatch compile ACME long "Margins recover as input costs fall" \
    --kill "gross_margin < 45 2Q" --catalyst "Q3 earnings@2025-11-20"`,
	Args: cobra.MinimumNArgs(3),
	RunE: runCompile,
}

var lockCmd = &cobra.Command{
	Use:   "lock <thesis-id>",
	Short: "Lock a draft thesis and start monitoring it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		in := thesis.LockInput{ID: args[0]}
		if cmd.Flags().Changed("price") {
			in.Price = &lockPrice
		}
		t, err := a.service.Lock(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Printf("Locked %s (%s %s), monitoring since %s\n", t.ID, t.Ticker, t.Direction, t.LockedAt.Format("2006-01-02"))
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <thesis-id>",
	Short: "Close a thesis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return endThesis(cmd, args[0], false)
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <thesis-id>",
	Short: "Mark a thesis as invalidated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return endThesis(cmd, args[0], true)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List theses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.service.List(cmd.Context(), listTicker)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No theses yet. Start with 'thesiswatch compile'.")
			return nil
		}
		printThesisList(os.Stdout, list)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <thesis-id>",
	Short: "Show a thesis as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.service.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, t)
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <thesis-id>",
	Short: "Re-evaluate a thesis against stored KPI history",
	Long: `Evaluate recomputes claim and kill criterion statuses from the KPI
history already stored. It fetches nothing; use 'update' for that.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		t, events, err := a.service.Evaluate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printThesis(os.Stdout, t)
		printEvents(os.Stdout, events)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(compileCmd, lockCmd, closeCmd, killCmd, listCmd, showCmd, evaluateCmd)

	compileCmd.Flags().StringVar(&compileSector, "sector", "", "sector template (default: general)")
	compileCmd.Flags().StringArrayVar(&compileKills, "kill", nil, `kill criterion "metric operator threshold duration" (repeatable)`)
	compileCmd.Flags().StringArrayVar(&compileCatalysts, "catalyst", nil, `catalyst "event@date" (repeatable)`)

	lockCmd.Flags().Float64Var(&lockPrice, "price", 0, "entry price")

	for _, c := range []*cobra.Command{closeCmd, killCmd} {
		c.Flags().StringVar(&closeReason, "reason", "", "why the thesis ends")
		c.Flags().Float64Var(&closePrice, "price", 0, "exit price")
		_ = c.MarkFlagRequired("reason")
	}

	listCmd.Flags().StringVar(&listTicker, "ticker", "", "only theses for this ticker")
}

func runCompile(cmd *cobra.Command, args []string) error {
	in := thesis.CompileInput{
		Ticker:    args[0],
		Direction: model.Direction(args[1]),
		Text:      strings.Join(args[2:], " "),
		Sector:    compileSector,
	}
	for _, s := range compileKills {
		k, err := parseKill(s)
		if err != nil {
			return err
		}
		in.KillCriteria = append(in.KillCriteria, k)
	}
	for _, s := range compileCatalysts {
		c, err := parseCatalyst(s)
		if err != nil {
			return err
		}
		in.Catalysts = append(in.Catalysts, c)
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.service.Compile(cmd.Context(), in)
	if err != nil {
		return err
	}
	printThesis(os.Stdout, t)
	fmt.Printf("\nDraft saved. Review it, then: thesiswatch lock %s\n", t.ID)
	return nil
}

func endThesis(cmd *cobra.Command, id string, killed bool) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	in := thesis.CloseInput{ID: id, Reason: closeReason}
	if cmd.Flags().Changed("price") {
		in.Price = &closePrice
	}
	end := a.service.Close
	if killed {
		end = a.service.Kill
	}
	t, err := end(cmd.Context(), in)
	if err != nil {
		return err
	}
	fmt.Printf("%s is now %s: %s\n", t.ID, t.Status, t.CloseReason)
	return nil
}

// parseKill reads "metric operator threshold duration". The operator may
// span several words ("qoq_decline >").
func parseKill(s string) (thesis.KillInput, error) {
	f := strings.Fields(s)
	if len(f) < 4 {
		return thesis.KillInput{}, fmt.Errorf("kill criterion %q: want \"metric operator threshold duration\"", s)
	}
	threshold, err := strconv.ParseFloat(strings.TrimSuffix(f[len(f)-2], "%"), 64)
	if err != nil {
		return thesis.KillInput{}, fmt.Errorf("kill criterion %q: threshold: %w", s, err)
	}
	return thesis.KillInput{
		Description: s,
		Metric:      f[0],
		Operator:    strings.Join(f[1:len(f)-2], " "),
		Threshold:   threshold,
		Duration:    strings.ToUpper(f[len(f)-1]),
	}, nil
}

// parseCatalyst reads "event@date"
func parseCatalyst(s string) (thesis.CatalystInput, error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return thesis.CatalystInput{}, fmt.Errorf("catalyst %q: want \"event@date\"", s)
	}
	return thesis.CatalystInput{
		Event:        strings.TrimSpace(s[:i]),
		ExpectedDate: strings.TrimSpace(s[i+1:]),
	}, nil
}
