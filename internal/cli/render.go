package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/thesiswatch/internal/model"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	watchStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
	breachStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

// status colors a claim, kill or severity label
func status(s string) string {
	switch s {
	case string(model.KillOK), string(model.ClaimSupported), string(model.SeverityInfo):
		return okStyle.Render(s)
	case string(model.KillWatch), string(model.ClaimMixed): // also SeverityWatch ("watch")
		return watchStyle.Render(s)
	case string(model.KillBreach), string(model.ClaimChallenged): // also SeverityBreach ("breach")
		return breachStyle.Render(s)
	}
	return s
}

// figure renders a value or its null reason
func figure(f model.Figure, unit string) string {
	if !f.Valid() {
		reason := f.NullReason
		if reason == "" {
			reason = "n/a"
		}
		return dimStyle.Render("null (" + reason + ")")
	}
	v := strconv.FormatFloat(f.Float(), 'f', 2, 64)
	switch unit {
	case "%":
		return v + "%"
	case "$":
		return "$" + v
	case "":
		return v
	}
	return v + " " + unit
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func printThesisList(w io.Writer, list []model.Thesis) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTICKER\tDIRECTION\tSECTOR\tSTATUS\tCLAIMS\tKILL")
	for _, t := range list {
		breached := 0
		for _, k := range t.KillCriteria {
			if k.Status == model.KillBreach {
				breached++
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d/%d breached\n",
			t.ID, t.Ticker, t.Direction, t.Sector, t.Status, len(t.Claims), breached, len(t.KillCriteria))
	}
	_ = tw.Flush()
}

func printThesis(w io.Writer, t *model.Thesis) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s  %s %s  [%s]", t.ID, t.Ticker, t.Direction, t.Status)))
	fmt.Fprintf(w, "Sector: %s\n", t.Sector)
	fmt.Fprintf(w, "%s\n", dimStyle.Render(t.Text))
	printClaims(w, t.Claims)
	printKills(w, t.KillCriteria)
	printCatalysts(w, t.Catalysts)
}

func printClaims(w io.Writer, claims []model.Claim) {
	if len(claims) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", sectionStyle.Render("Claims"))
	for _, c := range claims {
		st := string(c.Status)
		if st == "" {
			st = "pending"
		}
		fmt.Fprintf(w, "  %s  %s  (%s %s)\n", c.ID, status(st), c.KPIID, c.Required)
		fmt.Fprintf(w, "      %s\n", c.Statement)
		if c.Period != "" {
			fmt.Fprintf(w, "      %s: %s  QoQ %s  YoY %s\n", c.Period, figure(c.CurrentValue, ""), figure(c.QoQDelta, ""), figure(c.YoYDelta, ""))
		}
		if c.StatusReason != "" {
			fmt.Fprintf(w, "      %s\n", dimStyle.Render(c.StatusReason))
		}
		for _, e := range c.Disconfirming {
			fmt.Fprintf(w, "      - [%s] %q\n", e.Tag, e.Citation.Excerpt)
			fmt.Fprintf(w, "        %s\n", dimStyle.Render(e.Citation.String()))
		}
	}
}

func printKills(w io.Writer, kills []model.KillCriterion) {
	if len(kills) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", sectionStyle.Render("Kill criteria"))
	for _, k := range kills {
		st := string(k.Status)
		if st == "" {
			st = "pending"
		}
		fmt.Fprintf(w, "  %s  %s  %s %s %g for %s\n", k.ID, status(st), k.Metric, k.Operator, k.Threshold, k.Duration)
		if k.Period != "" || k.CurrentValue.Valid() {
			fmt.Fprintf(w, "      current %s  distance %s (%s)  violations %d\n",
				figure(k.CurrentValue, ""), figure(k.Distance, ""), figure(k.DistancePct, "%"), k.Consecutive)
		}
		if k.WatchReason != "" {
			fmt.Fprintf(w, "      %s\n", dimStyle.Render(k.WatchReason))
		}
	}
}

func printCatalysts(w io.Writer, cats []model.Catalyst) {
	if len(cats) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", sectionStyle.Render("Catalysts"))
	for _, c := range cats {
		mark := " "
		if c.Occurred {
			mark = "x"
		}
		fmt.Fprintf(w, "  [%s] %s  %s  %s\n", mark, c.ID, c.ExpectedDate, c.Event)
	}
}

func printEvents(w io.Writer, events []model.ChangeEvent) {
	fmt.Fprintf(w, "\n%s\n", sectionStyle.Render("What changed"))
	if len(events) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  nothing new"))
		return
	}
	for _, e := range events {
		fmt.Fprintf(w, "  %s  %-7s  %s  %s\n", e.Timestamp.Format("2006-01-02"), status(string(e.Severity)), e.Type, e.Fact)
		for _, k := range e.KillCriteria {
			if k.Transition != "" {
				fmt.Fprintf(w, "      %s: %s\n", k.KillCriterionID, k.Transition)
			}
		}
		if e.Interpretation != nil {
			fmt.Fprintf(w, "      %s\n", dimStyle.Render("interpretation: "+e.Interpretation.Text))
		}
		fmt.Fprintf(w, "      %s\n", dimStyle.Render(e.Citation.String()))
	}
}

// printBrief renders the brief for a terminal. --json prints the structure.
func printBrief(w io.Writer, b *model.Brief) {
	name := b.Ticker
	if b.EntityName != "" {
		name += "  " + b.EntityName
	}
	fmt.Fprintln(w, titleStyle.Render(name))
	fmt.Fprintf(w, "%s\n", dimStyle.Render(fmt.Sprintf("cycle %s  generated %s  sector %s",
		b.CycleID, b.GeneratedAt.Format("2006-01-02 15:04 MST"), b.Sector)))
	if b.IsPartial() {
		fmt.Fprintln(w, watchStyle.Render("partial brief, missing: "+b.MissingSections()))
	}

	fmt.Fprintf(w, "\nPrice: %s\n", figure(b.Price, "$"))
	if b.EV != nil {
		fmt.Fprintf(w, "EV: %s\n", dimStyle.Render(b.EV.Summary))
	}
	if m := b.Implied; m != nil {
		fmt.Fprintf(w, "\n%s (%s)\n", sectionStyle.Render("Market-implied"), m.Method)
		if m.Failure != nil {
			fmt.Fprintf(w, "  %s: %s\n", m.ImpliedLabel, breachStyle.Render(m.Failure.Code+": "+m.Failure.Message))
		} else {
			fmt.Fprintf(w, "  %s: %s\n", m.ImpliedLabel, figure(percent(m.Implied), "%"))
		}
		fmt.Fprintf(w, "  discount: %s\n", m.DiscountBuild)
		for _, s := range m.Sensitivity {
			fmt.Fprintf(w, "    %-16s %s\n", s.Label, figure(percent(s.Implied), "%"))
		}
	}

	if len(b.KPIs) > 0 {
		fmt.Fprintf(w, "\n%s\n", sectionStyle.Render("KPIs"))
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, k := range b.KPIs {
			fmt.Fprintf(tw, "  %s\t%s\t%s\tQoQ %s\tYoY %s\n", k.Label, k.Period.Label(),
				figure(k.Value, k.Unit), figure(k.QoQDelta, ""), figure(k.YoYDelta, ""))
		}
		_ = tw.Flush()
	}
	if len(b.Scores) > 0 || len(b.Excluded) > 0 {
		fmt.Fprintf(w, "\n%s\n", sectionStyle.Render("Quality scores"))
		for _, s := range b.Scores {
			fmt.Fprintf(w, "  %s: %s  %s\n", s.Name, figure(s.Value, ""), dimStyle.Render(s.Interpretation))
		}
		for _, s := range b.Excluded {
			fmt.Fprintf(w, "  %s: %s\n", s.Name, dimStyle.Render("excluded, "+s.Reason))
		}
	}

	printClaims(w, b.Claims)
	printKills(w, b.KillCriteria)
	printCatalysts(w, b.Catalysts)
	printEvents(w, b.Changes)

	if x := b.Extraction; x != nil && x.Enabled {
		fmt.Fprintf(w, "\n%s\n", dimStyle.Render(fmt.Sprintf("evidence extraction: %s %s, %d excerpts", x.Provider, x.Model, x.Excerpts)))
		if len(x.Absent) > 0 {
			fmt.Fprintf(w, "%s\n", dimStyle.Render("no direct evidence found for "+strings.Join(x.Absent, ", ")))
		}
		for _, warn := range x.Warnings {
			fmt.Fprintf(w, "%s\n", watchStyle.Render("warning: "+warn))
		}
	}
	fmt.Fprintf(w, "\n%s\n", dimStyle.Render("Non-normative: no recommendation, price target or probability. Every number is cited or null with a reason."))
}

// percent scales a rate figure for display
func percent(f model.Figure) model.Figure {
	if !f.Valid() {
		return f
	}
	v := f.Float() * 100
	out := f
	out.Value = &v
	return out
}
