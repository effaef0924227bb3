package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect sector templates",
	Long: `Sector templates declare which KPIs are computed for a sector, the
accounting adjustments, the default kill criteria, the valuation method and
which quality scores apply. Override or add templates with --templates.`,
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sector templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SECTOR\tNAME\tKPIS\tVALUATION")
		for _, sector := range registry.Sectors() {
			t, err := registry.Lookup(sector)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.Sector, t.DisplayName, len(t.KPIs), t.Valuation)
		}
		return tw.Flush()
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <sector>",
	Short: "Show a sector template as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry()
		if err != nil {
			return err
		}
		t, err := registry.Lookup(args[0])
		if err != nil {
			return fmt.Errorf("%w (see 'thesiswatch templates list')", err)
		}
		return printYAML(t)
	},
}

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesShowCmd)
}
