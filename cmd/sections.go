package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/brensch/urnalog/internal/store"
)

var (
	sectionsRegion string
	sectionsLimit  int
)

// sectionsCmd lists store rows
var sectionsCmd = &cobra.Command{
	Use:   "sections",
	Short: "List sections in the aggregation store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		st, err := store.Load(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("load store: %w", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleRounded)
		t.SetTitle(fmt.Sprintf("Sections in %s", st.Path()))
		t.AppendHeader(table.Row{"Section", "Region", "Municipality", "Zone", "Section #", "Round 1", "Round 2", "Model", "Modern"})

		shown, matched := 0, 0
		region := strings.ToUpper(strings.TrimSpace(sectionsRegion))
		for _, r := range st.Rows() {
			if region != "" && r.Region != region {
				continue
			}
			matched++
			if sectionsLimit > 0 && shown >= sectionsLimit {
				continue
			}
			t.AppendRow(table.Row{r.SectionID, r.Region, r.MunicipalityCode, r.ZoneNumber, r.SectionNumber, r.ModelRound1, r.ModelRound2, r.Model, r.ModernMachine})
			shown++
		}
		t.AppendFooter(table.Row{"", "", "", "", "", "", "", "shown", fmt.Sprintf("%d/%d", shown, matched)})
		t.Render()
		return nil
	},
}

func init() {
	sectionsCmd.Flags().StringVarP(&sectionsRegion, "region", "r", "", "Only list sections of this region (e.g. SP)")
	sectionsCmd.Flags().IntVarP(&sectionsLimit, "limit", "n", 50, "Maximum rows to print (0 for all)")
}
