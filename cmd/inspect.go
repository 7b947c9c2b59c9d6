package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brensch/urnalog/internal/inspector"
	"github.com/brensch/urnalog/internal/saver"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize the Parquet export per region using DuckDB",
	Long:  `Runs a per-region aggregation in DuckDB over sections.parquet in the output directory (see 'export') and prints section counts, the share of modern machines, and the models seen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		path := filepath.Join(cfg.OutputDir, saver.SectionsFile)
		if err := inspector.InspectSections(context.Background(), path, cmd.OutOrStdout(), logger); err != nil {
			return fmt.Errorf("inspection failed: %w", err)
		}
		return nil
	},
}
