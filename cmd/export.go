package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/urnalog/internal/saver"
	"github.com/brensch/urnalog/internal/store"
)

// exportCmd writes the store to Parquet
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the aggregation store to a Parquet file",
	Long: `Loads the aggregation store and writes one row per section, with the
per-round models, the consolidated model and the modern machine flag, to
sections.parquet in the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		st, err := store.Load(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("load store: %w", err)
		}
		logger.Info("Starting sections export...",
			slog.String("store_path", cfg.StorePath),
			slog.String("output_dir", cfg.OutputDir),
			slog.Int("sections", st.Len()),
		)

		path, err := saver.SaveSectionsToParquet(st.Rows(), cfg.OutputDir, logger)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}
