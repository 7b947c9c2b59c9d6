package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/brensch/urnalog/internal/app"
	"github.com/brensch/urnalog/internal/config"
	"github.com/brensch/urnalog/internal/orchestrator"
)

// Flags for the harvest command
var (
	harvestTUI           bool
	harvestSkipCompleted bool
	harvestOnly          []string
)

// harvestCmd runs the download, unpack, extract and merge pipeline.
var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Download every bundle of the worklist and merge machine models into the store",
	Long: `Walks the (round, region) worklist in order. For each item it:
1. Downloads the outer bundle with parallel range requests.
2. Unpacks every section log from the nested archives.
3. Extracts the section location and machine model.
4. Merges the result into the store and saves it once per item.
A failed item is recorded and the harvest moves on to the next one.
Use --skip-completed to skip items checkpointed by an earlier run and
--only to restrict the worklist, e.g. --only 2t_SP,1t_RJ.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		conn := getDB()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := orchestrator.RunOptions{SkipCompleted: harvestSkipCompleted, Only: harvestOnly}
		if harvestTUI {
			return runHarvestTUI(ctx, cfg, logger, opts)
		}

		sum, err := orchestrator.RunHarvest(ctx, cfg, conn, logger, opts)
		logger.Info("Harvest summary.",
			slog.Int("checkpointed", sum.Checkpointed),
			slog.Int("failed", sum.Failed),
			slog.Int("skipped", sum.Skipped),
			slog.Int("members", sum.Members),
			slog.Int("member_errors", sum.MemberErrors),
			slog.Int("modern", sum.Modern),
			slog.Int("legacy", sum.Legacy),
			slog.Int("anomalies", sum.Anomalies),
			slog.Any("failed_items", sum.FailedItems),
		)
		if err != nil {
			return fmt.Errorf("harvest finished with errors: %w", err)
		}
		return nil
	},
}

// runHarvestTUI runs the harvest behind the progress UI. Logs that would land
// on the terminal go to a file in the output directory instead.
func runHarvestTUI(ctx context.Context, cfg config.Config, logger *slog.Logger, opts orchestrator.RunOptions) error {
	if logWriter == os.Stderr || logWriter == os.Stdout {
		path := filepath.Join(cfg.OutputDir, "urnalog.log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		defer f.Close()
		logger = newLogger(f, logLevelFromLogger(logger))
		fmt.Fprintf(os.Stderr, "Logging to %s\n", path)
	}

	total := len(config.FilterWorklist(cfg.Worklist, opts.Only))
	var program *tea.Program
	model := app.NewAppModel(ctx, total, func(ctx context.Context) (orchestrator.Summary, error) {
		opts.Progress = app.ProgressSender(program)
		return orchestrator.RunHarvest(ctx, cfg, getDB(), logger, opts)
	})
	program = tea.NewProgram(model)

	final, err := program.Run()
	if err != nil {
		return fmt.Errorf("harvest UI: %w", err)
	}
	model.Wait()
	if m, ok := final.(*app.AppModel); ok && m.FatalErr != nil {
		return fmt.Errorf("harvest finished with errors: %w", m.FatalErr)
	}
	return nil
}

func logLevelFromLogger(l *slog.Logger) slog.Level {
	for _, lvl := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn} {
		if l.Enabled(context.Background(), lvl) {
			return lvl
		}
	}
	return slog.LevelError
}

func init() {
	harvestCmd.Flags().BoolVar(&harvestTUI, "tui", false, "Show an interactive progress view")
	harvestCmd.Flags().BoolVar(&harvestSkipCompleted, "skip-completed", false, "Skip work items already checkpointed in the event log")
	harvestCmd.Flags().StringSliceVar(&harvestOnly, "only", nil, "Restrict the worklist to these items (e.g. 2t_SP,1t_RJ)")
}
