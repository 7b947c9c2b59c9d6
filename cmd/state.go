package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/brensch/urnalog/internal/config"
	"github.com/brensch/urnalog/internal/db"
)

var stateLimit int
var stateFilterEvent string
var stateLatest bool
var stateOnly []string

// stateCmd shows the harvest event log
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View the harvest event log",
	Long: `Queries the DuckDB event log and displays the state transitions of work
items across runs, newest first. Use --event to filter (e.g. failed,
checkpointed) and --limit to bound the output. With --latest it instead shows
the most recent event of every worklist item (restricted by --only).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		if stateLatest {
			items := config.FilterWorklist(getConfig().Worklist, stateOnly)
			logger.Debug("Querying latest event per work item", "items", len(items))
			return db.DisplayLatestEvents(context.Background(), getDB(), cmd.OutOrStdout(), items)
		}
		logger.Debug("Querying database event log", "event_filter", stateFilterEvent, "limit", stateLimit)

		if err := db.DisplayHistory(context.Background(), getDB(), cmd.OutOrStdout(), stateFilterEvent, stateLimit); err != nil {
			logger.Error("Failed to display state history", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().BoolVar(&stateLatest, "latest", false, "Show the latest event of each worklist item")
	stateCmd.Flags().StringSliceVar(&stateOnly, "only", nil, "With --latest, restrict to these items (e.g. 2t_SP,1t_RJ)")
	stateCmd.Flags().StringVarP(&stateFilterEvent, "event", "e", "", "Filter records by event (pending, downloading, unpacking, extracting, checkpointed, failed, skipped)")
}
