package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/brensch/urnalog/internal/config"
	"github.com/brensch/urnalog/internal/db"
	"github.com/brensch/urnalog/internal/downloader"
	"github.com/brensch/urnalog/internal/extractor"
	"github.com/brensch/urnalog/internal/store"
	"github.com/brensch/urnalog/internal/unpacker"
	"github.com/brensch/urnalog/internal/util"
)

// RunOptions are the per-invocation switches of a harvest.
type RunOptions struct {
	SkipCompleted bool
	Only          []string // work item keys, e.g. "2t_SP"; empty means all
	Progress      ProgressFunc
}

// RunHarvest wires the production collaborators and harvests the configured
// worklist. dbConn may be nil, in which case no events are recorded and
// SkipCompleted has no effect.
func RunHarvest(ctx context.Context, cfg config.Config, dbConn *sql.DB, logger *slog.Logger, opts RunOptions) (Summary, error) {
	items := config.FilterWorklist(cfg.Worklist, opts.Only)
	if len(items) == 0 {
		logger.Warn("No work items selected.", slog.Any("only", opts.Only))
		return Summary{}, nil
	}

	var completed map[string]bool
	var events Recorder
	if dbConn != nil {
		el := db.NewEventLog(dbConn, logger)
		events = el
		logger = logger.With(slog.String("run_id", el.RunID()))
		if opts.SkipCompleted {
			var err error
			completed, err = db.GetCompletedWorkItems(ctx, dbConn, logger)
			if err != nil {
				// a partial map is still usable
				logger.Warn("Could not read all checkpointed work items.", "error", err)
			}
		}
	}

	st, err := store.Load(cfg.StorePath)
	if err != nil {
		return Summary{}, fmt.Errorf("load store: %w", err)
	}
	logger.Info("Loaded aggregation store.", slog.String("path", cfg.StorePath), slog.Int("sections", st.Len()))

	client := util.NewHTTPClient(util.ClientOptions{
		StallTimeout: cfg.StallTimeoutDuration(),
		RetryCount:   cfg.RetryCount,
		RetryWait:    cfg.RetryWaitDuration(),
		Logger:       logger,
	})

	h := NewHarvester(cfg, Deps{
		Fetcher: downloader.New(client, cfg.Connections, logger),
		Source: unpacker.New(unpacker.Options{
			ScratchDir:  cfg.ScratchDir,
			Suffix:      cfg.InnerSuffix,
			PayloadName: cfg.PayloadName,
		}, logger),
		Extractor: extractor.New(cfg.InnerSuffix),
		Store:     st,
		Events:    events,
		Progress:  opts.Progress,
		Completed: completed,
	}, logger)

	return h.Run(ctx, items)
}
