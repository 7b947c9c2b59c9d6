package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"time"

	"github.com/brensch/urnalog/internal/config"
	"github.com/brensch/urnalog/internal/db"
	"github.com/brensch/urnalog/internal/extractor"
	"github.com/brensch/urnalog/internal/model"
	"github.com/brensch/urnalog/internal/unpacker"
)

// Fetcher downloads a remote archive to a local path.
type Fetcher interface {
	Download(ctx context.Context, url, dest string) error
}

// MemberSource yields the decoded members of a local outer archive.
type MemberSource interface {
	Unpack(ctx context.Context, path string) iter.Seq[unpacker.Member]
}

// Recorder appends work item transitions to the event log.
type Recorder interface {
	Record(ctx context.Context, ev db.Event) error
}

// Store is the aggregation store the harvester merges into.
type Store interface {
	Upsert(f model.Fragment)
	Save() error
	Len() int
}

// Progress is published after every state change and every member.
type Progress struct {
	Item         model.WorkItem
	Index        int // zero-based position in the worklist
	Total        int
	State        string // one of the db.Event* constants
	Members      int
	MemberErrors int
	Err          error
}

type ProgressFunc func(Progress)

// Summary counts what a run did.
type Summary struct {
	Items        int
	Checkpointed int
	Failed       int
	Skipped      int
	Members      int
	MemberErrors int
	Modern       int
	Legacy       int
	Anomalies    int
	FailedItems  []string
	Duration     time.Duration
}

// Deps are the collaborators of a Harvester. Events and Progress may be nil.
type Deps struct {
	Fetcher   Fetcher
	Source    MemberSource
	Extractor *extractor.Extractor
	Store     Store
	Events    Recorder
	Progress  ProgressFunc
	// Completed holds work item keys to skip, as returned by
	// db.GetCompletedWorkItems.
	Completed map[string]bool
}

// Harvester drives download, unpack, extract and merge for each work item in
// turn. It owns the store for the duration of Run.
type Harvester struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
}

func NewHarvester(cfg config.Config, deps Deps, logger *slog.Logger) *Harvester {
	return &Harvester{cfg: cfg, deps: deps, logger: logger}
}

// errFatal marks failures that must stop the whole run.
var errFatal = errors.New("fatal")

// Run processes items in order. A failed item is recorded and the run moves
// on; only a store persistence error or cancellation ends it early.
func (h *Harvester) Run(ctx context.Context, items []model.WorkItem) (Summary, error) {
	start := time.Now()
	sum := Summary{Items: len(items)}
	h.logger.Info("Starting harvest.", slog.Int("work_items", len(items)), slog.Int("store_sections", h.deps.Store.Len()))

	var itemErrs error
	for i, item := range items {
		if ctx.Err() != nil {
			h.logger.Warn("Harvest cancelled.", slog.Int("remaining", len(items)-i))
			sum.Duration = time.Since(start)
			return sum, errors.Join(itemErrs, ctx.Err())
		}
		l := h.logger.With(slog.String("work_item", item.Key()), slog.Int("item_num", i+1), slog.Int("total_items", len(items)))
		p := Progress{Item: item, Index: i, Total: len(items)}

		if h.deps.Completed[item.Key()] {
			l.Info("Skipping work item, already checkpointed.")
			sum.Skipped++
			h.record(ctx, l, db.Event{Item: item, Event: db.EventSkipped, Message: "already checkpointed"})
			p.State = db.EventSkipped
			h.publish(p)
			continue
		}

		err := h.runItem(ctx, l, &sum, p)
		switch {
		case err == nil:
			sum.Checkpointed++
		case errors.Is(err, errFatal):
			sum.Failed++
			sum.FailedItems = append(sum.FailedItems, item.Key())
			sum.Duration = time.Since(start)
			return sum, errors.Join(itemErrs, err)
		default:
			sum.Failed++
			sum.FailedItems = append(sum.FailedItems, item.Key())
			itemErrs = errors.Join(itemErrs, fmt.Errorf("%s: %w", item.Key(), err))
			if ctx.Err() != nil {
				sum.Duration = time.Since(start)
				return sum, errors.Join(itemErrs, ctx.Err())
			}
		}
	}

	sum.Duration = time.Since(start)
	h.logger.Info("Harvest finished.",
		slog.Int("checkpointed", sum.Checkpointed),
		slog.Int("failed", sum.Failed),
		slog.Int("skipped", sum.Skipped),
		slog.Int("members", sum.Members),
		slog.Int("member_errors", sum.MemberErrors),
		slog.Int("store_sections", h.deps.Store.Len()),
		slog.Duration("duration", sum.Duration.Round(time.Millisecond)),
	)
	return sum, itemErrs
}

// runItem takes one work item from pending to checkpointed. The outer
// archive is removed on every path once it has been downloaded.
func (h *Harvester) runItem(ctx context.Context, l *slog.Logger, sum *Summary, p Progress) error {
	item := p.Item
	itemStart := time.Now()

	fail := func(err error) error {
		d := time.Since(itemStart)
		l.Error("Work item failed.", "error", err)
		h.record(ctx, l, db.Event{Item: item, Event: db.EventFailed, Members: &p.Members, MemberErrors: &p.MemberErrors, Message: err.Error(), Duration: &d})
		p.State = db.EventFailed
		p.Err = err
		h.publish(p)
		return err
	}
	transition := func(state string) {
		h.record(ctx, l, db.Event{Item: item, Event: state})
		p.State = state
		h.publish(p)
	}

	transition(db.EventPending)

	// --- Download ---
	url := h.cfg.URLFor(item)
	dest := h.cfg.ArchivePathFor(item)
	transition(db.EventDownloading)
	l.Info("Downloading outer archive.", slog.String("url", url))
	if err := h.deps.Fetcher.Download(ctx, url, dest); err != nil {
		return fail(fmt.Errorf("download: %w", err))
	}
	defer func() {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			l.Warn("Failed to remove outer archive.", slog.String("path", dest), "error", err)
		}
	}()

	// --- Unpack and extract ---
	transition(db.EventUnpacking)
	extracting := false
	var unreadable error
	for m := range h.deps.Source.Unpack(ctx, dest) {
		if errors.Is(m.Err, unpacker.ErrUnreadableArchive) {
			unreadable = m.Err
			break
		}
		if !extracting {
			extracting = true
			transition(db.EventExtracting)
		}
		p.Members++
		if h.processMember(l, sum, item, m) {
			p.MemberErrors++
		}
		h.publish(p)
	}
	sum.Members += p.Members
	sum.MemberErrors += p.MemberErrors
	if unreadable != nil {
		// nothing was merged; leave the item retryable
		return fail(fmt.Errorf("unpack: %w", unreadable))
	}

	// --- Checkpoint ---
	if err := h.deps.Store.Save(); err != nil {
		err = fmt.Errorf("%w: save store: %v", errFatal, err)
		return fail(err)
	}
	if ctx.Err() != nil {
		return fail(fmt.Errorf("interrupted after %d members: %w", p.Members, ctx.Err()))
	}

	d := time.Since(itemStart)
	h.record(ctx, l, db.Event{Item: item, Event: db.EventCheckpointed, Members: &p.Members, MemberErrors: &p.MemberErrors, Duration: &d})
	p.State = db.EventCheckpointed
	h.publish(p)
	l.Info("Work item checkpointed.",
		slog.Int("members", p.Members),
		slog.Int("member_errors", p.MemberErrors),
		slog.Duration("duration", d.Round(time.Millisecond)))

	return nil
}

// processMember extracts and merges one member. It reports whether the member
// counted as an error.
func (h *Harvester) processMember(l *slog.Logger, sum *Summary, item model.WorkItem, m unpacker.Member) bool {
	ml := l.With(slog.String("member", m.Name))
	if m.Err != nil {
		ml.Warn("Skipping unreadable member.", "error", m.Err)
		return true
	}

	frag, err := h.deps.Extractor.Extract(m.Name, m.Text, item.Round, item.Region)
	switch {
	case errors.Is(err, extractor.ErrUnrecognizedMemberName):
		ml.Warn("Skipping member with unrecognized name.", "error", err)
		return true
	case errors.Is(err, extractor.ErrModelNotFound):
		// keep the section with the unknown marker so it still shows up
		ml.Warn("Machine model not found in log.", slog.String("section_id", frag.SectionID))
		h.deps.Store.Upsert(frag)
		return true
	case err != nil:
		ml.Warn("Extraction failed.", "error", err)
		return true
	}

	switch extractor.Classify(frag.Model) {
	case extractor.Modern:
		sum.Modern++
	case extractor.Legacy:
		sum.Legacy++
	default:
		sum.Anomalies++
		ml.Warn("Unrecognized machine model.", slog.String("section_id", frag.SectionID), slog.String("model", frag.Model))
	}
	h.deps.Store.Upsert(frag)
	ml.Debug("Member merged.", slog.String("section_id", frag.SectionID), slog.String("model", frag.Model))
	return false
}

func (h *Harvester) record(ctx context.Context, l *slog.Logger, ev db.Event) {
	if h.deps.Events == nil {
		return
	}
	// the event log is bookkeeping; a write failure never fails the item
	if err := h.deps.Events.Record(context.WithoutCancel(ctx), ev); err != nil {
		l.Warn("Failed to record event.", slog.String("event", ev.Event), "error", err)
	}
}

func (h *Harvester) publish(p Progress) {
	if h.deps.Progress != nil {
		h.deps.Progress(p)
	}
}
