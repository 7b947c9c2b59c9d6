package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	_ "github.com/marcboeker/go-duckdb" // Driver

	"github.com/brensch/urnalog/internal/model"
)

// Work item lifecycle events. A run records one row per transition.
const (
	EventPending      = "pending"
	EventSkipped      = "skipped"
	EventDownloading  = "downloading"
	EventUnpacking    = "unpacking"
	EventExtracting   = "extracting"
	EventCheckpointed = "checkpointed"
	EventFailed       = "failed"
)

// Schema SQL
const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS harvest_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS harvest_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('harvest_event_log_id_seq'),
    run_id          VARCHAR NOT NULL,
    work_item       VARCHAR NOT NULL,      -- e.g. '2t_SP'
    round           INTEGER NOT NULL,
    region          VARCHAR NOT NULL,
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    members         BIGINT,                -- members seen so far, when known
    member_errors   BIGINT,
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_harvest_event_log_item ON harvest_event_log (work_item);
CREATE INDEX IF NOT EXISTS idx_harvest_event_log_event_time ON harvest_event_log (event, event_timestamp);
`

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// Event is one state transition of a work item.
type Event struct {
	Item         model.WorkItem
	Event        string
	Members      *int
	MemberErrors *int
	Message      string
	Duration     *time.Duration
}

// EventLog appends events for a single harvest run.
type EventLog struct {
	db     *sql.DB
	runID  string
	logger *slog.Logger
}

// NewEventLog starts a run with a fresh run id.
func NewEventLog(db *sql.DB, logger *slog.Logger) *EventLog {
	runID := uuid.NewString()
	return &EventLog{db: db, runID: runID, logger: logger.With(slog.String("run_id", runID))}
}

func (e *EventLog) RunID() string { return e.runID }

// Record inserts ev into harvest_event_log.
func (e *EventLog) Record(ctx context.Context, ev Event) error {
	query := `
        INSERT INTO harvest_event_log (run_id, work_item, round, region, event, event_timestamp, members, member_errors, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if ev.Duration != nil {
		durationMs = sql.NullInt64{Int64: ev.Duration.Milliseconds(), Valid: true}
	}

	_, err := e.db.ExecContext(ctx, query,
		e.runID,
		ev.Item.Key(),
		int(ev.Item.Round),
		ev.Item.Region,
		ev.Event,
		time.Now().UTC(),
		nullInt(ev.Members),
		nullInt(ev.MemberErrors),
		sql.NullString{String: ev.Message, Valid: ev.Message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for '%s': %w", ev.Event, ev.Item.Key(), err)
	}
	e.logger.Debug("Recorded event.", slog.String("work_item", ev.Item.Key()), slog.String("event", ev.Event))
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// GetLatestItemEvent retrieves the most recent event recorded for a work item
// across all runs.
func GetLatestItemEvent(ctx context.Context, db *sql.DB, item model.WorkItem) (event string, timestamp time.Time, found bool, err error) {
	query := `
        SELECT event, event_timestamp
        FROM harvest_event_log
        WHERE work_item = ?
        ORDER BY event_timestamp DESC, log_id DESC
        LIMIT 1;
    `
	err = db.QueryRowContext(ctx, query, item.Key()).Scan(&event, &timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("failed query latest event for '%s': %w", item.Key(), err)
	}
	return event, timestamp, true, nil
}

// DisplayHistory prints the event log, newest first, as a table.
func DisplayHistory(ctx context.Context, db *sql.DB, w io.Writer, eventFilter string, limit int) error {
	query := `
        SELECT run_id, work_item, event, event_timestamp, members, member_errors, duration_ms, message
        FROM harvest_event_log
    `
	args := []any{}
	argCounter := 1
	if eventFilter != "" {
		query += fmt.Sprintf(" WHERE event = $%d", argCounter)
		args = append(args, eventFilter)
		argCounter++
	}
	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query event log: %w \n Query: %s \n Args: %v", err, query, args)
	}
	defer rows.Close()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Harvest event log (limit %d)", limit))
	t.AppendHeader(table.Row{"Run", "Item", "Event", "Timestamp (UTC)", "Members", "Errors", "Duration ms", "Message"})

	count := 0
	for rows.Next() {
		var runID, item, event string
		var timestamp time.Time
		var members, memberErrors, durationMs sql.NullInt64
		var message sql.NullString
		if err := rows.Scan(&runID, &item, &event, &timestamp, &members, &memberErrors, &durationMs, &message); err != nil {
			return fmt.Errorf("failed to scan event log row: %w", err)
		}
		t.AppendRow(table.Row{
			shortRunID(runID), item, event, timestamp.Format(time.RFC3339),
			nullIntString(members), nullIntString(memberErrors), nullIntString(durationMs), message.String,
		})
		count++
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating event log rows: %w", err)
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "rows", count})
	t.Render()
	return nil
}

// DisplayLatestEvents prints the latest recorded event of every item, in
// worklist order. Items never seen by a run are shown as "never run".
func DisplayLatestEvents(ctx context.Context, db *sql.DB, w io.Writer, items []model.WorkItem) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Latest event per work item")
	t.AppendHeader(table.Row{"Item", "Event", "Timestamp (UTC)"})

	counts := make(map[string]int)
	for _, item := range items {
		event, ts, found, err := GetLatestItemEvent(ctx, db, item)
		if err != nil {
			return err
		}
		if !found {
			counts["never run"]++
			t.AppendRow(table.Row{item.Key(), "never run", ""})
			continue
		}
		counts[event]++
		t.AppendRow(table.Row{item.Key(), event, ts.UTC().Format(time.RFC3339)})
	}
	t.AppendFooter(table.Row{"", EventCheckpointed, counts[EventCheckpointed]})
	t.Render()
	return nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func nullIntString(v sql.NullInt64) string {
	if !v.Valid {
		return ""
	}
	return fmt.Sprintf("%d", v.Int64)
}
