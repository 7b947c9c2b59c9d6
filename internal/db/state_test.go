package db

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/urnalog/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, InitializeSchema(db))
	// a second call must be harmless
	require.NoError(t, InitializeSchema(db))
	return db
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordAndLatestEvent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	log := NewEventLog(db, discard())
	require.NotEmpty(t, log.RunID())

	item := model.WorkItem{Round: 2, Region: "SP"}
	members := 12
	d := 1500 * time.Millisecond
	require.NoError(t, log.Record(ctx, Event{Item: item, Event: EventDownloading}))
	require.NoError(t, log.Record(ctx, Event{Item: item, Event: EventCheckpointed, Members: &members, Duration: &d}))

	event, _, found, err := GetLatestItemEvent(ctx, db, item)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, EventCheckpointed, event)

	_, _, found, err = GetLatestItemEvent(ctx, db, model.WorkItem{Round: 1, Region: "AC"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetCompletedWorkItems(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	log := NewEventLog(db, discard())

	require.NoError(t, log.Record(ctx, Event{Item: model.WorkItem{Round: 1, Region: "AC"}, Event: EventCheckpointed}))
	require.NoError(t, log.Record(ctx, Event{Item: model.WorkItem{Round: 1, Region: "AL"}, Event: EventFailed, Message: "boom"}))
	// a later run checkpointing the same item is still one entry
	require.NoError(t, NewEventLog(db, discard()).Record(ctx, Event{Item: model.WorkItem{Round: 1, Region: "AC"}, Event: EventCheckpointed}))

	done, err := GetCompletedWorkItems(ctx, db, discard())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"1t_AC": true}, done)
}

func TestDisplayHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	log := NewEventLog(db, discard())
	require.NoError(t, log.Record(ctx, Event{Item: model.WorkItem{Round: 2, Region: "SP"}, Event: EventFailed, Message: "download failed"}))
	require.NoError(t, log.Record(ctx, Event{Item: model.WorkItem{Round: 2, Region: "RJ"}, Event: EventCheckpointed}))

	var buf bytes.Buffer
	require.NoError(t, DisplayHistory(ctx, db, &buf, EventFailed, 10))
	out := buf.String()
	assert.Contains(t, out, "2t_SP")
	assert.Contains(t, out, "download failed")
	assert.NotContains(t, out, "2t_RJ")
}

func TestDisplayLatestEvents(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	log := NewEventLog(db, discard())
	sp := model.WorkItem{Round: 2, Region: "SP"}
	require.NoError(t, log.Record(ctx, Event{Item: sp, Event: EventDownloading}))
	require.NoError(t, log.Record(ctx, Event{Item: sp, Event: EventCheckpointed}))

	var buf bytes.Buffer
	items := []model.WorkItem{sp, {Round: 1, Region: "AC"}}
	require.NoError(t, DisplayLatestEvents(ctx, db, &buf, items))
	out := buf.String()
	assert.Contains(t, out, "2t_SP")
	assert.Contains(t, out, EventCheckpointed)
	assert.NotContains(t, out, EventDownloading)
	assert.Contains(t, out, "1t_AC")
	assert.Contains(t, out, "never run")
}
