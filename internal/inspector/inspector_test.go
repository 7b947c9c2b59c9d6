package inspector

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/urnalog/internal/model"
	"github.com/brensch/urnalog/internal/saver"
)

func TestInspectSections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recs := []model.SectionRecord{
		{SectionID: "AA_1_1_1", Region: "AA", MunicipalityCode: 1, ZoneNumber: 1, SectionNumber: 1,
			Models: map[model.Round]string{model.SecondRound: "UE2020"}},
		{SectionID: "AA_1_1_2", Region: "AA", MunicipalityCode: 1, ZoneNumber: 1, SectionNumber: 2,
			Models: map[model.Round]string{model.FirstRound: "UE2015"}},
		{SectionID: "BB_2_1_1", Region: "BB", MunicipalityCode: 2, ZoneNumber: 1, SectionNumber: 1,
			Models: map[model.Round]string{model.FirstRound: model.UnknownModel}},
	}
	var rows []model.Row
	for i := range recs {
		rows = append(rows, recs[i].Row())
	}
	path, err := saver.SaveSectionsToParquet(rows, t.TempDir(), logger)
	require.NoError(t, err)

	summaries, err := SummarizeSections(context.Background(), path, logger)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, RegionSummary{Region: "AA", Sections: 2, Modern: 1, Unknown: 0, Models: "UE2015,UE2020"}, summaries[0])
	assert.Equal(t, int64(1), summaries[1].Unknown)
	assert.InDelta(t, 0.5, summaries[0].ModernShare(), 1e-9)

	var buf bytes.Buffer
	require.NoError(t, InspectSections(context.Background(), path, &buf, logger))
	assert.Contains(t, buf.String(), "Total")
	assert.Contains(t, buf.String(), "50.0")
}

func TestInspectMissingExport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := InspectSections(context.Background(), filepath.Join(t.TempDir(), "sections.parquet"), io.Discard, logger)
	require.Error(t, err)
}
