package inspector

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	_ "github.com/marcboeker/go-duckdb"
)

// RegionSummary aggregates the exported sections of one region.
type RegionSummary struct {
	Region   string
	Sections int64
	Modern   int64
	Unknown  int64
	Models   string // distinct consolidated models, comma separated
}

// ModernShare is the fraction of sections with a modern machine.
func (r RegionSummary) ModernShare() float64 {
	if r.Sections == 0 {
		return 0
	}
	return float64(r.Modern) / float64(r.Sections)
}

const summarySQL = `
SELECT
    region,
    COUNT(*)                                        AS sections,
    COUNT(*) FILTER (WHERE modern_machine)          AS modern,
    COUNT(*) FILTER (WHERE model = 'unknown')       AS unknown,
    string_agg(DISTINCT model, ',' ORDER BY model)  AS models
FROM read_parquet('%s')
GROUP BY region
ORDER BY region;
`

// SummarizeSections runs the per-region aggregation over a sections export.
func SummarizeSections(ctx context.Context, parquetPath string, logger *slog.Logger) ([]RegionSummary, error) {
	if _, err := os.Stat(parquetPath); err != nil {
		return nil, fmt.Errorf("sections export %s: %w", parquetPath, err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	logger.Debug("Loading Parquet extension.")
	if _, err := conn.ExecContext(ctx, `LOAD parquet;`); err != nil {
		logger.Warn("Failed to load parquet extension.", "error", err)
	}

	duckPath := strings.ReplaceAll(strings.ReplaceAll(parquetPath, `\`, `/`), "'", "''")
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(summarySQL, duckPath))
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", parquetPath, err)
	}
	defer rows.Close()

	var out []RegionSummary
	for rows.Next() {
		var s RegionSummary
		var models sql.NullString
		if err := rows.Scan(&s.Region, &s.Sections, &s.Modern, &s.Unknown, &models); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		s.Models = models.String
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	logger.Info("Summarized sections export.", slog.String("path", parquetPath), slog.Int("regions", len(out)))
	return out, nil
}

// RenderSummaries prints one line per region plus a total.
func RenderSummaries(w io.Writer, summaries []RegionSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Region", "Sections", "Modern", "Modern %", "Unknown", "Models"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})

	var total RegionSummary
	for _, s := range summaries {
		t.AppendRow(table.Row{s.Region, s.Sections, s.Modern, fmt.Sprintf("%.1f", 100*s.ModernShare()), s.Unknown, s.Models})
		total.Sections += s.Sections
		total.Modern += s.Modern
		total.Unknown += s.Unknown
	}
	t.AppendFooter(table.Row{"Total", total.Sections, total.Modern, fmt.Sprintf("%.1f", 100*total.ModernShare()), total.Unknown, ""})
	t.Render()
}

// InspectSections summarizes the export at parquetPath and prints it to w.
func InspectSections(ctx context.Context, parquetPath string, w io.Writer, logger *slog.Logger) error {
	logger.Info("--- Starting Sections Export Inspection ---")
	summaries, err := SummarizeSections(ctx, parquetPath, logger)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		logger.Info("Sections export is empty.", slog.String("path", parquetPath))
		return nil
	}
	RenderSummaries(w, summaries)
	return nil
}
