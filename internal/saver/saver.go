package saver

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/brensch/urnalog/internal/model"
)

// SectionsFile is the name of the export inside the output directory.
const SectionsFile = "sections.parquet"

// SectionRow is the Parquet layout of model.Row. A round without an
// observation is written as null.
type SectionRow struct {
	SectionID        string  `parquet:"name=section_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Region           string  `parquet:"name=region, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	MunicipalityCode int32   `parquet:"name=municipality_code, type=INT32"`
	ZoneNumber       int32   `parquet:"name=zone_number, type=INT32"`
	SectionNumber    int32   `parquet:"name=section_number, type=INT32"`
	ModelRound1      *string `parquet:"name=model_round_1, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ModelRound2      *string `parquet:"name=model_round_2, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Model            string  `parquet:"name=model, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ModernMachine    bool    `parquet:"name=modern_machine, type=BOOLEAN"`
}

func toSectionRow(r model.Row) SectionRow {
	opt := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	return SectionRow{
		SectionID:        r.SectionID,
		Region:           r.Region,
		MunicipalityCode: int32(r.MunicipalityCode),
		ZoneNumber:       int32(r.ZoneNumber),
		SectionNumber:    int32(r.SectionNumber),
		ModelRound1:      opt(r.ModelRound1),
		ModelRound2:      opt(r.ModelRound2),
		Model:            r.Model,
		ModernMachine:    r.ModernMachine,
	}
}

// SaveSectionsToParquet writes rows to outputDir/sections.parquet and returns
// the path. The file appears complete or not at all.
func SaveSectionsToParquet(rows []model.Row, outputDir string, logger *slog.Logger) (string, error) {
	start := time.Now()
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory '%s': %w", outputDir, err)
	}
	dest := filepath.Join(outputDir, SectionsFile)
	tmp := dest + ".tmp"
	l := logger.With(slog.String("output_path", dest))
	l.Info("Saving sections to Parquet...", slog.Int("rows", len(rows)))

	if err := writeParquet(tmp, rows); err != nil {
		os.Remove(tmp)
		l.Error("Failed to save sections to Parquet.", "error", err)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}

	l.Info("Successfully saved sections to Parquet.", slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return dest, nil
}

func writeParquet(path string, rows []model.Row) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file %s: %w", path, err)
	}

	pw, err := writer.NewParquetWriter(fw, new(SectionRow), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		if err := pw.Write(toSectionRow(r)); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("write row %s: %w", r.SectionID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finish parquet file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}
