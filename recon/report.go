package recon

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ReportFile references the CSV and Parquet artefacts generated for a run.
type ReportFile struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

func (r *Reconciler) writeReportFiles(start, end time.Time, rows []*ReportRow) ([]ReportFile, error) {
	runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "ledger.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, "ledger.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	r.logger.Info("reconciliation report written",
		slog.String("csv", csvPath),
		slog.String("parquet", parquetPath),
		slog.Int("rows", len(rows)),
	)
	return []ReportFile{{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}}, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"entry_id", "type", "customer_address", "shop_id", "delta_wei",
		"tx_hash", "created_at", "age_minutes", "finding",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.EntryID.String(),
			string(row.Type),
			row.CustomerAddress,
			row.ShopID,
			row.Delta,
			row.TxHash,
			row.CreatedAt.Format(time.RFC3339),
			formatMinutes(row.AgeAtRun),
			row.Finding,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	EntryID         string  `parquet:"name=entry_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type            string  `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	CustomerAddress string  `parquet:"name=customer_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	ShopID          string  `parquet:"name=shop_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	DeltaWei        string  `parquet:"name=delta_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash          string  `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	AgeMinutes      float64 `parquet:"name=age_minutes, type=DOUBLE"`
	Finding         string  `parquet:"name=finding, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			EntryID:         row.EntryID.String(),
			Type:            string(row.Type),
			CustomerAddress: row.CustomerAddress,
			ShopID:          row.ShopID,
			DeltaWei:        row.Delta,
			TxHash:          row.TxHash,
			CreatedAt:       row.CreatedAt.Format(time.RFC3339),
			AgeMinutes:      minutesFloat(row.AgeAtRun),
			Finding:         row.Finding,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func minutesFloat(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Minutes()
}

func formatMinutes(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", d.Minutes())
}
