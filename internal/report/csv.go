package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/models"
)

type CSVEncoder struct{}

func (CSVEncoder) Extension() string   { return "csv" }
func (CSVEncoder) ContentType() string { return "text/csv" }

func (CSVEncoder) Encode(w io.Writer, records []models.DiscrepancyRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, d := range records {
		if err := cw.Write([]string{
			strconv.Itoa(d.RowNumber),
			d.CustomerName,
			d.AccountNumber,
			FormatAmount(d.SystemAmount),
			FormatAmount(d.ExcelAmount),
			d.Reason,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FileSink writes each report to a new file under a local directory.
type FileSink struct {
	dir     string
	encoder Encoder
	now     func() time.Time
	log     *logger.Entry
}

func NewFileSink(dir string, enc Encoder) *FileSink {
	if dir == "" {
		dir = "Reports"
	}
	return &FileSink{
		dir:     dir,
		encoder: enc,
		now:     time.Now,
		log:     logger.GetLogger().WithComponent("report_sink"),
	}
}

func NewCSVSink(dir string) *FileSink {
	return NewFileSink(dir, CSVEncoder{})
}

// Write encodes into memory first so a failed encode never leaves a
// truncated report behind.
func (s *FileSink) Write(ctx context.Context, batchID string, records []models.DiscrepancyRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := s.encoder.Encode(&buf, records); err != nil {
		return "", fmt.Errorf("encode %s report for %s: %w", s.encoder.Extension(), batchID, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(s.dir, FileName(batchID, s.encoder.Extension(), s.now()))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}

	s.log.WithFields(logger.Fields{
		"batch_id":      batchID,
		"path":          path,
		"discrepancies": len(records),
		"bytes":         buf.Len(),
	}).Info("discrepancy report written")
	return path, nil
}
