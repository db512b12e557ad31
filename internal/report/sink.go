// Package report writes discrepancy reports produced by reconciliation.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"bulk-reconciliation-backend/internal/config"
	"bulk-reconciliation-backend/internal/models"

	"github.com/shopspring/decimal"
)

// Columns is the header of every report format.
var Columns = []string{
	"RowNumber",
	"CustomerName",
	"AccountNumber",
	"Amount (System)",
	"Amount (Excel)",
	"DiscrepancyReason",
}

// Sink stores the discrepancy report of a batch and returns where it went.
type Sink interface {
	Write(ctx context.Context, batchID string, records []models.DiscrepancyRecord) (string, error)
}

// Encoder serialises a report into one file format.
type Encoder interface {
	Encode(w io.Writer, records []models.DiscrepancyRecord) error
	Extension() string
	ContentType() string
}

// FileName is DiscrepancyReport_<batch>_<yyyyMMddHHmmss>.<ext>.
func FileName(batchID, ext string, at time.Time) string {
	return fmt.Sprintf("DiscrepancyReport_%s_%s.%s", safeName(batchID), at.Format("20060102150405"), ext)
}

// safeName keeps caller supplied batch ids from escaping the report directory.
func safeName(batchID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, batchID)
}

// FormatAmount prints an amount with at least two decimals: 52.5 -> "52.50",
// 50 -> "50.00", 1.2345 -> "1.2345".
func FormatAmount(d decimal.Decimal) string {
	places := int32(2)
	if n := decimals(d); n > 2 {
		places = int32(n)
	}
	return d.StringFixed(places)
}

// decimals counts significant fractional digits.
func decimals(d decimal.Decimal) int {
	s := d.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// NewSink builds the sink selected in the configuration.
func NewSink(ctx context.Context, cfg config.ReportConfig) (Sink, error) {
	switch cfg.Sink {
	case "csv", "":
		return NewCSVSink(cfg.Dir), nil
	case "parquet":
		return NewParquetSink(cfg.Dir, cfg.Compression), nil
	case "s3":
		var enc Encoder = CSVEncoder{}
		if cfg.Format == "parquet" {
			enc = ParquetEncoder{Compression: cfg.Compression}
		}
		client, err := NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(client, cfg.S3.Bucket, cfg.S3.Prefix, enc), nil
	default:
		return nil, fmt.Errorf("unknown report sink %q", cfg.Sink)
	}
}
