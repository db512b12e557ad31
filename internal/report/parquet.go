package report

import (
	"fmt"
	"io"
	"strings"

	"bulk-reconciliation-backend/internal/models"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// discrepancyRow is the parquet schema of a report. Amounts are kept as
// decimal strings so no precision is lost.
type discrepancyRow struct {
	RowNumber     int32  `parquet:"name=row_number, type=INT32"`
	ChunkNumber   int32  `parquet:"name=chunk_number, type=INT32"`
	CustomerName  string `parquet:"name=customer_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	AccountNumber string `parquet:"name=account_number, type=BYTE_ARRAY, convertedtype=UTF8"`
	SystemAmount  string `parquet:"name=amount_system, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExcelAmount   string `parquet:"name=amount_excel, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason        string `parquet:"name=discrepancy_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type ParquetEncoder struct {
	Compression string // snappy | gzip | none
}

func (ParquetEncoder) Extension() string   { return "parquet" }
func (ParquetEncoder) ContentType() string { return "application/octet-stream" }

func (e ParquetEncoder) Encode(w io.Writer, records []models.DiscrepancyRecord) error {
	pw, err := writer.NewParquetWriterFromWriter(w, new(discrepancyRow), 1)
	if err != nil {
		return fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(e.Compression) {
	case "snappy", "":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, d := range records {
		row := discrepancyRow{
			RowNumber:     int32(d.RowNumber),
			ChunkNumber:   int32(d.ChunkNumber),
			CustomerName:  d.CustomerName,
			AccountNumber: d.AccountNumber,
			SystemAmount:  FormatAmount(d.SystemAmount),
			ExcelAmount:   FormatAmount(d.ExcelAmount),
			Reason:        d.Reason,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("write discrepancy row %d: %w", d.RowNumber, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet report: %w", err)
	}
	return nil
}

func NewParquetSink(dir, compression string) *FileSink {
	return NewFileSink(dir, ParquetEncoder{Compression: compression})
}
