package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"bulk-reconciliation-backend/internal/models"

	"github.com/shopspring/decimal"
)

// ErrStream means the payload itself could not be read. Nothing from the
// chunk may be persisted when it occurs.
var ErrStream = errors.New("chunk payload could not be read")

// RowError describes a row that was excluded from persistence.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

func (e RowError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Row   int    `json:"row"`
		Error string `json:"error"`
	}{e.Row, e.Err.Error()})
}

// ParsedChunk holds the rows of one chunk that parsed, plus the ones that did not.
type ParsedChunk struct {
	Records []models.Record
	Errors  []RowError
}

// RowParser turns a chunk payload into candidate records. Implementations
// parse every row independently and only return an error when the stream
// itself fails.
type RowParser interface {
	Parse(r io.Reader) (ParsedChunk, error)
}

const (
	colCustomerName = iota
	colAccountNumber
	colAmount
	columnCount
)

// CSVParser reads CustomerName,AccountNumber,Amount rows. Row numbers start at
// 1 with the first data row and count malformed rows too, so a row keeps its
// number across resubmissions.
type CSVParser struct {
	Comma  rune
	Header bool
}

func NewCSVParser() *CSVParser {
	return &CSVParser{Comma: ',', Header: true}
}

func (p *CSVParser) Parse(r io.Reader) (ParsedChunk, error) {
	var out ParsedChunk

	reader := csv.NewReader(r)
	if p.Comma != 0 {
		reader.Comma = p.Comma
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	skipHeader := p.Header
	row := 0
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}

		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return ParsedChunk{}, fmt.Errorf("%w: %w", ErrStream, err)
		}
		if err == nil && blank(fields) {
			continue
		}
		if skipHeader {
			skipHeader = false
			continue
		}

		row++
		if err != nil {
			out.Errors = append(out.Errors, RowError{Row: row, Err: parseErr.Err})
			continue
		}

		rec, err := parseRow(fields)
		if err != nil {
			out.Errors = append(out.Errors, RowError{Row: row, Err: err})
			continue
		}
		rec.RowNumber = row
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func parseRow(fields []string) (models.Record, error) {
	if len(fields) < columnCount {
		return models.Record{}, fmt.Errorf("expected %d columns, got %d", columnCount, len(fields))
	}

	account := strings.TrimSpace(fields[colAccountNumber])
	if account == "" {
		return models.Record{}, errors.New("account number is empty")
	}

	raw := strings.TrimSpace(fields[colAmount])
	if raw == "" {
		return models.Record{}, errors.New("amount is empty")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return models.Record{}, fmt.Errorf("invalid amount %q", raw)
	}
	if err := models.CheckAmount(amount); err != nil {
		return models.Record{}, fmt.Errorf("amount %q: %w", raw, err)
	}

	return models.Record{
		CustomerName:  strings.TrimSpace(fields[colCustomerName]),
		AccountNumber: account,
		Amount:        models.NewAmount(amount),
		Status:        models.RecordPending,
	}, nil
}
