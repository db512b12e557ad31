package models

import "github.com/shopspring/decimal"

// DiscrepancyRecord is a row whose recomputed amount differs from the
// uploaded one. It is never persisted.
type DiscrepancyRecord struct {
	RowNumber     int             `json:"row_number"`
	ChunkNumber   int             `json:"chunk_number"`
	CustomerName  string          `json:"customer_name"`
	AccountNumber string          `json:"account_number"`
	SystemAmount  decimal.Decimal `json:"system_amount"`
	ExcelAmount   decimal.Decimal `json:"excel_amount"`
	Reason        string          `json:"reason"`
}
