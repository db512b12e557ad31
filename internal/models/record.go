package models

const RecordPending = "Pending"

// Record is one parsed row. Rows are only written together with their chunk.
type Record struct {
	ID            uint   `gorm:"primaryKey"`
	BatchID       string `gorm:"size:128;not null;uniqueIndex:idx_record_row,priority:1"`
	ChunkNumber   int    `gorm:"not null;uniqueIndex:idx_record_row,priority:2"`
	RowNumber     int    `gorm:"not null;uniqueIndex:idx_record_row,priority:3"`
	CustomerName  string `gorm:"index"`
	AccountNumber string `gorm:"index"`
	Amount        Amount `gorm:"not null"`
	Status        string `gorm:"size:16;not null"`
}
