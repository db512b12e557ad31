package models

import "time"

type BatchStatus string

const (
	BatchReceiving  BatchStatus = "Receiving"
	BatchProcessing BatchStatus = "Processing"
	BatchCompleted  BatchStatus = "Completed"
	BatchFailed     BatchStatus = "Failed"
)

// Terminal reports whether no further transition is allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

type Batch struct {
	ID                  string `gorm:"primaryKey;size:128"`
	ExpectedChunkCount  *int
	ReceivedChunkCount  int         `gorm:"not null;default:0"`
	ProcessedChunkCount int         `gorm:"not null;default:0"`
	Status              BatchStatus `gorm:"size:16;not null;index"`
	FailureReason       string
	TaskID              string `gorm:"size:64"`
	CompletedAt         *time.Time
	DispatchedAt        *time.Time `gorm:"index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
