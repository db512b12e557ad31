package models

import "time"

type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "Pending"
	ChunkReceived  ChunkStatus = "Received"
	ChunkProcessed ChunkStatus = "Processed"
	ChunkFailed    ChunkStatus = "Failed"
)

type Chunk struct {
	BatchID          string      `gorm:"primaryKey;size:128"`
	ChunkNumber      int         `gorm:"primaryKey;autoIncrement:false"`
	Status           ChunkStatus `gorm:"size:16;not null;index"`
	RecordCount      int         `gorm:"not null;default:0"`
	RejectedRowCount int         `gorm:"not null;default:0"`
	ReceivedAt       time.Time
	CompletedAt      *time.Time
}
