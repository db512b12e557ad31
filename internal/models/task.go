package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "Pending"
	TaskRunning   TaskStatus = "Running"
	TaskSucceeded TaskStatus = "Succeeded"
	TaskDead      TaskStatus = "Dead"
)

type Task struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type           string    `gorm:"size:64;not null;index"`
	Payload        datatypes.JSON
	Status         TaskStatus `gorm:"size:16;not null;index"`
	Attempts       int        `gorm:"not null;default:0"`
	MaxAttempts    int        `gorm:"not null;default:5"`
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// All lists every persisted model for AutoMigrate.
func All() []interface{} {
	return []interface{}{&Batch{}, &Chunk{}, &Record{}, &Task{}}
}
