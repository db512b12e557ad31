// Package queue is a small database-backed task queue with at-least-once
// delivery. A task whose lease expires before it is acknowledged is handed
// out again, so every handler must tolerate running twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bulk-reconciliation-backend/internal/config"
	"bulk-reconciliation-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskReconcile is the task type emitted when a batch completes.
const TaskReconcile = "Reconcile"

type ReconcilePayload struct {
	BatchID string `json:"batch_id"`
}

// ErrLeaseLost is returned when a task was handed to another worker after its
// lease expired. The late acknowledgement is dropped.
var ErrLeaseLost = errors.New("task lease lost")

// Dispatcher hands a task to the queue and returns its id.
type Dispatcher interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}) (string, error)
}

type GormQueue struct {
	db          *gorm.DB
	lease       time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewGormQueue(db *gorm.DB, cfg config.QueueConfig) *GormQueue {
	lease := cfg.Lease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &GormQueue{
		db:          db,
		lease:       lease,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (q *GormQueue) Enqueue(ctx context.Context, taskType string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", taskType, err)
	}

	now := q.now()
	task := models.Task{
		ID:          uuid.New(),
		Type:        taskType,
		Payload:     datatypes.JSON(data),
		Status:      models.TaskPending,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(&task).Error; err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return task.ID.String(), nil
}

// Claim leases the oldest runnable task of one of the given types. A task is
// runnable when pending or when its lease has run out. Returns nil when
// nothing is runnable.
func (q *GormQueue) Claim(ctx context.Context, types []string) (*models.Task, error) {
	db := q.db.WithContext(ctx)

	// A handful of attempts: losing the claim race just means looking at the
	// next candidate.
	for i := 0; i < 3; i++ {
		now := q.now()

		var task models.Task
		err := db.Where("type IN ?", types).
			Where("status = ? OR (status = ? AND lease_expires_at < ?)",
				string(models.TaskPending), string(models.TaskRunning), now).
			Order("created_at ASC").
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		lease := now.Add(q.lease)
		res := db.Model(&models.Task{}).
			Where("id = ? AND status = ? AND attempts = ?", task.ID, string(task.Status), task.Attempts).
			Updates(map[string]interface{}{
				"status":           string(models.TaskRunning),
				"attempts":         gorm.Expr("attempts + 1"),
				"lease_expires_at": lease,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			task.Status = models.TaskRunning
			task.Attempts++
			task.LeaseExpiresAt = &lease
			return &task, nil
		}
	}
	return nil, nil
}

// Complete acknowledges a task.
func (q *GormQueue) Complete(ctx context.Context, task *models.Task) error {
	return q.release(ctx, task, map[string]interface{}{
		"status":           string(models.TaskSucceeded),
		"lease_expires_at": nil,
		"last_error":       "",
	})
}

// Fail releases a task for another attempt, or buries it once it has used up
// its attempts.
func (q *GormQueue) Fail(ctx context.Context, task *models.Task, cause error) error {
	status := models.TaskPending
	if task.Attempts >= task.MaxAttempts {
		status = models.TaskDead
	}
	return q.release(ctx, task, map[string]interface{}{
		"status":           string(status),
		"lease_expires_at": nil,
		"last_error":       cause.Error(),
	})
}

// release applies updates only while the caller still holds the claim it was
// given: same attempt, still running.
func (q *GormQueue) release(ctx context.Context, task *models.Task, updates map[string]interface{}) error {
	res := q.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ? AND attempts = ?", task.ID, string(models.TaskRunning), task.Attempts).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: task %s attempt %d", ErrLeaseLost, task.ID, task.Attempts)
	}
	return nil
}

func (q *GormQueue) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := q.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}
