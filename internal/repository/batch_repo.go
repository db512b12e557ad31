package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bulk-reconciliation-backend/internal/config"
	"bulk-reconciliation-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBatchNotFound         = errors.New("batch not found")
	ErrBatchClosed           = errors.New("batch is closed")
	ErrExpectedCountConflict = errors.New("expected chunk count conflicts with batch state")
	ErrTooManyChunks         = errors.New("batch already holds the expected number of chunks")
	ErrInvalidExpectedCount  = errors.New("expected chunk count must be at least 1")

	// ErrTransaction marks storage faults. The whole chunk was rolled back
	// and the call may be retried.
	ErrTransaction = errors.New("chunk transaction failed")
)

var openStatuses = []string{string(models.BatchReceiving), string(models.BatchProcessing)}

// ChunkWrite is everything PersistChunk needs to store one chunk.
type ChunkWrite struct {
	BatchID        string
	ChunkNumber    int
	ExpectedChunks *int
	Records        []models.Record
	RejectedRows   int
}

type PersistResult struct {
	// Duplicate is set when the chunk had already been processed and
	// nothing was written.
	Duplicate bool
	Batch     models.Batch
}

// CompletionCheck is the result of CompleteIfReady. Won is true only for the
// single caller whose conditional update moved the batch to Completed.
type CompletionCheck struct {
	Won   bool
	Batch models.Batch
}

// BatchRepository is the record store: batches, chunks and their records.
type BatchRepository struct {
	db        *gorm.DB
	txTimeout time.Duration
	batchSize int
	now       func() time.Time
}

func NewBatchRepository(db *gorm.DB, cfg config.DatabaseConfig) *BatchRepository {
	batchSize := cfg.InsertBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BatchRepository{
		db:        db,
		txTimeout: timeout,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Expose DB if needed
func (r *BatchRepository) DB() *gorm.DB {
	return r.db
}

// txContext detaches the transaction from caller cancellation. Only the
// configured timeout can abort a transaction once it has started.
func (r *BatchRepository) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.txTimeout)
}

// PersistChunk stores one chunk in a single transaction: ensure batch, ensure
// chunk, insert records, mark the chunk processed, recompute the batch
// counters. A chunk that is already processed short-circuits without
// touching its rows.
func (r *BatchRepository) PersistChunk(ctx context.Context, w ChunkWrite) (PersistResult, error) {
	var result PersistResult
	if w.ExpectedChunks != nil && *w.ExpectedChunks < 1 {
		return result, ErrInvalidExpectedCount
	}

	ctx, cancel := r.txContext(ctx)
	defer cancel()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()

		batch, err := ensureBatchLocked(tx, w.BatchID, w.ExpectedChunks, now)
		if err != nil {
			return err
		}

		// A retry of a processed chunk is absorbed even once the batch is closed.
		var existing models.Chunk
		found := tx.Where("batch_id = ? AND chunk_number = ?", w.BatchID, w.ChunkNumber).Limit(1).Find(&existing)
		if found.Error != nil {
			return found.Error
		}
		if found.RowsAffected == 1 && existing.Status == models.ChunkProcessed {
			result.Duplicate = true
			result.Batch = *batch
			return nil
		}

		if batch.Status.Terminal() {
			return fmt.Errorf("%w: batch %s is %s", ErrBatchClosed, batch.ID, batch.Status)
		}
		if err := reconcileExpected(tx, batch, w.ExpectedChunks); err != nil {
			return err
		}

		chunk := models.Chunk{
			BatchID:     w.BatchID,
			ChunkNumber: w.ChunkNumber,
			Status:      models.ChunkReceived,
			ReceivedAt:  now,
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunk)
		if created.Error != nil {
			return created.Error
		}

		if created.RowsAffected == 0 {
			// A chunk row that never reached Processed owns no valid rows.
			if err := tx.Where("batch_id = ? AND chunk_number = ?", w.BatchID, w.ChunkNumber).
				Delete(&models.Record{}).Error; err != nil {
				return err
			}
		} else if batch.ExpectedChunkCount != nil && batch.ReceivedChunkCount >= *batch.ExpectedChunkCount {
			return fmt.Errorf("%w: batch %s expects %d chunks", ErrTooManyChunks, batch.ID, *batch.ExpectedChunkCount)
		}

		if len(w.Records) > 0 {
			rows := make([]models.Record, len(w.Records))
			for i, rec := range w.Records {
				rec.ID = 0
				rec.BatchID = w.BatchID
				rec.ChunkNumber = w.ChunkNumber
				if rec.Status == "" {
					rec.Status = models.RecordPending
				}
				rows[i] = rec
			}
			if err := tx.CreateInBatches(&rows, r.batchSize).Error; err != nil {
				return err
			}
		}

		marked := tx.Model(&models.Chunk{}).
			Where("batch_id = ? AND chunk_number = ?", w.BatchID, w.ChunkNumber).
			Updates(map[string]interface{}{
				"status":             string(models.ChunkProcessed),
				"completed_at":       now,
				"record_count":       len(w.Records),
				"rejected_row_count": w.RejectedRows,
			})
		if marked.Error != nil {
			return marked.Error
		}
		if marked.RowsAffected != 1 {
			return fmt.Errorf("chunk %s/%d vanished before it could be marked processed", w.BatchID, w.ChunkNumber)
		}

		if err := refreshCounters(tx, batch, now); err != nil {
			return err
		}
		result.Batch = *batch
		return nil
	})
	if err != nil {
		return PersistResult{}, wrapTxError(err, fmt.Sprintf("persist chunk %s/%d", w.BatchID, w.ChunkNumber))
	}
	return result, nil
}

// SetExpectedChunks declares how many chunks the batch consists of. Declaring
// the same value twice is a no-op.
func (r *BatchRepository) SetExpectedChunks(ctx context.Context, batchID string, expected int) (models.Batch, error) {
	if expected < 1 {
		return models.Batch{}, ErrInvalidExpectedCount
	}

	ctx, cancel := r.txContext(ctx)
	defer cancel()

	var out models.Batch
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := ensureBatchLocked(tx, batchID, &expected, r.now())
		if err != nil {
			return err
		}
		if batch.Status == models.BatchFailed {
			return fmt.Errorf("%w: batch %s is %s", ErrBatchClosed, batch.ID, batch.Status)
		}
		if err := reconcileExpected(tx, batch, &expected); err != nil {
			return err
		}
		out = *batch
		return nil
	})
	if err != nil {
		return models.Batch{}, wrapTxError(err, "set expected chunks for "+batchID)
	}
	return out, nil
}

// CompleteIfReady performs the completion compare-and-swap. With the batch
// row locked it checks that the expected count is known and every known
// chunk is processed, then flips the status with an update guarded on the
// current status. Exactly one concurrent caller can observe Won.
func (r *BatchRepository) CompleteIfReady(ctx context.Context, batchID string) (CompletionCheck, error) {
	ctx, cancel := r.txContext(ctx)
	defer cancel()

	var check CompletionCheck
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch models.Batch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&batch, "id = ?", batchID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
			}
			return err
		}
		check.Batch = batch

		if batch.Status.Terminal() || batch.ExpectedChunkCount == nil {
			return nil
		}
		expected := *batch.ExpectedChunkCount
		if batch.ReceivedChunkCount != expected || batch.ProcessedChunkCount != expected {
			return nil
		}

		var unfinished int64
		if err := tx.Model(&models.Chunk{}).
			Where("batch_id = ? AND status <> ?", batchID, string(models.ChunkProcessed)).
			Count(&unfinished).Error; err != nil {
			return err
		}
		if unfinished > 0 {
			return nil
		}

		now := r.now()
		swapped := tx.Model(&models.Batch{}).
			Where("id = ? AND status IN ?", batchID, openStatuses).
			Updates(map[string]interface{}{
				"status":       string(models.BatchCompleted),
				"completed_at": now,
			})
		if swapped.Error != nil {
			return swapped.Error
		}
		if swapped.RowsAffected == 1 {
			check.Won = true
			check.Batch.Status = models.BatchCompleted
			check.Batch.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return CompletionCheck{}, wrapTxError(err, "complete batch "+batchID)
	}
	return check, nil
}

// MarkDispatched records that the reconcile task for a completed batch was
// accepted by the queue.
func (r *BatchRepository) MarkDispatched(ctx context.Context, batchID, taskID string) error {
	res := r.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ? AND status = ? AND dispatched_at IS NULL", batchID, string(models.BatchCompleted)).
		Updates(map[string]interface{}{
			"dispatched_at": r.now(),
			"task_id":       taskID,
		})
	return res.Error
}

// ListUndispatched returns completed batches whose reconcile task was never
// accepted by the queue, oldest first.
func (r *BatchRepository) ListUndispatched(ctx context.Context, limit int) ([]models.Batch, error) {
	var batches []models.Batch
	q := r.db.WithContext(ctx).
		Where("status = ? AND dispatched_at IS NULL", string(models.BatchCompleted)).
		Order("completed_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&batches).Error
	return batches, err
}

// FailBatch moves a batch that has not completed yet to Failed.
func (r *BatchRepository) FailBatch(ctx context.Context, batchID, reason string) error {
	res := r.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ? AND status IN ?", batchID, openStatuses).
		Updates(map[string]interface{}{
			"status":         string(models.BatchFailed),
			"failure_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	batch, err := r.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: batch %s is %s", ErrBatchClosed, batch.ID, batch.Status)
}

func (r *BatchRepository) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var batch models.Batch
	if err := r.db.WithContext(ctx).First(&batch, "id = ?", batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return nil, err
	}
	return &batch, nil
}

func (r *BatchRepository) ListChunks(ctx context.Context, batchID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("chunk_number ASC").
		Find(&chunks).Error
	return chunks, err
}

// RecordsForBatch returns every stored row of the batch in chunk order, then
// row order.
func (r *BatchRepository) RecordsForBatch(ctx context.Context, batchID string) ([]models.Record, error) {
	var records []models.Record
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("chunk_number ASC").
		Order("row_number ASC").
		Find(&records).Error
	return records, err
}

// ensureBatchLocked inserts the batch if it does not exist and then takes a
// row lock on it. Every writer of a batch goes through this lock, so the
// counter recomputation and the completion swap never interleave.
func ensureBatchLocked(tx *gorm.DB, batchID string, expected *int, now time.Time) (*models.Batch, error) {
	seed := models.Batch{
		ID:                 batchID,
		ExpectedChunkCount: expected,
		Status:             models.BatchReceiving,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, err
	}

	var batch models.Batch
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&batch, "id = ?", batchID).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

func reconcileExpected(tx *gorm.DB, batch *models.Batch, expected *int) error {
	if expected == nil {
		return nil
	}
	if batch.ExpectedChunkCount != nil {
		if *batch.ExpectedChunkCount != *expected {
			return fmt.Errorf("%w: batch %s expects %d chunks, got %d",
				ErrExpectedCountConflict, batch.ID, *batch.ExpectedChunkCount, *expected)
		}
		return nil
	}
	if batch.ReceivedChunkCount > *expected {
		return fmt.Errorf("%w: batch %s already holds %d chunks, got %d",
			ErrExpectedCountConflict, batch.ID, batch.ReceivedChunkCount, *expected)
	}
	if err := tx.Model(&models.Batch{}).Where("id = ?", batch.ID).
		Update("expected_chunk_count", *expected).Error; err != nil {
		return err
	}
	n := *expected
	batch.ExpectedChunkCount = &n
	return nil
}

// refreshCounters recomputes the batch counters from the chunk table.
func refreshCounters(tx *gorm.DB, batch *models.Batch, now time.Time) error {
	var received, processed int64
	if err := tx.Model(&models.Chunk{}).Where("batch_id = ?", batch.ID).Count(&received).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Chunk{}).
		Where("batch_id = ? AND status = ?", batch.ID, string(models.ChunkProcessed)).
		Count(&processed).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{
		"received_chunk_count":  received,
		"processed_chunk_count": processed,
		"updated_at":            now,
	}
	if batch.Status == models.BatchReceiving {
		updates["status"] = string(models.BatchProcessing)
	}
	if err := tx.Model(&models.Batch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
		return err
	}

	batch.ReceivedChunkCount = int(received)
	batch.ProcessedChunkCount = int(processed)
	batch.UpdatedAt = now
	if batch.Status == models.BatchReceiving {
		batch.Status = models.BatchProcessing
	}
	return nil
}

// wrapTxError leaves domain rejections as they are and marks everything else
// as a retryable storage fault.
func wrapTxError(err error, op string) error {
	switch {
	case errors.Is(err, ErrBatchClosed),
		errors.Is(err, ErrBatchNotFound),
		errors.Is(err, ErrExpectedCountConflict),
		errors.Is(err, ErrTooManyChunks),
		errors.Is(err, ErrInvalidExpectedCount):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransaction, op, err)
}
