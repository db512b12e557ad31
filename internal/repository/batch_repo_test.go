package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bulk-reconciliation-backend/internal/config"
	"bulk-reconciliation-backend/internal/models"
	"bulk-reconciliation-backend/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRepo(t *testing.T) (*BatchRepository, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return NewBatchRepository(db, config.DatabaseConfig{TxTimeout: 5 * time.Second, InsertBatchSize: 2}), db
}

func record(row int, name, account, amount string) models.Record {
	return models.Record{
		RowNumber:     row,
		CustomerName:  name,
		AccountNumber: account,
		Amount:        models.NewAmount(decimal.RequireFromString(amount)),
	}
}

func intPtr(n int) *int { return &n }

func countRecords(t *testing.T, db *gorm.DB, batchID string, chunk int) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Record{}).
		Where("batch_id = ? AND chunk_number = ?", batchID, chunk).Count(&n).Error)
	return n
}

func TestPersistChunk_CreatesBatchAndChunk(t *testing.T) {
	repo, db := newRepo(t)
	ctx := context.Background()

	res, err := repo.PersistChunk(ctx, ChunkWrite{
		BatchID:     "B1",
		ChunkNumber: 0,
		Records: []models.Record{
			record(1, "Alice", "Acc1", "100.00"),
			record(2, "Bob", "Acc2", "50.00"),
			record(3, "Carol", "Acc3", "12.34"),
		},
		RejectedRows: 1,
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.BatchProcessing, res.Batch.Status)
	assert.Equal(t, 1, res.Batch.ReceivedChunkCount)
	assert.Equal(t, 1, res.Batch.ProcessedChunkCount)
	assert.Nil(t, res.Batch.ExpectedChunkCount)

	stored, err := repo.GetBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchProcessing, stored.Status)
	assert.Equal(t, 1, stored.ReceivedChunkCount)
	assert.Equal(t, 1, stored.ProcessedChunkCount)

	chunks, err := repo.ListChunks(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, models.ChunkProcessed, chunks[0].Status)
	assert.Equal(t, 3, chunks[0].RecordCount)
	assert.Equal(t, 1, chunks[0].RejectedRowCount)
	assert.NotNil(t, chunks[0].CompletedAt)

	assert.Equal(t, int64(3), countRecords(t, db, "B1", 0))
}

func TestPersistChunk_IdempotentResubmission(t *testing.T) {
	repo, db := newRepo(t)
	ctx := context.Background()

	write := ChunkWrite{
		BatchID:     "B1",
		ChunkNumber: 1,
		Records:     []models.Record{record(1, "Alice", "Acc1", "100.00")},
	}

	first, err := repo.PersistChunk(ctx, write)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := repo.PersistChunk(ctx, write)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	assert.Equal(t, int64(1), countRecords(t, db, "B1", 1))

	batch, err := repo.GetBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.ReceivedChunkCount)
	assert.Equal(t, 1, batch.ProcessedChunkCount)
}

func TestPersistChunk_ResubmissionAfterCompletionIsAbsorbed(t *testing.T) {
	repo, db := newRepo(t)
	ctx := context.Background()

	write := ChunkWrite{
		BatchID:        "B1",
		ChunkNumber:    0,
		ExpectedChunks: intPtr(1),
		Records:        []models.Record{record(1, "Alice", "Acc1", "100.00")},
	}
	_, err := repo.PersistChunk(ctx, write)
	require.NoError(t, err)
	check, err := repo.CompleteIfReady(ctx, "B1")
	require.NoError(t, err)
	require.True(t, check.Won)

	// lost response: the client sends the last chunk again
	res, err := repo.PersistChunk(ctx, write)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, models.BatchCompleted, res.Batch.Status)
	assert.Equal(t, int64(1), countRecords(t, db, "B1", 0))

	// a chunk the batch never saw is still refused
	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B1", ChunkNumber: 1})
	assert.ErrorIs(t, err, ErrBatchClosed)
}

func TestPersistChunk_RollsBackWhenMarkingFails(t *testing.T) {
	repo, db := newRepo(t)
	ctx := context.Background()

	// Fail every UPDATE on the chunks table: the records are inserted first,
	// then marking the chunk processed blows up.
	const hook = "test:fail_chunk_mark"
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register(hook, func(tx *gorm.DB) {
		if tx.Statement.Table == "chunks" {
			tx.AddError(errors.New("injected failure"))
		}
	}))

	write := ChunkWrite{
		BatchID:     "B1",
		ChunkNumber: 1,
		Records: []models.Record{
			record(1, "Alice", "Acc1", "100.00"),
			record(2, "Bob", "Acc2", "50.00"),
		},
	}

	_, err := repo.PersistChunk(ctx, write)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransaction)

	assert.Equal(t, int64(0), countRecords(t, db, "B1", 1))
	chunks, err := repo.ListChunks(ctx, "B1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
	_, err = repo.GetBatch(ctx, "B1")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	// Retrying after the fault is cleared stores the chunk exactly once.
	require.NoError(t, db.Callback().Update().Remove(hook))
	res, err := repo.PersistChunk(ctx, write)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(2), countRecords(t, db, "B1", 1))
}

func TestPersistChunk_ExpectedCount(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.PersistChunk(ctx, ChunkWrite{BatchID: "B2", ChunkNumber: 0, ExpectedChunks: intPtr(2)})
	require.NoError(t, err)

	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B2", ChunkNumber: 1, ExpectedChunks: intPtr(3)})
	assert.ErrorIs(t, err, ErrExpectedCountConflict)

	res, err := repo.PersistChunk(ctx, ChunkWrite{BatchID: "B2", ChunkNumber: 1})
	require.NoError(t, err)
	require.NotNil(t, res.Batch.ExpectedChunkCount)
	assert.Equal(t, 2, *res.Batch.ExpectedChunkCount)

	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B2", ChunkNumber: 2})
	assert.ErrorIs(t, err, ErrTooManyChunks)
	assert.NotErrorIs(t, err, ErrTransaction)

	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B2", ChunkNumber: 0, ExpectedChunks: intPtr(0)})
	assert.ErrorIs(t, err, ErrInvalidExpectedCount)
}

func TestSetExpectedChunks(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.PersistChunk(ctx, ChunkWrite{BatchID: "B3", ChunkNumber: i})
		require.NoError(t, err)
	}

	_, err := repo.SetExpectedChunks(ctx, "B3", 2)
	assert.ErrorIs(t, err, ErrExpectedCountConflict)

	batch, err := repo.SetExpectedChunks(ctx, "B3", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, *batch.ExpectedChunkCount)

	// same value again is a no-op, a different one conflicts
	_, err = repo.SetExpectedChunks(ctx, "B3", 3)
	require.NoError(t, err)
	_, err = repo.SetExpectedChunks(ctx, "B3", 4)
	assert.ErrorIs(t, err, ErrExpectedCountConflict)

	// finalize may arrive before any chunk
	fresh, err := repo.SetExpectedChunks(ctx, "B4", 5)
	require.NoError(t, err)
	assert.Equal(t, models.BatchReceiving, fresh.Status)
	assert.Equal(t, 0, fresh.ReceivedChunkCount)
}

func TestCompleteIfReady(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.CompleteIfReady(ctx, "missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B5", ChunkNumber: 0})
	require.NoError(t, err)

	// no expected count: all known chunks are processed but the batch is
	// not considered complete
	check, err := repo.CompleteIfReady(ctx, "B5")
	require.NoError(t, err)
	assert.False(t, check.Won)
	assert.Equal(t, models.BatchProcessing, check.Batch.Status)

	_, err = repo.SetExpectedChunks(ctx, "B5", 2)
	require.NoError(t, err)
	check, err = repo.CompleteIfReady(ctx, "B5")
	require.NoError(t, err)
	assert.False(t, check.Won)

	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B5", ChunkNumber: 1})
	require.NoError(t, err)

	check, err = repo.CompleteIfReady(ctx, "B5")
	require.NoError(t, err)
	assert.True(t, check.Won)
	assert.Equal(t, models.BatchCompleted, check.Batch.Status)
	assert.NotNil(t, check.Batch.CompletedAt)

	again, err := repo.CompleteIfReady(ctx, "B5")
	require.NoError(t, err)
	assert.False(t, again.Won)
	assert.Equal(t, models.BatchCompleted, again.Batch.Status)

	// completed batches accept no more chunks
	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B5", ChunkNumber: 2})
	assert.ErrorIs(t, err, ErrBatchClosed)
}

func TestCompleteIfReady_ConcurrentCallersOneWinner(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.PersistChunk(ctx, ChunkWrite{BatchID: "B6", ChunkNumber: 0, ExpectedChunks: intPtr(1)})
	require.NoError(t, err)

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check, err := repo.CompleteIfReady(ctx, "B6")
			assert.NoError(t, err)
			if check.Won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPersistChunk_CountersConsistentUnderConcurrency(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	const chunks = 12
	done := make(chan struct{})
	var violations []string
	var snapWG sync.WaitGroup
	snapWG.Add(1)
	go func() {
		defer snapWG.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			b, err := repo.GetBatch(ctx, "B7")
			if err == nil && b.ProcessedChunkCount > b.ReceivedChunkCount {
				violations = append(violations, fmt.Sprintf("%d > %d", b.ProcessedChunkCount, b.ReceivedChunkCount))
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.PersistChunk(ctx, ChunkWrite{
				BatchID:     "B7",
				ChunkNumber: n,
				Records:     []models.Record{record(1, "Alice", "Acc1", "1.00")},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	close(done)
	snapWG.Wait()

	assert.Empty(t, violations)
	b, err := repo.GetBatch(ctx, "B7")
	require.NoError(t, err)
	assert.Equal(t, chunks, b.ReceivedChunkCount)
	assert.Equal(t, chunks, b.ProcessedChunkCount)
}

func TestFailBatch(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	assert.ErrorIs(t, repo.FailBatch(ctx, "nope", "abort"), ErrBatchNotFound)

	_, err := repo.PersistChunk(ctx, ChunkWrite{BatchID: "B8", ChunkNumber: 0})
	require.NoError(t, err)
	require.NoError(t, repo.FailBatch(ctx, "B8", "client aborted"))

	b, err := repo.GetBatch(ctx, "B8")
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, b.Status)
	assert.Equal(t, "client aborted", b.FailureReason)

	assert.ErrorIs(t, repo.FailBatch(ctx, "B8", "again"), ErrBatchClosed)
	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B8", ChunkNumber: 1})
	assert.ErrorIs(t, err, ErrBatchClosed)
	_, err = repo.SetExpectedChunks(ctx, "B8", 1)
	assert.ErrorIs(t, err, ErrBatchClosed)
}

func TestMarkDispatchedAndListUndispatched(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	for _, id := range []string{"B9", "B10"} {
		_, err := repo.PersistChunk(ctx, ChunkWrite{BatchID: id, ChunkNumber: 0, ExpectedChunks: intPtr(1)})
		require.NoError(t, err)
		check, err := repo.CompleteIfReady(ctx, id)
		require.NoError(t, err)
		require.True(t, check.Won)
	}

	pending, err := repo.ListUndispatched(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, repo.MarkDispatched(ctx, "B9", "task-1"))

	pending, err = repo.ListUndispatched(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "B10", pending[0].ID)

	b, err := repo.GetBatch(ctx, "B9")
	require.NoError(t, err)
	assert.Equal(t, "task-1", b.TaskID)
	assert.NotNil(t, b.DispatchedAt)
}

func TestRecordsForBatch_Ordering(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.PersistChunk(ctx, ChunkWrite{BatchID: "B11", ChunkNumber: 2, Records: []models.Record{
		record(2, "Dan", "Acc4", "4.00"),
		record(1, "Carol", "Acc3", "3.00"),
	}})
	require.NoError(t, err)
	_, err = repo.PersistChunk(ctx, ChunkWrite{BatchID: "B11", ChunkNumber: 1, Records: []models.Record{
		record(1, "Alice", "Acc1", "1.00"),
		record(2, "Bob", "Acc2", "2.50"),
	}})
	require.NoError(t, err)

	records, err := repo.RecordsForBatch(ctx, "B11")
	require.NoError(t, err)
	require.Len(t, records, 4)

	var names []string
	for _, r := range records {
		names = append(names, r.CustomerName)
	}
	assert.Equal(t, []string{"Alice", "Bob", "Carol", "Dan"}, names)
	assert.True(t, records[1].Amount.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, models.RecordPending, records[0].Status)
}

func TestRecordsForBatch_AmountsRoundTripExactly(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	amounts := []string{
		"12345678901234567.89",
		"0.123456789012345678",
		"-99999999999999999999.999999999999999999",
		"50.00",
	}
	var rows []models.Record
	for i, a := range amounts {
		rows = append(rows, record(i+1, "Customer", fmt.Sprintf("Acc%d", i), a))
	}
	_, err := repo.PersistChunk(ctx, ChunkWrite{BatchID: "B12", ChunkNumber: 0, Records: rows})
	require.NoError(t, err)

	records, err := repo.RecordsForBatch(ctx, "B12")
	require.NoError(t, err)
	require.Len(t, records, len(amounts))
	for i, a := range amounts {
		assert.True(t, records[i].Amount.Equal(decimal.RequireFromString(a)),
			"row %d: stored %s, want %s", i+1, records[i].Amount.String(), a)
	}
}
