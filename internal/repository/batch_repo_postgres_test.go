package repository

import (
	"context"
	"testing"
	"time"

	"bulk-reconciliation-backend/internal/config"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupPostgresMock(t *testing.T) (*BatchRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return NewBatchRepository(gormDB, config.DatabaseConfig{TxTimeout: time.Second}), mock
}

var batchColumns = []string{"id", "expected_chunk_count", "received_chunk_count", "processed_chunk_count", "status"}

func TestCompleteIfReady_PostgresLocksRowAndGuardsStatus(t *testing.T) {
	repo, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "batches" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(batchColumns).AddRow("B1", 2, 2, 2, "Processing"))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "chunks" WHERE batch_id = \$1 AND status <> \$2`).
		WithArgs("B1", "Processed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE "batches" SET .*"status"=\$\d+.* WHERE id = \$\d+ AND status IN \(\$\d+,\$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	check, err := repo.CompleteIfReady(context.Background(), "B1")
	require.NoError(t, err)
	assert.True(t, check.Won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteIfReady_PostgresLostRace(t *testing.T) {
	repo, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "batches" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(batchColumns).AddRow("B1", 2, 2, 2, "Processing"))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE "batches" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	check, err := repo.CompleteIfReady(context.Background(), "B1")
	require.NoError(t, err)
	assert.False(t, check.Won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteIfReady_PostgresSkipsUpdateWhenIncomplete(t *testing.T) {
	repo, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "batches" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(batchColumns).AddRow("B1", 3, 2, 2, "Processing"))
	mock.ExpectCommit()

	check, err := repo.CompleteIfReady(context.Background(), "B1")
	require.NoError(t, err)
	assert.False(t, check.Won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteIfReady_PostgresRollsBackOnError(t *testing.T) {
	repo, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "batches"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := repo.CompleteIfReady(context.Background(), "B1")
	assert.ErrorIs(t, err, ErrTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}
