package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/metrics"
	"bulk-reconciliation-backend/internal/models"
	"bulk-reconciliation-backend/internal/repository"
	"bulk-reconciliation-backend/internal/services/completion"

	"github.com/hashicorp/go-multierror"
)

var ErrInvalidChunk = errors.New("invalid chunk")

const maxBatchIDLength = 128

type Store interface {
	PersistChunk(ctx context.Context, w repository.ChunkWrite) (repository.PersistResult, error)
	SetExpectedChunks(ctx context.Context, batchID string, expected int) (models.Batch, error)
}

type Trigger interface {
	CheckAndTrigger(ctx context.Context, batchID string) (completion.Outcome, error)
}

type ChunkUpload struct {
	BatchID        string
	ChunkNumber    int
	ExpectedChunks *int
	Payload        io.Reader
}

type ChunkResult struct {
	BatchID        string             `json:"batch_id"`
	ChunkNumber    int                `json:"chunk_number"`
	Accepted       int                `json:"accepted_rows"`
	Rejected       int                `json:"rejected_rows"`
	RowErrors      []RowError         `json:"row_errors,omitempty"`
	Duplicate      bool               `json:"duplicate"`
	BatchStatus    models.BatchStatus `json:"batch_status"`
	ReceivedChunks int                `json:"received_chunks"`
	ExpectedChunks *int               `json:"expected_chunks,omitempty"`
	Outcome        completion.Outcome `json:"completion"`
}

type FinalizeResult struct {
	Batch   models.Batch       `json:"batch"`
	Outcome completion.Outcome `json:"completion"`
}

// Ingestor takes one chunk from raw payload to persisted rows and then asks
// the tracker whether the batch is complete. It never triggers anything
// itself.
type Ingestor struct {
	parser  RowParser
	store   Store
	tracker Trigger
	metrics *metrics.Recorder
	log     *logger.Entry
}

func NewIngestor(parser RowParser, store Store, tracker Trigger, rec *metrics.Recorder) *Ingestor {
	return &Ingestor{
		parser:  parser,
		store:   store,
		tracker: tracker,
		metrics: rec,
		log:     logger.GetLogger().WithComponent("chunk_ingestor"),
	}
}

func validateBatchID(batchID string) error {
	if batchID == "" {
		return fmt.Errorf("%w: batch id is required", ErrInvalidChunk)
	}
	if len(batchID) > maxBatchIDLength {
		return fmt.Errorf("%w: batch id longer than %d characters", ErrInvalidChunk, maxBatchIDLength)
	}
	return nil
}

// ProcessChunk parses, persists and completion-checks one chunk. A stream
// failure aborts before anything is written; malformed rows are reported in
// the result and skipped.
func (i *Ingestor) ProcessChunk(ctx context.Context, up ChunkUpload) (ChunkResult, error) {
	if err := validateBatchID(up.BatchID); err != nil {
		return ChunkResult{}, err
	}
	if up.ChunkNumber < 0 {
		return ChunkResult{}, fmt.Errorf("%w: chunk number must not be negative", ErrInvalidChunk)
	}
	if up.ExpectedChunks != nil && *up.ExpectedChunks < 1 {
		return ChunkResult{}, fmt.Errorf("%w: total chunks must be at least 1", ErrInvalidChunk)
	}
	if up.Payload == nil {
		return ChunkResult{}, fmt.Errorf("%w: payload is required", ErrInvalidChunk)
	}

	entry := i.log.WithFields(logger.Fields{
		"batch_id":     up.BatchID,
		"chunk_number": up.ChunkNumber,
	})
	started := time.Now()

	parsed, err := i.parser.Parse(up.Payload)
	if err != nil {
		i.metrics.ChunkProcessed("error")
		entry.WithError(err).Error("chunk payload unreadable")
		return ChunkResult{}, err
	}

	if len(parsed.Errors) > 0 {
		var rowErrs *multierror.Error
		for _, re := range parsed.Errors {
			rowErrs = multierror.Append(rowErrs, re)
		}
		i.metrics.RowsRejected(len(parsed.Errors))
		entry.WithError(rowErrs).WithField("rejected_rows", len(parsed.Errors)).Warn("rows rejected")
	}

	persisted, err := i.store.PersistChunk(ctx, repository.ChunkWrite{
		BatchID:        up.BatchID,
		ChunkNumber:    up.ChunkNumber,
		ExpectedChunks: up.ExpectedChunks,
		Records:        parsed.Records,
		RejectedRows:   len(parsed.Errors),
	})
	if err != nil {
		i.metrics.ChunkProcessed("error")
		entry.WithError(err).Error("chunk persistence failed")
		return ChunkResult{}, err
	}

	result := ChunkResult{
		BatchID:        up.BatchID,
		ChunkNumber:    up.ChunkNumber,
		Accepted:       len(parsed.Records),
		Rejected:       len(parsed.Errors),
		RowErrors:      parsed.Errors,
		Duplicate:      persisted.Duplicate,
		BatchStatus:    persisted.Batch.Status,
		ReceivedChunks: persisted.Batch.ReceivedChunkCount,
		ExpectedChunks: persisted.Batch.ExpectedChunkCount,
	}
	if persisted.Duplicate {
		i.metrics.ChunkProcessed("duplicate")
		entry.Info("chunk already processed, resubmission ignored")
	} else {
		i.metrics.ChunkProcessed("stored")
	}

	outcome, err := i.tracker.CheckAndTrigger(ctx, up.BatchID)
	if err != nil {
		entry.WithError(err).Error("completion check failed")
		return result, fmt.Errorf("completion check for %s: %w", up.BatchID, err)
	}
	result.Outcome = outcome
	if outcome == completion.Triggered {
		result.BatchStatus = models.BatchCompleted
	}

	logger.LogDuration(entry, "process_chunk", started, logger.Fields{
		"accepted":   result.Accepted,
		"rejected":   result.Rejected,
		"duplicate":  result.Duplicate,
		"completion": string(outcome),
	})
	return result, nil
}

// Finalize declares how many chunks the batch has and runs the completion
// check, so a batch whose last chunk arrived before its total was known can
// still complete.
func (i *Ingestor) Finalize(ctx context.Context, batchID string, totalChunks int) (FinalizeResult, error) {
	if err := validateBatchID(batchID); err != nil {
		return FinalizeResult{}, err
	}
	if totalChunks < 1 {
		return FinalizeResult{}, fmt.Errorf("%w: total chunks must be at least 1", ErrInvalidChunk)
	}

	batch, err := i.store.SetExpectedChunks(ctx, batchID, totalChunks)
	if err != nil {
		return FinalizeResult{}, err
	}

	outcome, err := i.tracker.CheckAndTrigger(ctx, batchID)
	if err != nil {
		return FinalizeResult{Batch: batch}, fmt.Errorf("completion check for %s: %w", batchID, err)
	}
	if outcome == completion.Triggered {
		batch.Status = models.BatchCompleted
	}

	i.log.WithFields(logger.Fields{
		"batch_id":     batchID,
		"total_chunks": totalChunks,
		"completion":   string(outcome),
	}).Info("batch finalized")
	return FinalizeResult{Batch: batch, Outcome: outcome}, nil
}
