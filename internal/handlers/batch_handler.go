package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/models"
	"bulk-reconciliation-backend/internal/repository"
	"bulk-reconciliation-backend/internal/services/completion"
	"bulk-reconciliation-backend/internal/services/ingest"

	"github.com/gin-gonic/gin"
)

type Ingestor interface {
	ProcessChunk(ctx context.Context, up ingest.ChunkUpload) (ingest.ChunkResult, error)
	Finalize(ctx context.Context, batchID string, totalChunks int) (ingest.FinalizeResult, error)
}

type BatchStore interface {
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ListChunks(ctx context.Context, batchID string) ([]models.Chunk, error)
	FailBatch(ctx context.Context, batchID, reason string) error
}

type Sweeper interface {
	Sweep(ctx context.Context, limit int) (int, error)
}

const defaultSweepLimit = 100

type BatchHandler struct {
	ingestor       Ingestor
	store          BatchStore
	sweeper        Sweeper
	maxUploadBytes int64
	log            *logger.Entry
}

func NewBatchHandler(ing Ingestor, store BatchStore, sweeper Sweeper, maxUploadBytes int64) *BatchHandler {
	return &BatchHandler{
		ingestor:       ing,
		store:          store,
		sweeper:        sweeper,
		maxUploadBytes: maxUploadBytes,
		log:            logger.GetLogger().WithComponent("http"),
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrInvalidChunk),
		errors.Is(err, ingest.ErrStream),
		errors.Is(err, repository.ErrInvalidExpectedCount):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrBatchClosed),
		errors.Is(err, repository.ErrExpectedCountConflict),
		errors.Is(err, repository.ErrTooManyChunks),
		errors.Is(err, completion.ErrBatchFailed):
		return http.StatusConflict
	case errors.Is(err, repository.ErrTransaction):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *BatchHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logger.Fields{
			"path":   c.FullPath(),
			"status": status,
		}).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// UploadChunk accepts one chunk as the multipart field "file". The optional
// form field "total_chunks" declares the size of the batch.
func (h *BatchHandler) UploadChunk(c *gin.Context) {
	batchID := c.Param("batchId")
	chunkNumber, err := strconv.Atoi(c.Param("chunkNumber"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk number"})
		return
	}

	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "chunk too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	defer file.Close()

	var expected *int
	if raw := c.PostForm("total_chunks"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_chunks"})
			return
		}
		expected = &n
	}

	h.log.WithFields(logger.Fields{
		"batch_id":     batchID,
		"chunk_number": chunkNumber,
		"filename":     header.Filename,
		"size":         header.Size,
	}).Debug("chunk received")

	result, err := h.ingestor.ProcessChunk(c.Request.Context(), ingest.ChunkUpload{
		BatchID:        batchID,
		ChunkNumber:    chunkNumber,
		ExpectedChunks: expected,
		Payload:        file,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "chunk processed",
		"result":  result,
	})
}

func (h *BatchHandler) Finalize(c *gin.Context) {
	var payload struct {
		TotalChunks int `json:"total_chunks"`
	}
	if err := c.BindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	result, err := h.ingestor.Finalize(c.Request.Context(), c.Param("batchId"), payload.TotalChunks)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *BatchHandler) GetBatch(c *gin.Context) {
	batchID := c.Param("batchId")
	batch, err := h.store.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		h.fail(c, err)
		return
	}
	chunks, err := h.store.ListChunks(c.Request.Context(), batchID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batch_id":         batch.ID,
		"status":           batch.Status,
		"expected_chunks":  batch.ExpectedChunkCount,
		"received_chunks":  batch.ReceivedChunkCount,
		"processed_chunks": batch.ProcessedChunkCount,
		"failure_reason":   batch.FailureReason,
		"completed_at":     batch.CompletedAt,
		"dispatched_at":    batch.DispatchedAt,
		"task_id":          batch.TaskID,
		"chunks":           chunks,
	})
}

// Abort fails a batch that has not completed.
func (h *BatchHandler) Abort(c *gin.Context) {
	var payload struct {
		Reason string `json:"reason"`
	}
	// body is optional
	_ = c.ShouldBindJSON(&payload)
	if payload.Reason == "" {
		payload.Reason = "aborted by operator"
	}

	batchID := c.Param("batchId")
	if err := h.store.FailBatch(c.Request.Context(), batchID, payload.Reason); err != nil {
		h.fail(c, err)
		return
	}
	h.log.WithFields(logger.Fields{"batch_id": batchID, "reason": payload.Reason}).Warn("batch aborted")
	c.JSON(http.StatusOK, gin.H{"message": "batch aborted", "batch_id": batchID})
}

// Sweep re-dispatches completed batches whose reconcile task was lost.
func (h *BatchHandler) Sweep(c *gin.Context) {
	limit := defaultSweepLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	dispatched, err := h.sweeper.Sweep(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "dispatched": dispatched})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatched": dispatched})
}
