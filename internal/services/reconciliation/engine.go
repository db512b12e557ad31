package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/metrics"
	"bulk-reconciliation-backend/internal/models"
	"bulk-reconciliation-backend/internal/queue"
	"bulk-reconciliation-backend/internal/report"

	"github.com/shopspring/decimal"
)

var ErrBatchNotCompleted = errors.New("batch is not completed")

// RecomputeFunc derives the amount the system expects for a record.
type RecomputeFunc func(rec models.Record) decimal.Decimal

var one = decimal.RequireFromString("1.00")

// DefaultRecompute takes the uploaded amount at face value, so a batch only
// reports discrepancies once a real rule is plugged in.
func DefaultRecompute(rec models.Record) decimal.Decimal {
	return rec.Amount.Mul(one)
}

type Source interface {
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	RecordsForBatch(ctx context.Context, batchID string) ([]models.Record, error)
}

type Engine struct {
	source    Source
	recompute RecomputeFunc
	metrics   *metrics.Recorder
	log       *logger.Entry
}

func NewEngine(source Source, recompute RecomputeFunc, rec *metrics.Recorder) *Engine {
	if recompute == nil {
		recompute = DefaultRecompute
	}
	return &Engine{
		source:    source,
		recompute: recompute,
		metrics:   rec,
		log:       logger.GetLogger().WithComponent("reconciliation_engine"),
	}
}

// Reconcile compares every stored record of the batch with its recomputed
// amount. It only reads, so running it again yields the same result.
func (e *Engine) Reconcile(ctx context.Context, batchID string) ([]models.DiscrepancyRecord, error) {
	records, err := e.source.RecordsForBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load records for %s: %w", batchID, err)
	}

	var out []models.DiscrepancyRecord
	for _, rec := range records {
		expected := e.recompute(rec)
		if expected.Equal(rec.Amount.Decimal) {
			continue
		}
		out = append(out, models.DiscrepancyRecord{
			RowNumber:     rec.RowNumber,
			ChunkNumber:   rec.ChunkNumber,
			CustomerName:  rec.CustomerName,
			AccountNumber: rec.AccountNumber,
			SystemAmount:  expected,
			ExcelAmount:   rec.Amount.Decimal,
			Reason: fmt.Sprintf("Amount mismatch: Expected %s, got %s",
				report.FormatAmount(expected), report.FormatAmount(rec.Amount.Decimal)),
		})
	}
	return out, nil
}

// Handler runs reconciliation for a Reconcile task and hands the result to
// the sink. Redelivery writes another report with the same content.
func (e *Engine) Handler(sink report.Sink) queue.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		var p queue.ReconcilePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode reconcile payload: %w", err)
		}
		if p.BatchID == "" {
			return errors.New("reconcile payload has no batch id")
		}

		batch, err := e.source.GetBatch(ctx, p.BatchID)
		if err != nil {
			return err
		}
		if batch.Status != models.BatchCompleted {
			return fmt.Errorf("%w: %s is %s", ErrBatchNotCompleted, batch.ID, batch.Status)
		}

		entry := e.log.WithField("batch_id", p.BatchID)
		started := time.Now()
		entry.Info("starting discrepancy check")

		discrepancies, err := e.Reconcile(ctx, p.BatchID)
		if err != nil {
			return err
		}
		e.metrics.Discrepancies(len(discrepancies))

		location, err := sink.Write(ctx, p.BatchID, discrepancies)
		if err != nil {
			return fmt.Errorf("write report for %s: %w", p.BatchID, err)
		}

		logger.LogDuration(entry, "reconcile", started, nil)
		entry.WithFields(logger.Fields{
			"discrepancies": len(discrepancies),
			"location":      location,
		}).Info("discrepancy report generated")
		return nil
	}
}
