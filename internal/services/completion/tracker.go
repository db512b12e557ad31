package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/metrics"
	"bulk-reconciliation-backend/internal/models"
	"bulk-reconciliation-backend/internal/queue"
	"bulk-reconciliation-backend/internal/repository"

	"github.com/hashicorp/go-multierror"
)

type Outcome string

const (
	Triggered        Outcome = "triggered"
	NotYet           Outcome = "not-yet"
	AlreadyTriggered Outcome = "already-triggered"
)

var ErrBatchFailed = errors.New("batch has failed")

// Store is the part of the record store the tracker needs.
type Store interface {
	CompleteIfReady(ctx context.Context, batchID string) (repository.CompletionCheck, error)
	MarkDispatched(ctx context.Context, batchID, taskID string) error
	ListUndispatched(ctx context.Context, limit int) ([]models.Batch, error)
}

// Tracker decides when a batch is complete and makes sure the reconcile
// task is emitted by exactly one caller.
type Tracker struct {
	store      Store
	dispatcher queue.Dispatcher
	metrics    *metrics.Recorder
	log        *logger.Entry
	wg         sync.WaitGroup
}

func NewTracker(store Store, dispatcher queue.Dispatcher, rec *metrics.Recorder) *Tracker {
	return &Tracker{
		store:      store,
		dispatcher: dispatcher,
		metrics:    rec,
		log:        logger.GetLogger().WithComponent("completion_tracker"),
	}
}

// CheckAndTrigger runs the completion check for a batch. When this call wins
// the transition to Completed, the reconcile task is dispatched in the
// background and Triggered is returned; the caller does not wait for the
// queue.
func (t *Tracker) CheckAndTrigger(ctx context.Context, batchID string) (Outcome, error) {
	check, err := t.store.CompleteIfReady(ctx, batchID)
	if err != nil {
		return NotYet, err
	}

	var outcome Outcome
	switch {
	case check.Won:
		outcome = Triggered
	case check.Batch.Status == models.BatchCompleted:
		outcome = AlreadyTriggered
	case check.Batch.Status == models.BatchFailed:
		return NotYet, fmt.Errorf("%w: %s", ErrBatchFailed, batchID)
	default:
		outcome = NotYet
	}
	t.metrics.CompletionOutcome(string(outcome))

	if outcome == Triggered {
		t.log.WithFields(logger.Fields{
			"batch_id":        batchID,
			"expected_chunks": *check.Batch.ExpectedChunkCount,
		}).Info("batch completed, dispatching reconciliation")
		t.dispatchAsync(ctx, batchID)
	}
	return outcome, nil
}

func (t *Tracker) dispatchAsync(ctx context.Context, batchID string) {
	ctx = context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.dispatch(ctx, batchID); err != nil {
			// The batch stays Completed; Sweep is the recovery path.
			t.metrics.DispatchFailed()
			t.log.WithError(err).WithField("batch_id", batchID).
				Error("reconcile dispatch failed, batch needs a sweep")
		}
	}()
}

func (t *Tracker) dispatch(ctx context.Context, batchID string) error {
	taskID, err := t.dispatcher.Enqueue(ctx, queue.TaskReconcile, queue.ReconcilePayload{BatchID: batchID})
	if err != nil {
		return fmt.Errorf("enqueue reconcile for %s: %w", batchID, err)
	}
	if err := t.store.MarkDispatched(ctx, batchID, taskID); err != nil {
		return fmt.Errorf("mark %s dispatched: %w", batchID, err)
	}
	t.log.WithFields(logger.Fields{"batch_id": batchID, "task_id": taskID}).Info("reconcile task enqueued")
	return nil
}

// Wait blocks until every background dispatch has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Sweep re-dispatches completed batches whose reconcile task never reached
// the queue. Returns the number of batches dispatched.
func (t *Tracker) Sweep(ctx context.Context, limit int) (int, error) {
	batches, err := t.store.ListUndispatched(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list undispatched batches: %w", err)
	}

	var result *multierror.Error
	dispatched := 0
	for _, b := range batches {
		if err := t.dispatch(ctx, b.ID); err != nil {
			t.metrics.DispatchFailed()
			result = multierror.Append(result, err)
			continue
		}
		dispatched++
	}

	t.log.WithFields(logger.Fields{
		"candidates": len(batches),
		"dispatched": dispatched,
	}).Info("sweep finished")
	return dispatched, result.ErrorOrNil()
}
