package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bulk-reconciliation-backend/internal/config"
	"bulk-reconciliation-backend/internal/logger"
	"bulk-reconciliation-backend/internal/metrics"
	"bulk-reconciliation-backend/internal/models"
)

// HandlerFunc executes one task. A returned error releases the task for
// another attempt.
type HandlerFunc func(ctx context.Context, payload []byte) error

type Worker struct {
	queue       *GormQueue
	handlers    map[string]HandlerFunc
	poll        time.Duration
	concurrency int
	metrics     *metrics.Recorder
	log         *logger.Entry
}

func NewWorker(q *GormQueue, cfg config.QueueConfig, rec *metrics.Recorder) *Worker {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		handlers:    make(map[string]HandlerFunc),
		poll:        poll,
		concurrency: concurrency,
		metrics:     rec,
		log:         logger.GetLogger().WithComponent("queue_worker"),
	}
}

// Handle registers the handler for a task type. Not safe to call after Run.
func (w *Worker) Handle(taskType string, h HandlerFunc) {
	w.handlers[taskType] = h
}

func (w *Worker) types() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.WithFields(logger.Fields{
		"concurrency": w.concurrency,
		"types":       w.types(),
	}).Info("queue worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	w.log.Info("queue worker stopped")
}

func (w *Worker) loop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		worked, err := w.RunOnce(ctx)
		if err != nil {
			w.log.WithError(err).WithField("slot", slot).Warn("queue poll failed")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one task. It reports whether a task
// was executed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	task, err := w.queue.Claim(ctx, w.types())
	if err != nil || task == nil {
		return false, err
	}

	entry := w.log.WithFields(logger.Fields{
		"task_id":   task.ID.String(),
		"task_type": task.Type,
		"attempt":   task.Attempts,
	})

	started := time.Now()
	runErr := w.execute(ctx, task)
	logger.LogDuration(entry, "task", started, nil)

	// Acknowledge even when the worker is shutting down.
	ackCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		entry.WithError(runErr).Warn("task failed")
		w.metrics.TaskExecuted(task.Type, "failed")
		if err := w.queue.Fail(ackCtx, task, runErr); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				entry.WithError(err).Warn("task claimed elsewhere, release dropped")
				return true, nil
			}
			return true, fmt.Errorf("release task %s: %w", task.ID, err)
		}
		return true, nil
	}

	w.metrics.TaskExecuted(task.Type, "succeeded")
	entry.Info("task succeeded")
	if err := w.queue.Complete(ackCtx, task); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			entry.WithError(err).Warn("task claimed elsewhere, ack dropped")
			return true, nil
		}
		return true, fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return true, nil
}

func (w *Worker) execute(ctx context.Context, task *models.Task) (err error) {
	h, ok := w.handlers[task.Type]
	if !ok {
		return fmt.Errorf("no handler for task type %q", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(ctx, []byte(task.Payload))
}
