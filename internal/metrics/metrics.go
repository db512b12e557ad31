package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests can create as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	chunksProcessed    *prometheus.CounterVec
	rowsRejected       prometheus.Counter
	completionOutcomes *prometheus.CounterVec
	dispatchFailures   prometheus.Counter
	discrepancies      prometheus.Counter
	tasksExecuted      *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		chunksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_chunks_processed_total",
			Help: "Chunk ingestion attempts by result.",
		}, []string{"result"}), // stored, duplicate, error
		rowsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recon_rows_rejected_total",
			Help: "Rows excluded from persistence because they failed to parse.",
		}),
		completionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_completion_checks_total",
			Help: "Completion checks by outcome.",
		}, []string{"outcome"}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recon_dispatch_failures_total",
			Help: "Completed batches whose reconcile task could not be enqueued.",
		}),
		discrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recon_discrepancies_total",
			Help: "Discrepancy records produced by reconciliation.",
		}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_tasks_executed_total",
			Help: "Queue task executions by type and result.",
		}, []string{"type", "result"}),
	}

	registry.MustRegister(r.chunksProcessed)
	registry.MustRegister(r.rowsRejected)
	registry.MustRegister(r.completionOutcomes)
	registry.MustRegister(r.dispatchFailures)
	registry.MustRegister(r.discrepancies)
	registry.MustRegister(r.tasksExecuted)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ChunkProcessed(result string) {
	r.chunksProcessed.WithLabelValues(result).Inc()
}

func (r *Recorder) RowsRejected(n int) {
	if n > 0 {
		r.rowsRejected.Add(float64(n))
	}
}

func (r *Recorder) CompletionOutcome(outcome string) {
	r.completionOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) DispatchFailed() {
	r.dispatchFailures.Inc()
}

func (r *Recorder) Discrepancies(n int) {
	if n > 0 {
		r.discrepancies.Add(float64(n))
	}
}

func (r *Recorder) TaskExecuted(taskType, result string) {
	r.tasksExecuted.WithLabelValues(taskType, result).Inc()
}
