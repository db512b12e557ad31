package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	r.ChunkProcessed("stored")
	r.ChunkProcessed("stored")
	r.ChunkProcessed("duplicate")
	r.RowsRejected(3)
	r.RowsRejected(0)
	r.CompletionOutcome("triggered")
	r.DispatchFailed()
	r.Discrepancies(2)
	r.TaskExecuted("Reconcile", "succeeded")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.chunksProcessed.WithLabelValues("stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.chunksProcessed.WithLabelValues("duplicate")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.rowsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.completionOutcomes.WithLabelValues("triggered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dispatchFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.discrepancies))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksExecuted.WithLabelValues("Reconcile", "succeeded")))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.DispatchFailed()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "recon_dispatch_failures_total 1")
}
