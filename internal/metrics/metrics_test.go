package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	collector := New(func() float64 { return 2 })
	require.NotNil(t, collector)

	count, err := testutil.GatherAndCount(collector.Registry(), "accession_session_reconnects_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCountersByDaemon(t *testing.T) {
	collector := New(nil)

	collector.Acquired("estimate")
	collector.Acquired("estimate")
	collector.Acquired("process")
	collector.Processed("estimate", "success", 20*time.Millisecond)
	collector.Processed("estimate", "failure", time.Second)
	collector.Held("estimate")
	collector.Saturated("process")
	collector.GlobalHold("process")
	collector.LockLost("process")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.acquired.WithLabelValues("estimate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.acquired.WithLabelValues("process")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.outcomes.WithLabelValues("estimate", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.holds.WithLabelValues("estimate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.saturated.WithLabelValues("process")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.heldCycles.WithLabelValues("process")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.lockLost.WithLabelValues("process")))
}

func TestInFlightGauge(t *testing.T) {
	collector := New(nil)
	collector.WorkerStarted("notify")
	collector.WorkerStarted("notify")
	collector.WorkerDone("notify")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.inFlight.WithLabelValues("notify")))
}

func TestQueueSnapshotReplacesStates(t *testing.T) {
	collector := New(nil)
	collector.QueueSnapshot("job", map[string]int{"pending": 3, "failed": 1})
	collector.QueueSnapshot("job", map[string]int{"pending": 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.queueStates.WithLabelValues("job", "pending")))
	count, err := testutil.GatherAndCount(collector.Registry(), "accession_queue_items")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.Acquired("x")
		collector.Processed("x", "success", time.Second)
		collector.WorkerStarted("x")
		collector.WorkerDone("x")
		collector.Cleaned("job", 3)
		collector.QueueSnapshot("job", map[string]int{"pending": 1})
	})
	assert.Nil(t, collector.Registry())
}

func TestHandlerServesText(t *testing.T) {
	collector := New(nil)
	collector.Cleaned("job", 4)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `accession_cleanup_removed_total{kind="job"} 4`))
}
