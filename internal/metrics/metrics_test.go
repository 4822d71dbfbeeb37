package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector()
	assert.NotNil(t, c)

	// registering twice on the same registry must panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestJobCounters(t *testing.T) {
	c, _ := newTestCollector()

	c.RecordEnqueue("Sync")
	c.RecordEnqueue("Sync")
	c.RecordDispatch("Sync")
	c.RecordCompleted("Sync", 0.2)
	c.RecordRetry("Push", 0.1)
	c.RecordFailed("Push", ReasonExhausted)
	c.RecordDeferred("NetworkConstraint")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsEnqueued.WithLabelValues("Sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDispatched.WithLabelValues("Sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("Sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRetried.WithLabelValues("Push")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("Push", ReasonExhausted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDeferred.WithLabelValues("NetworkConstraint")))
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector()

	c.UpdateQueueStats(5, 2, 1)
	c.SetRecoveryTime(1.5)
	c.SetManifestVersion(7)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.jobsPending))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsBlocked))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.manifestVersion))
}

func TestSyncCounters(t *testing.T) {
	c, _ := newTestCollector()

	c.RecordSync(SyncSuccess)
	c.RecordSync(SyncConflict)
	c.RecordSyncRecords("merged", 3)
	c.RecordSyncRecords("pushed", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.syncRuns.WithLabelValues(SyncConflict)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.syncRecords.WithLabelValues("merged")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.syncRecords))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordEnqueue("x")
		c.RecordDispatch("x")
		c.RecordCompleted("x", 1)
		c.RecordRetry("x", 1)
		c.RecordFailed("x", ReasonExpired)
		c.RecordDeferred("x")
		c.SetRecoveryTime(1)
		c.UpdateQueueStats(1, 1, 1)
		c.RecordSync(SyncNoop)
		c.RecordSyncRecords("pushed", 1)
		c.SetManifestVersion(1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordEnqueue("Sync")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(c.jobsEnqueued.WithLabelValues("Sync")))
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector()
	c.RecordEnqueue("Sync")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `beaver_jobs_enqueued_total{factory="Sync"} 1`))
}
