package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordSyncRun(t *testing.T) {
	m := NewMetrics()

	m.RecordSyncRun("google", "success", 2*time.Second)
	m.RecordSyncRun("google", "success", time.Second)
	m.RecordSyncRun("microsoft", "error", time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.syncRuns.WithLabelValues("google", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.syncRuns.WithLabelValues("microsoft", "error")))
}

func TestMetricsRecordSyncedEvents(t *testing.T) {
	m := NewMetrics()

	m.RecordSyncedEvents("created", 5)
	m.RecordSyncedEvents("created", 2)
	m.RecordSyncedEvents("deleted", 1)
	m.RecordSyncedEvents("updated", 0)

	assert.Equal(t, float64(7), testutil.ToFloat64(m.syncedEvents.WithLabelValues("created")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.syncedEvents.WithLabelValues("deleted")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.syncedEvents.WithLabelValues("updated")))
}

func TestMetricsHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordHTTPRequest("GET", "/api/v1/connections", 200, 5*time.Millisecond)
	m.RecordTokenRefresh("google", "success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "calsync_http_requests_total")
	assert.Contains(t, body, "calsync_token_refreshes_total")
}
