package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/ledgersync/pkg/metrics"
)

func TestCollector_RecordCycle(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordCycle("users", metrics.OutcomeOK, 3, 1, 20*time.Millisecond)
	c.RecordCycle("users", metrics.OutcomeOK, 2, 0, 10*time.Millisecond)

	expected := `
# HELP ledgersync_records_projected_total Records committed to the graph store
# TYPE ledgersync_records_projected_total counter
ledgersync_records_projected_total{stream="users"} 5
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "ledgersync_records_projected_total"))
	n, err := testutil.GatherAndCount(c.Registry(), "ledgersync_cycles_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollector_Handler(t *testing.T) {
	c := metrics.NewCollector()
	c.SetWatermark("transactions", time.Unix(1700000000, 0))
	c.RecordFeedback("applied")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ledgersync_watermark_timestamp_seconds{stream="transactions"} 1.7e+09`)
	assert.Contains(t, body, `ledgersync_feedback_total{outcome="applied"} 1`)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.RecordCycle("users", metrics.OutcomeFailed, 0, 0, time.Second)
		c.RecordCursorFailure("users")
		c.RecordFeedback("failed")
		c.SetWatermark("users", time.Now())
	})
}
