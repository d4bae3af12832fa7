package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.RecordCycle("ok", 0.2)
	m.RecordCycle("ok", 0.1)
	m.RecordSample("time_spent", "catch_up", "ok")
	m.RecordEvent("active")
	m.QueueDepth.Set(3)

	body := scrape(t, m)
	assert.Contains(t, body, `codetime_sync_cycles_total{result="ok"} 2`)
	assert.Contains(t, body, `codetime_samples_total{kind="time_spent",origin="catch_up",result="ok"} 1`)
	assert.Contains(t, body, `codetime_events_total{type="active"} 1`)
	assert.Contains(t, body, `codetime_queue_depth 3`)
	assert.Contains(t, body, `codetime_sync_duration_seconds_count 2`)
}

func TestMetrics_RecordError(t *testing.T) {
	m := New()
	m.RecordError("syncer", "save")

	assert.Contains(t, scrape(t, m), `codetime_errors_total{module="syncer",type="save"} 1`)
}
