package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Op("status", "ok")
	m.Transition("pause", "sweep")
	m.Credited(3)
	m.Conflict()
	m.Sweep(0.5, 1)
	m.Request("/health", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Op("status", "ok")
	m.Op("status", "ok")
	m.Credited(3)
	m.Credited(0)
	m.Request("/mining/status", 503)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("status", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Periods))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/mining/status", "5xx")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Conflict()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "minesim_write_conflicts_total 1"))
}
