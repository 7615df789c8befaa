package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageSent(1)
		m.SendFailed(1, 2)
		m.Applied(3, 3)
		m.Write("ok", time.Millisecond)
		m.Recovery(1, "ok")
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.SendFailed(1, 3)
	m.SendFailed(1, 3)
	m.Applied(2, 2)
	m.CASConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sendFailures.WithLabelValues("1", "3")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.appliedUnits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.replicaIdx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.casConflicts))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Recovery(2, "failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `replikv_recovery_attempts_total{node="2",result="failed"} 1`)
}
