package dispatch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncAction(models.ActionStart, models.StateStarted)
		m.ObserveAction(models.ActionStart, time.Second)
		m.IncDecodeFailure()
		m.IncPublishFailure()
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsLabels(t *testing.T) {
	m := NewMetrics()
	m.IncAction(models.ActionStart, models.StateStarted)
	m.IncAction("reboot", models.StateError)
	m.ObserveAction(models.ActionStart, 2*time.Second)
	m.ObserveAction(models.ActionStart, -time.Second)

	assert.Equal(t, float64(1), promtest.ToFloat64(m.actionsTotal.WithLabelValues("start", "started")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.actionsTotal.WithLabelValues("unknown", "error")))
	assert.Equal(t, 1, promtest.CollectAndCount(m.actionDurationSeconds))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `remotelabz_worker_dispatch_actions_total{action="start",state="started"} 1`)
}
