package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.TransfersTotal.WithLabelValues("copy-in").Inc()
	a.SetDegraded(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.TransfersTotal.WithLabelValues("copy-in")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TransfersTotal.WithLabelValues("copy-in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Degraded))

	a.SetDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.Degraded))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.AlertsTotal.WithLabelValues("large_file", "medium").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `usbaudit_alerts_total{kind="large_file",severity="medium"} 1`), body)
}
