package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveAssessment(10, false)
	m.ObserveAssessment(70, true)
	m.ObserveAssessment(45, true)
	m.ObserveCredit("AUTO_APPROVED", "none")
	m.ObserveCredit("AUTO_APPROVED", "already_processed")
	m.IncCreditRetry()
	m.ObserveSweep(3, 1, 20*time.Millisecond)
	m.ObserveReferral("credited")
	m.ObserveAlert("webhook", nil)
	m.ObserveAlert("webhook", errors.New("down"))
	m.SetBreakerState("alert-webhook", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.assessments.WithLabelValues("auto")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.assessments.WithLabelValues("review")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.credits.WithLabelValues("AUTO_APPROVED", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.creditRetries))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepCredited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.referrals.WithLabelValues("credited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("webhook", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("alert-webhook")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveReferral("invalid_code")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `questpoints_referrals_total{outcome="invalid_code"} 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveAssessment(1, false)
		m.ObserveCredit("APPROVED", "none")
		m.IncCreditRetry()
		m.ObserveSweep(1, 0, time.Second)
		m.ObserveReferral("failed")
		m.ObserveAlert("log", nil)
		m.SetBreakerState("x", 0)
		m.ObserveHTTPRequest(http.MethodGet, "/", 200, time.Millisecond)
	})
	assert.Nil(t, m.Registry())

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
