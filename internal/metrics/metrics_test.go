package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Enrollment("ok")
	m.Enrollment("ok")
	m.AuditWriteFailed("heartbeat")
	m.ChallengesPurged(3)
	m.ChallengesPurged(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.enrollments.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditFailures.WithLabelValues("heartbeat")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.challengePurges))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "device_identity_enrollments_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Enrollment("ok")
	m.Renewal("ok")
	m.GateDecision("heartbeat", "ok")
	m.Transition("device", "active")
	m.AuditWriteFailed("x")
	m.ChallengesPurged(1)
	m.PurgeFailed()
	assert.NotNil(t, m.Handler())
}
