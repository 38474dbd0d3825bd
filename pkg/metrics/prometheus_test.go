package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/domain"
)

func TestCallLifecycleMetrics(t *testing.T) {
	m := NewMetrics("test")

	m.CallInitiated(domain.CallTypeVideo)
	m.CallInitiated(domain.CallTypeAudio)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.callsActive))

	m.CallFinished(domain.CallTypeVideo, domain.CallStatusCompleted, 42)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("video", "completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.callsDuration))
}

func TestFanoutCountsDeliveredAndDropped(t *testing.T) {
	m := NewMetrics("test")

	m.RecordFanout("ReceiveMessage", 3, 1)
	m.RecordFanout("ReceiveMessage", 2, 0)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.fanoutDeliveredTotal.WithLabelValues("ReceiveMessage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fanoutDroppedTotal.WithLabelValues("ReceiveMessage")))
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")
	a.SetRedisDegraded(true)
	b.SetRedisDegraded(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.redisDegraded))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.redisDegraded))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics("test")
	m.RecordPushResult("sent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `push_notifications_total{result="sent",service="test"} 1`))
}

func TestBreakerStateGauge(t *testing.T) {
	m := NewMetrics("test")
	m.SetBreakerState("push", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("push")))
	m.SetBreakerState("push", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("push")))
}
