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

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveRequest("session", nil, time.Second)
		r.Fallback()
		r.SessionState("connected")
		r.Reconnect()
		r.KeepAliveMissed()
		r.TrackPending(func() int { return 1 })
	})
	assert.Nil(t, r.Registry())
}

func TestRequestCounters(t *testing.T) {
	r := New()
	r.ObserveRequest("session", nil, 200*time.Millisecond)
	r.ObserveRequest("sync", errors.New("boom"), time.Second)
	r.ObserveRequest("sync", errors.New("boom"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("session", OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("sync", OutcomeError)))

	r.Fallback()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fallbacks))
}

func TestSessionStateGauge(t *testing.T) {
	r := New()
	r.SessionState("connecting")
	r.SessionState("connected")

	assert.Equal(t, 0.0, testutil.ToFloat64(r.state.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.state.WithLabelValues("connected")))
}

func TestPendingGaugeAndHandler(t *testing.T) {
	r := New()
	r.TrackPending(func() int { return 3 })
	r.Reconnect()
	r.KeepAliveMissed()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "inspector_pending_requests 3")
	assert.Contains(t, body, "inspector_session_reconnects_total 1")
	assert.Contains(t, body, "inspector_keepalive_missed_total 1")
}
