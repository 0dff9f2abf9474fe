// Package metrics exposes Prometheus collectors for routing, the session
// connection and its keepalive. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Recorder owns a private registry so tests and multiple instances never
// collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	fallbacks  prometheus.Counter
	state      *prometheus.GaugeVec
	reconnects prometheus.Counter
	missed     prometheus.Counter

	mu        sync.Mutex
	lastState string
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inspector_requests_total",
			Help: "Analysis requests by transport and outcome.",
		}, []string{"transport", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inspector_request_duration_seconds",
			Help:    "Analysis request latency by transport.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"transport"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspector_fallbacks_total",
			Help: "Requests that fell back from the session to the synchronous path.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inspector_session_state",
			Help: "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspector_session_reconnects_total",
			Help: "Transitions into the reconnecting state.",
		}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspector_keepalive_missed_total",
			Help: "Keepalive pings that got no pong before the next tick.",
		}),
	}
	r.registry.MustRegister(r.requests, r.duration, r.fallbacks, r.state, r.reconnects, r.missed)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one terminal request outcome.
func (r *Recorder) ObserveRequest(transport string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	r.requests.WithLabelValues(transport, outcome).Inc()
	r.duration.WithLabelValues(transport).Observe(elapsed.Seconds())
}

// Fallback counts a session-to-synchronous fallback.
func (r *Recorder) Fallback() {
	if r == nil {
		return
	}
	r.fallbacks.Inc()
}

// SessionState marks state as current.
func (r *Recorder) SessionState(state string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastState != "" && r.lastState != state {
		r.state.WithLabelValues(r.lastState).Set(0)
	}
	r.state.WithLabelValues(state).Set(1)
	r.lastState = state
}

// Reconnect counts a transition into reconnecting.
func (r *Recorder) Reconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

// KeepAliveMissed counts a missed pong.
func (r *Recorder) KeepAliveMissed() {
	if r == nil {
		return
	}
	r.missed.Inc()
}

// TrackPending registers a gauge that reads the pending request count.
func (r *Recorder) TrackPending(fn func() int) {
	if r == nil || fn == nil {
		return
	}
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "inspector_pending_requests",
		Help: "Session requests awaiting a reply.",
	}, func() float64 { return float64(fn()) }))
}
