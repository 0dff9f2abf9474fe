// Package router decides, per request, whether an image goes over the
// persistent session or the synchronous REST path, and falls back from the
// former to the latter when the session cannot serve.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"screen-inspector/src/analysis"
	"screen-inspector/src/apierr"
	"screen-inspector/src/eventloop"
	"screen-inspector/src/logutil"
	"screen-inspector/src/metrics"
	"screen-inspector/src/session"
)

// Path is the transport a request was served on.
type Path string

const (
	PathNone    Path = ""
	PathSession Path = "session"
	PathSync    Path = "sync"
)

// Mode change messages, as shown to the user.
const (
	MsgLowLatency   = "Switched to low latency"
	MsgHighAccuracy = "Switched to high accuracy"
)

// SessionPath is the persistent transport. *session.Conn implements it.
type SessionPath interface {
	State() session.State
	Analyze(ctx context.Context, requestID string, image []byte) (analysis.Result, error)
}

// SyncPath is the request/response transport. *rest.Client implements it.
type SyncPath interface {
	Analyze(ctx context.Context, image []byte) (analysis.Result, error)
}

type Options struct {
	Session       SessionPath
	Sync          SyncPath
	Loops         *eventloop.Registry
	Reporter      apierr.Reporter
	PreferSession bool
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	NewID         func() string
}

// Router is safe for concurrent use.
type Router struct {
	session  SessionPath
	sync     SyncPath
	loops    *eventloop.Registry
	reporter apierr.Reporter
	logger   *slog.Logger
	metrics  *metrics.Recorder
	newID    func() string

	mu       sync.RWMutex
	prefer   bool
	lastPath Path
	subs     map[int]chan Event
	nextSub  int
}

func New(opts Options) (*Router, error) {
	if opts.Sync == nil {
		return nil, errors.New("router: Sync path is required")
	}
	if opts.Loops == nil {
		opts.Loops = eventloop.NewRegistry()
	}
	if opts.Reporter == nil {
		opts.Reporter = apierr.NopReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = logutil.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Router{
		session:  opts.Session,
		sync:     opts.Sync,
		loops:    opts.Loops,
		reporter: opts.Reporter,
		logger:   opts.Logger.With("component", "router"),
		metrics:  opts.Metrics,
		newID:    opts.NewID,
		prefer:   opts.PreferSession,
		subs:     make(map[int]chan Event),
	}, nil
}

// PreferSession reports the routing mode.
func (r *Router) PreferSession() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefer
}

// SetPreferSession switches the routing mode and publishes ModeChanged when
// it actually changes.
func (r *Router) SetPreferSession(prefer bool) {
	r.mu.Lock()
	changed := r.prefer != prefer
	r.prefer = prefer
	r.mu.Unlock()
	if !changed {
		return
	}
	msg := MsgHighAccuracy
	if prefer {
		msg = MsgLowLatency
	}
	r.logger.Info(msg)
	r.publish(Event{Kind: ModeChanged, Message: msg})
}

// LastPath returns the transport of the most recent successful request.
func (r *Router) LastPath() Path {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastPath
}

// SessionAvailable reports whether a request would currently try the session.
func (r *Router) SessionAvailable() bool {
	return r.PreferSession() && r.session != nil && r.session.State() == session.Connected
}

// Send analyzes image on exactly one path, or on the session and then the
// synchronous path when the session could not take or finish the request.
// Errors are *apierr.Error and have been reported.
func (r *Router) Send(ctx context.Context, image []byte) (analysis.Result, error) {
	if len(image) == 0 {
		return analysis.Result{}, r.fail(ctx, "validate image", apierr.New(apierr.Unexpected, "empty image"))
	}

	if r.SessionAvailable() {
		res, err := r.sendSession(ctx, image)
		if err == nil {
			return res, nil
		}
		if !fallbackAllowed(err) {
			return analysis.Result{}, r.fail(ctx, "session request", err)
		}
		r.logger.Warn("session path degraded, falling back", "err", err)
		r.metrics.Fallback()
		r.publish(Event{Kind: TransportDegraded, Path: PathSync, Message: "Session unavailable, using synchronous path", Err: err})
	}

	start := time.Now()
	res, err := r.sync.Analyze(ctx, image)
	r.metrics.ObserveRequest(string(PathSync), err, time.Since(start))
	if err != nil {
		return analysis.Result{}, r.fail(ctx, "Making API call", err)
	}
	r.used(PathSync)
	return res, nil
}

func (r *Router) sendSession(ctx context.Context, image []byte) (analysis.Result, error) {
	id := r.newID()
	start := time.Now()
	var res analysis.Result
	ctx, loop, release := r.loops.Acquire(ctx)
	defer release()
	err := loop.Run(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.session.Analyze(ctx, id, image)
		return err
	})
	r.metrics.ObserveRequest(string(PathSession), err, time.Since(start))
	if err != nil {
		return analysis.Result{}, err
	}
	r.used(PathSession)
	return res, nil
}

// fallbackAllowed holds when the request either never reached the session or
// was lost with the connection before any reply. A session timeout is
// terminal.
func fallbackAllowed(err error) bool {
	switch {
	case errors.Is(err, session.ErrNotEnqueued),
		errors.Is(err, eventloop.ErrClosed),
		errors.Is(err, apierr.ErrConnectionLost):
		return true
	}
	return false
}

func (r *Router) used(p Path) {
	r.mu.Lock()
	changed := r.lastPath != p
	r.lastPath = p
	r.mu.Unlock()
	if changed {
		r.publish(Event{Kind: PathChanged, Path: p, Message: "Using " + string(p) + " transport"})
	}
}

func (r *Router) fail(ctx context.Context, while string, err error) *apierr.Error {
	e := apierr.From(err, while)
	r.logger.Error("request failed", "while", while, "kind", e.Kind, "err", e)
	r.reporter.Report(ctx, apierr.NewReport(while, e))
	return e
}
