// Package pending correlates outgoing session requests with the replies that
// answer them.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"screen-inspector/src/apierr"
	"screen-inspector/src/logutil"
)

// DefaultTimeout bounds how long a registered request waits for its reply.
const DefaultTimeout = 30 * time.Second

// ErrDuplicateID is returned when an id is registered while still pending.
var ErrDuplicateID = errors.New("request id already pending")

type outcome struct {
	payload json.RawMessage
	err     error
}

// entry is one in-flight request. done is buffered so fulfilment never blocks
// the dispatcher.
type entry struct {
	id        string
	createdAt time.Time
	timeoutAt time.Time
	done      chan outcome
	timer     *time.Timer
}

// Handle is returned by Register; the caller waits on it.
type Handle struct {
	ID        string
	CreatedAt time.Time
	TimeoutAt time.Time
	done      <-chan outcome
}

// Wait blocks until the request is resolved, times out, is cancelled by a
// disconnect, or ctx is done. A ctx cancellation does not remove the entry;
// it still expires at its own deadline.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case o := <-h.done:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, apierr.Wrap(apierr.KindOf(ctx.Err()), "wait for reply", ctx.Err())
	}
}

// Registry owns in-flight requests keyed by id. All methods are safe for
// concurrent use; a single mutex serializes registration against resolution.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	timeout  time.Duration
	logger   *slog.Logger
	onChange func(pending int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger used for anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithChangeHook is called with the pending count after every change. It runs
// outside the registry lock.
func WithChangeHook(fn func(pending int)) Option {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		timeout: DefaultTimeout,
		logger:  logutil.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a pending entry for id with a deadline.
func (r *Registry) Register(id string) (*Handle, error) {
	if id == "" {
		return nil, errors.New("request id is required")
	}

	now := time.Now()
	e := &entry{
		id:        id,
		createdAt: now,
		timeoutAt: now.Add(r.timeout),
		done:      make(chan outcome, 1),
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.entries[id] = e
	r.order = append(r.order, id)
	e.timer = time.AfterFunc(r.timeout, func() { r.expire(id, e) })
	n := len(r.entries)
	r.mu.Unlock()

	r.changed(n)
	return &Handle{ID: id, CreatedAt: e.createdAt, TimeoutAt: e.timeoutAt, done: e.done}, nil
}

// Resolve fulfills the request with payload. It returns false, and logs, when
// the id is unknown: already resolved, timed out, cancelled or never
// registered.
func (r *Registry) Resolve(id string, payload json.RawMessage) bool {
	e, n := r.take(id)
	if e == nil {
		r.logger.Warn("dropping reply for unknown or settled request", "request_id", id)
		return false
	}
	e.done <- outcome{payload: payload}
	r.changed(n)
	return true
}

// ResolveOldest fulfills the longest-waiting request. It serves replies that
// carry no request id.
func (r *Registry) ResolveOldest(payload json.RawMessage) (string, bool) {
	r.mu.Lock()
	var id string
	if len(r.order) > 0 {
		id = r.order[0]
	}
	r.mu.Unlock()

	if id == "" {
		r.logger.Warn("dropping uncorrelated reply: nothing pending")
		return "", false
	}
	return id, r.Resolve(id, payload)
}

// Forget removes id without fulfilling it. Used when the request never left
// the process.
func (r *Registry) Forget(id string) {
	if e, n := r.take(id); e != nil {
		r.changed(n)
	}
}

// CancelAll fails every pending request with ConnectionLost and returns how
// many were cancelled. The registry is empty when it returns.
func (r *Registry) CancelAll(reason string) int {
	r.mu.Lock()
	cancelled := make([]*entry, 0, len(r.entries))
	for _, id := range r.order {
		e := r.entries[id]
		e.timer.Stop()
		cancelled = append(cancelled, e)
	}
	r.entries = make(map[string]*entry)
	r.order = nil
	r.mu.Unlock()

	for _, e := range cancelled {
		e.done <- outcome{err: apierr.New(apierr.ConnectionLost, reason)}
	}
	if len(cancelled) > 0 {
		r.logger.Info("cancelled pending requests", "count", len(cancelled), "reason", reason)
		r.changed(0)
	}
	return len(cancelled)
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns pending ids, oldest first.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) expire(id string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[id]; !ok || cur != e {
		r.mu.Unlock()
		return
	}
	r.removeLocked(id)
	n := len(r.entries)
	r.mu.Unlock()

	r.logger.Warn("request timed out", "request_id", id, "after", r.timeout)
	e.done <- outcome{err: apierr.New(apierr.Timeout, fmt.Sprintf("no reply within %s", r.timeout))}
	r.changed(n)
}

// take removes and returns the entry for id, stopping its timer.
func (r *Registry) take(id string) (*entry, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, len(r.entries)
	}
	e.timer.Stop()
	r.removeLocked(id)
	return e, len(r.entries)
}

func (r *Registry) removeLocked(id string) {
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) changed(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}
