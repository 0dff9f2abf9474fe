// Package eventloop gives every blocking caller its own single-goroutine
// scheduler, so synchronous call sites can drive session operations without
// sharing a scheduler between callers.
//
// A caller is identified by an owner key carried in its context (see
// WithOwner). Worker goroutines set one key for their whole lifetime.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"screen-inspector/src/logutil"
)

// DefaultOwner is the key For uses for an empty owner. Acquire derives
// per-call keys from it for callers that never set one.
const DefaultOwner = "default"

var (
	// ErrClosed is returned by Run once the loop has been torn down.
	ErrClosed = errors.New("event loop closed")
	// ErrWrongOwner is returned when a loop is driven under another owner key.
	ErrWrongOwner = errors.New("event loop driven by a different owner")
)

type ownerKey struct{}

// WithOwner tags ctx with the caller's owner key.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner key in ctx, or DefaultOwner.
func OwnerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultOwner
}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Loop executes tasks one at a time on its own goroutine.
type Loop struct {
	owner  string
	tasks  chan task
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newLoop(owner string, logger *slog.Logger) *Loop {
	l := &Loop{
		owner:  owner,
		tasks:  make(chan task),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// Owner returns the key this loop belongs to.
func (l *Loop) Owner() string { return l.owner }

func (l *Loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.quit:
			return
		case t := <-l.tasks:
			t.done <- l.exec(t)
		}
	}
}

func (l *Loop) exec(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "owner", l.owner, "panic", r)
			err = fmt.Errorf("event loop task panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

// Run executes fn on the loop and blocks until it returns. The owner key in
// ctx must match the loop's owner. If ctx ends before the loop picks the task
// up, Run returns ctx's error without running fn; once fn has started, Run
// waits for it.
func (l *Loop) Run(ctx context.Context, fn func(context.Context) error) error {
	if owner := OwnerFrom(ctx); owner != l.owner {
		return fmt.Errorf("%w: loop %q, caller %q", ErrWrongOwner, l.owner, owner)
	}
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.tasks <- t:
	}
	return <-t.done
}

// Close stops the loop after any running task finishes.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
	<-l.exited
}

// Registry hands out one Loop per owner key, created lazily.
type Registry struct {
	seq    atomic.Uint64
	mu     sync.Mutex
	loops  map[string]*Loop
	closed bool
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger passed to loops.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{loops: make(map[string]*Loop), logger: logutil.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// For returns the loop owned by owner, creating it on first use. After Close
// it returns an already-closed loop.
func (r *Registry) For(owner string) *Loop {
	if owner == "" {
		owner = DefaultOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loops[owner]; ok {
		return l
	}
	l := newLoop(owner, r.logger)
	if r.closed {
		l.Close()
		return l
	}
	r.loops[owner] = l
	r.logger.Debug("created event loop", "owner", owner)
	return l
}

// Acquire returns the loop for the owner key in ctx. A ctx without an owner
// key gets a loop of its own under a fresh key, returned in the derived
// context; release tears that loop down. For a keyed ctx release does
// nothing.
func (r *Registry) Acquire(ctx context.Context) (context.Context, *Loop, func()) {
	if owner, ok := ctx.Value(ownerKey{}).(string); ok && owner != "" {
		return ctx, r.For(owner), func() {}
	}
	owner := fmt.Sprintf("%s-%d", DefaultOwner, r.seq.Add(1))
	return WithOwner(ctx, owner), r.For(owner), func() { r.Release(owner) }
}

// Len returns the number of live loops.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// Release tears down the loop for owner, if any.
func (r *Registry) Release(owner string) {
	r.mu.Lock()
	l, ok := r.loops[owner]
	delete(r.loops, owner)
	r.mu.Unlock()
	if ok {
		l.Close()
	}
}

// Close tears down every loop.
func (r *Registry) Close() {
	r.mu.Lock()
	loops := r.loops
	r.loops = make(map[string]*Loop)
	r.closed = true
	r.mu.Unlock()

	for _, l := range loops {
		l.Close()
	}
}
