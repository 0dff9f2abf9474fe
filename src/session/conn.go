// Package session keeps a persistent Socket.IO connection to the analysis
// backend and correlates requests sent over it with their replies.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"screen-inspector/src/analysis"
	"screen-inspector/src/apierr"
	"screen-inspector/src/logutil"
	"screen-inspector/src/metrics"
	"screen-inspector/src/pending"
	"screen-inspector/src/socketio"
)

// State of the session connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Wire defaults of the deployed backend.
const (
	DefaultRequestEvent      = "geminiRequest"
	DefaultResultEvent       = "gemini_response"
	DefaultConnectAttempts   = 5
	DefaultReconnectDelay    = time.Second
	DefaultReconnectDelayMax = 5 * time.Second

	eventPing = "ping"
	eventPong = "pong"
)

// ErrNotEnqueued marks an Analyze call whose request never reached the wire.
// Callers may safely retry it over another transport.
var ErrNotEnqueued = errors.New("request not enqueued")

// Transport is a live connection. *socketio.Conn implements it.
type Transport interface {
	Emit(name string, args ...any) error
	Next() (socketio.Event, error)
	Close() error
}

// DialFunc opens a new Transport.
type DialFunc func(ctx context.Context) (Transport, error)

// SocketIODialer dials the backend with opts on every attempt.
func SocketIODialer(opts socketio.Options) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		conn, err := socketio.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Handler receives one inbound event.
type Handler func(ev socketio.Event)

// Transition describes one state change.
type Transition struct {
	From State
	To   State
	Err  error
}

// Request is the outbound analysis payload.
type Request struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	Image     string `json:"image"`
}

type Options struct {
	Dial              DialFunc
	RequestEvent      string
	ResultEvent       string
	Prompt            string
	ConnectAttempts   int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	PingInterval        time.Duration
	MissedPongThreshold int

	Registry *pending.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

func (o *Options) setDefaults() {
	if o.RequestEvent == "" {
		o.RequestEvent = DefaultRequestEvent
	}
	if o.ResultEvent == "" {
		o.ResultEvent = DefaultResultEvent
	}
	if o.Prompt == "" {
		o.Prompt = analysis.DefaultPrompt
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = max(DefaultReconnectDelayMax, o.ReconnectDelay)
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.MissedPongThreshold <= 0 {
		o.MissedPongThreshold = DefaultMissedPongThreshold
	}
	if o.Registry == nil {
		o.Registry = pending.New()
	}
	if o.Logger == nil {
		o.Logger = logutil.NewNop()
	}
}

// Conn is the session connection state machine. Every state change happens
// under mu; observers are notified afterwards, in order, outside it.
type Conn struct {
	opts     Options
	registry *pending.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	gen       uint64
	cycle     uint64
	cancel    context.CancelFunc
	lastErr   error
	handlers  map[string]Handler
	keepalive *KeepAlive
	kaCancel  context.CancelFunc
	observers []func(Transition)
	queue     []Transition

	notifyMu sync.Mutex
}

// New creates a disconnected session.
func New(opts Options) (*Conn, error) {
	if opts.Dial == nil {
		return nil, errors.New("session: Dial is required")
	}
	opts.setDefaults()
	c := &Conn{
		opts:     opts,
		registry: opts.Registry,
		logger:   opts.Logger.With("component", "session"),
		state:    Disconnected,
	}
	c.resetHandlersLocked()
	opts.Metrics.SessionState(Disconnected.String())
	return c, nil
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error behind the most recent failure, if any.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Registry returns the pending request registry the session resolves into.
func (c *Conn) Registry() *pending.Registry { return c.registry }

// KeepAlive returns the monitor of the live transport, or the zero state.
func (c *Conn) KeepAlive() KeepAliveState {
	c.mu.Lock()
	ka := c.keepalive
	c.mu.Unlock()
	if ka == nil {
		return KeepAliveState{}
	}
	return ka.Snapshot()
}

// OnStateChange registers an observer. Observers run on the goroutine that
// caused the change and must not call Connect or Disconnect.
func (c *Conn) OnStateChange(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// OnEvent installs the handler for an inbound event, replacing any previous
// one. Handlers are reset to the core set on every disconnect and connect
// error.
func (c *Conn) OnEvent(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

// Connect dials the backend, retrying with exponential backoff. It returns
// true once Connected. After the last failed attempt the session is Failed
// and LastError is a SessionUnavailable error. Connect on a session that is
// already connected or connecting returns without dialing.
func (c *Conn) Connect(ctx context.Context) bool {
	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return true
	case Connecting, Reconnecting:
		c.mu.Unlock()
		return false
	}
	cycle, cctx := c.beginCycleLocked(ctx)
	c.transitionLocked(Connecting, nil)
	c.mu.Unlock()
	c.flush()

	tr, err := c.dial(cctx)

	c.mu.Lock()
	if c.cycle != cycle || c.state != Connecting {
		c.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return false
	}
	c.endCycleLocked()
	if err != nil {
		c.lastErr = apierr.Wrap(apierr.SessionUnavailable, "connect session", err)
		c.resetHandlersLocked()
		c.transitionLocked(Failed, c.lastErr)
		c.mu.Unlock()
		c.logger.Error("session connect failed", "err", err, "attempts", c.opts.ConnectAttempts)
		c.flush()
		return false
	}
	c.lastErr = nil
	c.attachLocked(tr)
	c.transitionLocked(Connected, nil)
	c.mu.Unlock()
	c.logger.Info("session connected")
	c.flush()
	return true
}

// Disconnect closes the session from any state. Pending requests fail with
// ConnectionLost and no reconnect follows.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.cycle++
	tr := c.detachLocked()
	c.resetHandlersLocked()
	if c.state != Disconnected {
		c.transitionLocked(Disconnected, nil)
	}
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.registry.CancelAll("session disconnected")
	c.flush()
}

// Emit sends an event on the live transport. It fails with
// SessionUnavailable unless the session is Connected.
func (c *Conn) Emit(event string, payload any) error {
	c.mu.Lock()
	if c.state != Connected || c.transport == nil {
		st := c.state
		c.mu.Unlock()
		return apierr.New(apierr.SessionUnavailable, fmt.Sprintf("cannot emit %q while %s", event, st))
	}
	tr := c.transport
	c.mu.Unlock()

	if err := tr.Emit(event, payload); err != nil {
		return apierr.Wrap(apierr.SessionUnavailable, fmt.Sprintf("emit %q", event), err)
	}
	return nil
}

// Analyze sends image over the session and waits for the correlated reply.
// Errors that happened before the request left the process wrap
// ErrNotEnqueued.
func (c *Conn) Analyze(ctx context.Context, requestID string, image []byte) (analysis.Result, error) {
	h, err := c.registry.Register(requestID)
	if err != nil {
		return analysis.Result{}, fmt.Errorf("%w: %w", ErrNotEnqueued, err)
	}
	req := Request{
		RequestID: requestID,
		Message:   c.opts.Prompt,
		Image:     base64.StdEncoding.EncodeToString(image),
	}
	if err := c.Emit(c.opts.RequestEvent, req); err != nil {
		c.registry.Forget(requestID)
		return analysis.Result{}, fmt.Errorf("%w: %w", ErrNotEnqueued, err)
	}
	c.logger.Debug("request sent", "request_id", requestID, "bytes", len(image))

	payload, err := h.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.registry.Forget(requestID)
		}
		return analysis.Result{}, err
	}
	return analysis.Decode(payload)
}

func (c *Conn) beginCycleLocked(ctx context.Context) (uint64, context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	cctx, cancel := context.WithCancel(ctx)
	c.cycle++
	c.cancel = cancel
	return c.cycle, cctx
}

func (c *Conn) endCycleLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Conn) dial(ctx context.Context) (Transport, error) {
	delay := c.opts.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
		tr, err := c.opts.Dial(ctx)
		if err == nil {
			return tr, nil
		}
		lastErr = err
		c.logger.Warn("session dial failed", "attempt", attempt, "err", err)
		if attempt == c.opts.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.ReconnectDelayMax)
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", c.opts.ConnectAttempts, lastErr)
}

// attachLocked installs tr as the live transport and starts its reader and
// keepalive.
func (c *Conn) attachLocked(tr Transport) {
	c.gen++
	gen := c.gen
	c.transport = tr

	kctx, cancel := context.WithCancel(context.Background())
	c.kaCancel = cancel
	c.keepalive = newKeepAlive(c.opts.PingInterval, c.opts.MissedPongThreshold, c.logger,
		func(context.Context) error { return c.emitOn(gen, eventPing, "Ping from client") },
		func() { c.transportLost(gen, errors.New("keepalive: pongs missed")) },
		c.opts.Metrics.KeepAliveMissed,
	)
	go c.readLoop(tr, gen)
	go c.keepalive.run(kctx)
}

// detachLocked stops the keepalive and returns the transport for closing.
func (c *Conn) detachLocked() Transport {
	tr := c.transport
	c.transport = nil
	c.gen++
	if c.kaCancel != nil {
		c.kaCancel()
		c.kaCancel = nil
	}
	return tr
}

// emitOn sends only while gen is still the live, connected transport.
func (c *Conn) emitOn(gen uint64, event string, payload any) error {
	c.mu.Lock()
	if c.gen != gen || c.state != Connected || c.transport == nil {
		c.mu.Unlock()
		return apierr.New(apierr.SessionUnavailable, "transport no longer live")
	}
	tr := c.transport
	c.mu.Unlock()
	return tr.Emit(event, payload)
}

func (c *Conn) readLoop(tr Transport, gen uint64) {
	for {
		ev, err := tr.Next()
		if err != nil {
			c.transportLost(gen, err)
			return
		}
		c.mu.Lock()
		live := c.gen == gen
		h := c.handlers[ev.Name]
		c.mu.Unlock()
		if !live {
			return
		}
		if h == nil {
			c.logger.Debug("unhandled event", "event", ev.Name)
			continue
		}
		h(ev)
	}
}

// transportLost moves a connected session to Reconnecting. Only the first
// report for a transport generation has any effect.
func (c *Conn) transportLost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	tr := c.detachLocked()
	c.lastErr = apierr.Wrap(apierr.ConnectionLost, "session transport lost", cause)
	c.resetHandlersLocked()
	c.transitionLocked(Reconnecting, c.lastErr)
	cycle, cctx := c.beginCycleLocked(context.Background())
	c.mu.Unlock()

	c.logger.Warn("session transport lost", "err", cause)
	if tr != nil {
		_ = tr.Close()
	}
	c.registry.CancelAll("session connection lost")
	c.opts.Metrics.Reconnect()
	c.flush()

	go c.reconnect(cycle, cctx)
}

func (c *Conn) reconnect(cycle uint64, ctx context.Context) {
	tr, err := c.dial(ctx)

	c.mu.Lock()
	if c.cycle != cycle || c.state != Reconnecting {
		c.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return
	}
	c.endCycleLocked()
	if err != nil {
		c.lastErr = apierr.Wrap(apierr.SessionUnavailable, "reconnect session", err)
		c.transitionLocked(Disconnected, c.lastErr)
		c.mu.Unlock()
		c.logger.Error("session reconnect failed", "err", err)
		c.flush()
		return
	}
	c.lastErr = nil
	c.attachLocked(tr)
	c.transitionLocked(Connected, nil)
	c.mu.Unlock()
	c.logger.Info("session reconnected")
	c.flush()
}

func (c *Conn) resetHandlersLocked() {
	c.handlers = map[string]Handler{
		eventPing:           c.handlePing,
		eventPong:           c.handlePong,
		c.opts.ResultEvent: c.handleResult,
	}
}

func (c *Conn) handlePing(socketio.Event) {
	if err := c.Emit(eventPong, "Pong from client"); err != nil {
		c.logger.Debug("pong not sent", "err", err)
	}
}

func (c *Conn) handlePong(socketio.Event) {
	c.mu.Lock()
	ka := c.keepalive
	c.mu.Unlock()
	if ka != nil {
		ka.Pong()
	}
}

func (c *Conn) handleResult(ev socketio.Event) {
	payload := ev.Arg(0)
	if id := requestID(payload); id != "" {
		c.registry.Resolve(id, payload)
		return
	}
	c.registry.ResolveOldest(payload)
}

func requestID(payload json.RawMessage) string {
	var ids struct {
		RequestID string `json:"request_id"`
		Camel     string `json:"requestId"`
	}
	if err := json.Unmarshal(payload, &ids); err != nil {
		return ""
	}
	if ids.RequestID != "" {
		return ids.RequestID
	}
	return ids.Camel
}

func (c *Conn) transitionLocked(to State, err error) {
	from := c.state
	c.state = to
	c.queue = append(c.queue, Transition{From: from, To: to, Err: err})
	c.opts.Metrics.SessionState(to.String())
}

// flush delivers queued transitions to observers in the order they happened.
func (c *Conn) flush() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		tr := c.queue[0]
		c.queue = c.queue[1:]
		observers := append([]func(Transition){}, c.observers...)
		c.mu.Unlock()

		c.logger.Debug("session state", "from", tr.From, "to", tr.To)
		for _, fn := range observers {
			fn(tr)
		}
	}
}
