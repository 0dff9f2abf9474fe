// Package testsupport provides fake backends for package tests: a Socket.IO
// analysis server and a REST analysis endpoint.
package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"screen-inspector/src/socketio"
)

// Default wire names used by the fake backend.
const (
	RequestEvent = "geminiRequest"
	ResultEvent  = "gemini_response"
)

// EventHandler reacts to one inbound event on a backend connection.
type EventHandler func(c *BackendConn, ev socketio.Event)

// Backend is a fake Socket.IO analysis server.
type Backend struct {
	t         testing.TB
	server    *httptest.Server
	upgrader  websocket.Upgrader
	namespace string
	interval  time.Duration
	timeout   time.Duration

	mu       sync.Mutex
	conns    map[*BackendConn]struct{}
	handlers map[string]EventHandler
	received []socketio.Event
	connects int
	reject   string
	silent   bool
	reply    string
}

// BackendOption customizes a Backend.
type BackendOption func(*Backend)

// WithNamespace serves a namespace other than "/".
func WithNamespace(ns string) BackendOption {
	return func(b *Backend) { b.namespace = ns }
}

// WithEngineHeartbeat sets the Engine.IO ping interval and timeout advertised
// in the open packet. The backend sends an Engine.IO ping every interval.
func WithEngineHeartbeat(interval, timeout time.Duration) BackendOption {
	return func(b *Backend) {
		b.interval = interval
		b.timeout = timeout
	}
}

// WithReply sets the markdown the default request handler answers with.
func WithReply(markdown string) BackendOption {
	return func(b *Backend) { b.reply = markdown }
}

// NewBackend starts a fake server that answers application pings with pongs
// and request events with a result event carrying the request id.
func NewBackend(t testing.TB, opts ...BackendOption) *Backend {
	t.Helper()

	b := &Backend{
		t:         t,
		namespace: "/",
		interval:  25 * time.Second,
		timeout:   20 * time.Second,
		conns:     make(map[*BackendConn]struct{}),
		handlers:  make(map[string]EventHandler),
		reply:     "**Inspector Notes:** ok",
	}
	for _, opt := range opts {
		opt(b)
	}

	b.handlers["ping"] = func(c *BackendConn, _ socketio.Event) {
		b.mu.Lock()
		silent := b.silent
		b.mu.Unlock()
		if !silent {
			c.Emit("pong", "Pong from server")
		}
	}
	b.handlers[RequestEvent] = func(c *BackendConn, ev socketio.Event) {
		var req struct {
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(ev.Arg(0), &req)
		b.mu.Lock()
		reply := b.reply
		b.mu.Unlock()
		c.Emit(ResultEvent, map[string]any{"request_id": req.RequestID, "assistant_message": reply})
	}

	b.server = httptest.NewServer(http.HandlerFunc(b.serveWS))
	t.Cleanup(b.Close)
	return b
}

// URL returns the http base URL of the server.
func (b *Backend) URL() string { return b.server.URL }

// Handle replaces the handler for event.
func (b *Backend) Handle(event string, fn EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = fn
}

// SetSilent stops (or resumes) answering application pings.
func (b *Backend) SetSilent(silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
}

// SetRejectConnect makes namespace connects fail with msg. An empty msg
// accepts connects again.
func (b *Backend) SetRejectConnect(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = msg
}

// Connects returns the number of accepted namespace connects.
func (b *Backend) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Live returns the number of currently connected clients.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Received returns every inbound event named name, in arrival order.
func (b *Backend) Received(name string) []socketio.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []socketio.Event
	for _, ev := range b.received {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Broadcast emits an event to every connected client.
func (b *Backend) Broadcast(name string, args ...any) {
	for _, c := range b.snapshot() {
		c.Emit(name, args...)
	}
}

// DropAll closes every client transport without a close handshake.
func (b *Backend) DropAll() {
	for _, c := range b.snapshot() {
		_ = c.ws.UnderlyingConn().Close()
	}
}

// Close drops all clients and stops the server.
func (b *Backend) Close() {
	b.DropAll()
	b.server.Close()
}

func (b *Backend) snapshot() []*BackendConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*BackendConn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Backend) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &BackendConn{ws: ws, namespace: b.namespace, done: make(chan struct{})}
	defer func() {
		close(c.done)
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	sid := uuid.NewString()
	open, _ := json.Marshal(socketio.OpenInfo{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: int(b.interval / time.Millisecond),
		PingTimeout:  int(b.timeout / time.Millisecond),
		MaxPayload:   1_000_000,
	})
	if !c.writeRaw(string(socketio.EngineOpen) + string(open)) {
		return
	}
	go c.heartbeat(b.interval)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(msg) == 0 || msg[0] != socketio.EngineMessage {
			continue
		}
		p, err := socketio.ParsePacket(string(msg[1:]))
		if err != nil || p.Namespace != b.namespace {
			continue
		}

		switch p.Type {
		case socketio.PacketConnect:
			b.mu.Lock()
			reject := b.reject
			if reject == "" {
				b.conns[c] = struct{}{}
				b.connects++
			}
			b.mu.Unlock()
			if reject != "" {
				data, _ := json.Marshal(map[string]string{"message": reject})
				c.writePacket(socketio.NewPacket(socketio.PacketConnectError, b.namespace, data))
				continue
			}
			data, _ := json.Marshal(map[string]string{"sid": sid})
			c.writePacket(socketio.NewPacket(socketio.PacketConnect, b.namespace, data))
		case socketio.PacketEvent:
			ev := p.Event
			b.mu.Lock()
			b.received = append(b.received, ev)
			h := b.handlers[ev.Name]
			b.mu.Unlock()
			if h != nil {
				h(c, ev)
			}
		case socketio.PacketDisconnect:
			return
		}
	}
}

// BackendConn is one client connection on the fake backend.
type BackendConn struct {
	ws        *websocket.Conn
	namespace string
	mu        sync.Mutex
	done      chan struct{}
}

// Emit sends an event to this client.
func (c *BackendConn) Emit(name string, args ...any) {
	p, err := socketio.EventPacket(c.namespace, name, args...)
	if err != nil {
		return
	}
	c.writePacket(p)
}

// Disconnect sends a namespace disconnect to this client.
func (c *BackendConn) Disconnect() {
	c.writePacket(socketio.NewPacket(socketio.PacketDisconnect, c.namespace, nil))
}

func (c *BackendConn) writePacket(p socketio.Packet) bool {
	frame, err := p.Encode()
	if err != nil {
		return false
	}
	return c.writeRaw(frame)
}

func (c *BackendConn) writeRaw(frame string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame)) == nil
}

func (c *BackendConn) heartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.writeRaw(string(socketio.EnginePing)) {
				return
			}
		}
	}
}
