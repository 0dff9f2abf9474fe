package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/googollee/go-socket.io/parser"
	"github.com/gorilla/websocket"
)

const (
	DefaultPath             = "/socket.io/"
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// ErrClosed is returned by Next and Emit once the server or the client has
// closed the connection.
var ErrClosed = errors.New("socketio: connection closed")

// ConnectError is returned by Dial when the server refuses the namespace.
type ConnectError struct {
	Namespace string
	Message   string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("socketio: connect to %s refused: %s", e.Namespace, e.Message)
}

// Options configures Dial.
type Options struct {
	// URL is the server base URL (http, https, ws or wss). Its path is kept
	// and Path is appended to it.
	URL              string
	Path             string
	Namespace        string
	Header           http.Header
	Auth             any
	HandshakeTimeout time.Duration
}

// Conn is a connected Socket.IO namespace. Next must be called from a single
// goroutine; Emit and Close are safe for concurrent use.
type Conn struct {
	ws        *websocket.Conn
	namespace string
	info      OpenInfo

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Endpoint builds the websocket URL for opts.
func Endpoint(opts Options) (string, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("socketio: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socketio: unsupported scheme %q", u.Scheme)
	}
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the websocket, completes the Engine.IO handshake and connects to
// the namespace.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	endpoint, err := Endpoint(opts)
	if err != nil {
		return nil, err
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "/"
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socketio: dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("socketio: dial %s: %w", endpoint, err)
	}

	c := &Conn{ws: ws, namespace: ns, closed: make(chan struct{})}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.handshake(deadline, opts.Auth); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(deadline time.Time, auth any) error {
	_ = c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("socketio: read open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != EngineOpen {
		return fmt.Errorf("socketio: expected open packet, got %q", msg)
	}
	if err := json.Unmarshal(msg[1:], &c.info); err != nil {
		return fmt.Errorf("socketio: decode open packet: %w", err)
	}

	var authData json.RawMessage
	if auth != nil {
		data, err := json.Marshal(auth)
		if err != nil {
			return fmt.Errorf("socketio: encode auth: %w", err)
		}
		authData = data
	}
	connect, err := NewPacket(PacketConnect, c.namespace, authData).Encode()
	if err != nil {
		return err
	}
	if err := c.write(connect); err != nil {
		return err
	}

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("socketio: await namespace connect: %w", err)
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case EnginePing:
			if err := c.write(string(EnginePong) + string(msg[1:])); err != nil {
				return err
			}
			continue
		case EngineMessage:
		default:
			continue
		}
		p, err := ParsePacket(string(msg[1:]))
		if err != nil || p.Namespace != c.namespace {
			continue
		}
		switch p.Type {
		case PacketConnect:
			return nil
		case PacketConnectError:
			var body struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(p.Data, &body)
			if body.Message == "" {
				body.Message = string(p.Data)
			}
			return &ConnectError{Namespace: c.namespace, Message: body.Message}
		}
	}
}

// SID returns the Engine.IO session id.
func (c *Conn) SID() string { return c.info.SID }

// Heartbeat returns the server's ping interval and timeout.
func (c *Conn) Heartbeat() (interval, timeout time.Duration) {
	return time.Duration(c.info.PingInterval) * time.Millisecond, time.Duration(c.info.PingTimeout) * time.Millisecond
}

// Emit sends an event on the connected namespace.
func (c *Conn) Emit(name string, args ...any) error {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)
	frame, err := encodeFrame(parser.Header{Type: PacketEvent, Namespace: wireNamespace(c.namespace)}, parts)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Next blocks until the next event on the namespace arrives. Engine.IO
// heartbeats are answered internally. It returns ErrClosed when the server
// disconnects the namespace or closes the transport, and a timeout error when
// the server stays silent past its own heartbeat deadline.
func (c *Conn) Next() (Event, error) {
	interval, timeout := c.Heartbeat()
	for {
		if interval > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(interval + timeout))
		}
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return Event{}, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Event{}, ErrClosed
			}
			return Event{}, fmt.Errorf("socketio: read: %w", err)
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case EnginePing:
			if err := c.write(string(EnginePong) + string(msg[1:])); err != nil {
				return Event{}, err
			}
			continue
		case EngineClose:
			return Event{}, ErrClosed
		case EngineMessage:
		default:
			continue
		}

		p, err := ParsePacket(string(msg[1:]))
		if err != nil || p.Namespace != c.namespace {
			continue
		}
		switch p.Type {
		case PacketEvent:
			return p.Event, nil
		case PacketDisconnect:
			return Event{}, ErrClosed
		}
	}
}

// Close disconnects the namespace and closes the websocket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if frame, err := NewPacket(PacketDisconnect, c.namespace, nil).Encode(); err == nil {
			_ = c.write(frame)
		}
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("socketio: write: %w", err)
	}
	return nil
}
