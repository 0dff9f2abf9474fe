// Package socketio is a minimal Socket.IO v5 client (Engine.IO v4, websocket
// transport only). It covers what the analysis backend uses: a namespace
// connect, JSON events in both directions, and Engine.IO heartbeats. Packets
// are encoded and decoded with the go-socket.io parser; binary attachments
// and acknowledgements are not supported.
package socketio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/googollee/go-socket.io/engineio/session"
	"github.com/googollee/go-socket.io/parser"
)

// Engine.IO packet types, as the first byte of a websocket text frame.
const (
	EngineOpen    = '0'
	EngineClose   = '1'
	EnginePing    = '2'
	EnginePong    = '3'
	EngineMessage = '4'
	EngineUpgrade = '5'
	EngineNoop    = '6'
)

// Socket.IO packet types.
const (
	PacketConnect      = parser.Connect
	PacketDisconnect   = parser.Disconnect
	PacketEvent        = parser.Event
	PacketAck          = parser.Ack
	PacketConnectError = parser.Error
)

// maxEventArgs bounds how many event arguments are decoded; extra ones are
// dropped.
const maxEventArgs = 4

var (
	errBinary     = errors.New("socketio: binary attachments are not supported")
	errSingleShot = errors.New("socketio: packet continues past its frame")
)

var eventArgTypes = func() []reflect.Type {
	types := make([]reflect.Type, maxEventArgs)
	for i := range types {
		types[i] = reflect.TypeOf(json.RawMessage(nil))
	}
	return types
}()

// OpenInfo is the JSON body of the Engine.IO open packet.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Packet is a decoded Socket.IO packet. Namespace is "/" for the root
// namespace.
type Packet struct {
	parser.Header
	// Event is set on event packets.
	Event Event
	// Data is the raw payload of connect, connect-error and disconnect
	// packets.
	Data json.RawMessage
}

// Event is an inbound or outbound named event.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Arg returns the i-th argument, or nil.
func (e Event) Arg(i int) json.RawMessage {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	return e.Args[i]
}

// NewPacket builds a non-event packet for namespace ns.
func NewPacket(typ parser.Type, ns string, data json.RawMessage) Packet {
	return Packet{Header: parser.Header{Type: typ, Namespace: ns}, Data: data}
}

// EventPacket builds an event packet for namespace ns.
func EventPacket(ns, name string, args ...any) (Packet, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return Packet{}, fmt.Errorf("socketio: encode %q: %w", name, err)
		}
		raw[i] = data
	}
	return Packet{
		Header: parser.Header{Type: PacketEvent, Namespace: ns},
		Event:  Event{Name: name, Args: raw},
	}, nil
}

// ParsePacket decodes a Socket.IO packet (the part after the Engine.IO
// message byte).
func ParsePacket(s string) (Packet, error) {
	dec := parser.NewDecoder(&frameSource{frame: []byte(s)})
	defer dec.Close()

	var p Packet
	var name string
	if err := dec.DecodeHeader(&p.Header, &name); err != nil {
		return Packet{}, fmt.Errorf("socketio: decode packet %q: %w", s, err)
	}
	if p.Namespace == "" {
		p.Namespace = "/"
	}

	switch p.Type {
	case PacketEvent:
		if name == "" {
			return Packet{}, fmt.Errorf("socketio: event without a name")
		}
		args, err := dec.DecodeArgs(eventArgTypes)
		if err != nil {
			return Packet{}, fmt.Errorf("socketio: event %q: %w", name, err)
		}
		p.Event = Event{Name: name, Args: presentArgs(args)}
	case PacketAck:
		return Packet{}, fmt.Errorf("socketio: acknowledgements are not supported")
	default:
		p.Data = payload(s)
	}
	return p, nil
}

// Encode renders p as an Engine.IO message frame.
func (p Packet) Encode() (string, error) {
	h := p.Header
	h.Namespace = wireNamespace(h.Namespace)
	if p.Type == PacketEvent {
		parts := make([]any, 0, len(p.Event.Args)+1)
		parts = append(parts, p.Event.Name)
		for _, a := range p.Event.Args {
			parts = append(parts, a)
		}
		return encodeFrame(h, parts)
	}
	if len(p.Data) > 0 {
		return encodeFrame(h, p.Data)
	}
	return encodeFrame(h)
}

func encodeFrame(h parser.Header, args ...any) (string, error) {
	var sink frameSink
	if err := parser.NewEncoder(&sink).Encode(h, args...); err != nil {
		return "", fmt.Errorf("socketio: encode packet: %w", err)
	}
	return string(EngineMessage) + strings.TrimSuffix(sink.buf.String(), "\n"), nil
}

func wireNamespace(ns string) string {
	if ns == "/" {
		return ""
	}
	return ns
}

func presentArgs(values []reflect.Value) []json.RawMessage {
	var args []json.RawMessage
	for _, v := range values {
		raw, _ := v.Interface().(json.RawMessage)
		if raw == nil {
			break
		}
		args = append(args, raw)
	}
	return args
}

// payload returns what follows the header of a non-event packet: type byte,
// optional namespace and optional ack id.
func payload(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	rest := s[1:]
	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			return nil
		}
		rest = rest[i+1:]
	}
	rest = strings.TrimLeft(rest, "0123456789")
	if rest == "" || !json.Valid([]byte(rest)) {
		return nil
	}
	return json.RawMessage(rest)
}

// frameSource feeds a single text frame to the parser.
type frameSource struct {
	frame []byte
	read  bool
}

func (s *frameSource) NextReader() (session.FrameType, io.ReadCloser, error) {
	if s.read {
		return 0, nil, errSingleShot
	}
	s.read = true
	return session.TEXT, frameReader{bytes.NewReader(s.frame)}, nil
}

type frameReader struct{ *bytes.Reader }

func (frameReader) Close() error { return nil }

// frameSink collects the text frame the parser writes.
type frameSink struct {
	buf bytes.Buffer
}

func (s *frameSink) NextWriter(ft session.FrameType) (io.WriteCloser, error) {
	if ft != session.TEXT {
		return nil, errBinary
	}
	return bufferCloser{&s.buf}, nil
}

type bufferCloser struct{ *bytes.Buffer }

func (bufferCloser) Close() error { return nil }
