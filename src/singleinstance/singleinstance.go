// Package singleinstance lets one resident inspector own a loopback TCP port
// and lets later invocations delegate captures to it.
package singleinstance

import (
	"context"
	"log/slog"
)

// Format is how the resident renders a delegated result.
type Format string

const (
	FormatText Format = "TEXT"
	FormatJSON Format = "JSON"
)

// Server owns the TCP endpoint and answers delegated capture requests.
type Server interface {
	// Start binds the first port of the configured range and accepts clients.
	Start(ctx context.Context) error
	// Port returns the bound TCP port, or 0 if not started.
	Port() int
	// Next returns the next accepted connection as a Conn, or ctx error.
	Next(ctx context.Context) (Conn, error)
	Close() error
}

// Conn is one client connection awaiting its reply.
type Conn interface {
	Request() Request
	// RespondSuccess sends SUCCESS followed by body.
	RespondSuccess(body string) error
	// RespondError sends ERROR followed by a human-readable message.
	RespondError(msg string) error
	Close() error
}

type Request struct {
	Format Format
}

// Client delegates a capture to a resident server.
type Client interface {
	// Delegate scans the port range, performs the PING handshake and sends a
	// CAPTURE request. If no resident is found it returns delegated=false, err=nil.
	Delegate(ctx context.Context, format Format) (delegated bool, body string, err error)
}

// NewServer returns the TCP implementation.
func NewServer(logger *slog.Logger) Server { return newTCPServer(logger) }

// NewClient returns the TCP implementation.
func NewClient() Client { return &tcpClient{} }
