// Package transport speaks the two PIM wire dialects (RawAscii and
// Gateway) behind one small capability: write a packet, deliver connect/
// disconnect events, and feed reassembled lines to a sink.
package transport

import (
	"context"
	"errors"
)

// LineSink is the "line sink" capability both dialects feed:
// one PIM telemetry line at a time, first byte a token, rest an optional
// ASCII payload. Both RawAscii and Gateway deliver to the same sink —
// typically a pulse.LineParser.
type LineSink interface {
	FeedLine(line []byte)
}

// Transport is the common capability both dialects expose to the Client
// and Multiplexer.
type Transport interface {
	// Connect dials the PIM and, for Gateway, runs the handshake. It
	// returns once the transport is ready to carry WritePacket traffic.
	Connect(ctx context.Context) error

	// WritePacket sends one already-framed wire packet (a
	// Multiplexer-built `cmd|hex|\r` frame for RawAscii, or the same
	// bytes wrapped in a SEND_TO_SERIAL gateway frame).
	WritePacket(data []byte) error

	// Close tears down the connection and stops all goroutines. Safe to
	// call more than once.
	Close() error

	// Disconnected is closed exactly once when the transport has lost
	// its connection, whether from a read-loop error or an explicit
	// Close. A failed WritePacket returns its error without closing it.
	Disconnected() <-chan struct{}
}

var (
	// ErrTransportClosed is returned by WritePacket after Close, and by a
	// Gateway command once the link has dropped.
	ErrTransportClosed = errors.New("transport: closed")
)

// TransportError wraps a TCP dial/read/write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeError is a known PIM refusal string or a malformed greeting
// seen during the Gateway handshake. Not recovered locally; the
// reconnect supervisor sees it and retries from the top.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string { return "transport: handshake refused: " + e.Reason }

// AuthError is AUTHENTICATION FAILED from the Gateway handshake. The
// reconnect supervisor retries it like any other setup failure.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string { return "transport: authentication failed: " + e.Detail }
