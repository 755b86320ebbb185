package rcon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrAuthFailed is returned when the server rejects the RCON password. It is
// fatal for the attempt and is never retried automatically.
var ErrAuthFailed = errors.New("rcon authentication failed: check the RCON password")

// ErrNotConnected is returned when a command is issued without a live
// connection and the implicit connect also failed.
var ErrNotConnected = errors.New("rcon not connected")

// TransportError wraps a network-level failure (refused, reset, timeout,
// broken pipe). Transport errors are retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rcon %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError wraps a malformed or mismatched response. The command fails
// but the connection stays up.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "rcon protocol: " + e.Reason
}

// IsTransport reports whether err indicates a broken or unreachable TCP
// connection that should trigger a reconnect attempt.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "not connected") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "use of closed network connection")
}

// FriendlyMessage maps a raw error to a short, user-facing message. Auth
// failures pass through verbatim.
func FriendlyMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailed):
		return err.Error()
	case IsTransport(err):
		return "Cannot connect to server. Is the game server running with RCON enabled?"
	default:
		var pe *ProtocolError
		if errors.As(err, &pe) {
			return "The server sent an unexpected response. The command may not have run."
		}
		return err.Error()
	}
}
