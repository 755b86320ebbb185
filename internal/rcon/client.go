// Package rcon implements the Source remote-console wire protocol and the
// session manager that keeps a single authenticated connection alive across
// network failures.
package rcon

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Source RCON protocol packet types.
const (
	packetTypeAuth int32 = 3

	// packetTypeAuthResponse and packetTypeCommand both use value 2 per the
	// Source RCON protocol spec. Callers distinguish them by context (auth
	// phase vs command phase) and request ID.
	packetTypeAuthResponse int32 = 2
	packetTypeCommand      int32 = 2

	packetTypeResponse int32 = 0

	// maxBodySize is the maximum size of an RCON response body in bytes.
	maxBodySize = 4096
)

// Client speaks the Source RCON protocol over one TCP connection. Command
// may be called concurrently after a successful Dial; Close may be called
// from any goroutine to unblock in-flight reads.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	reqID  atomic.Int32
	closed atomic.Bool
}

// Dial connects to addr, authenticates with password, and returns a ready
// client. The whole handshake is bounded by authTimeout (and by ctx).
func Dial(ctx context.Context, addr, password string, authTimeout time.Duration) (*Client, error) {
	dialer := net.Dialer{Timeout: authTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c := &Client{conn: conn}
	if err := c.authenticate(ctx, password, authTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// authenticate runs the auth handshake under a connection deadline so a
// server that accepts the TCP connection but never answers cannot hang us.
func (c *Client) authenticate(ctx context.Context, password string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	id := c.nextID()
	if err := c.writePacket(id, packetTypeAuth, password); err != nil {
		return &TransportError{Op: "auth write", Err: err}
	}

	respID, respType, _, err := c.readPacket()
	if err != nil {
		return &TransportError{Op: "auth read", Err: err}
	}
	if respType == packetTypeAuthResponse && respID == -1 {
		return ErrAuthFailed
	}

	// Some servers send an empty command-response packet before the real
	// auth response. Only read the second packet when the first was NOT
	// an auth response (and therefore not a failure).
	if respType != packetTypeAuthResponse {
		respID, respType, _, err = c.readPacket()
		if err != nil {
			return &TransportError{Op: "auth read (2nd)", Err: err}
		}
		if respType == packetTypeAuthResponse && respID == -1 {
			return ErrAuthFailed
		}
	}
	return nil
}

// Command sends a command and returns the response body.
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return "", &TransportError{Op: "command", Err: net.ErrClosed}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	id := c.nextID()
	if err := c.writePacket(id, packetTypeCommand, cmd); err != nil {
		return "", &TransportError{Op: "command write", Err: err}
	}

	respID, _, body, err := c.readPacket()
	if err != nil {
		return "", &TransportError{Op: "command read", Err: err}
	}
	if respID != id {
		return "", &ProtocolError{Reason: fmt.Sprintf("response ID mismatch: got %d, want %d", respID, id)}
	}

	return body, nil
}

// Close closes the underlying connection. Safe to call more than once and
// from any goroutine; it unblocks a Command stuck in a read.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) nextID() int32 {
	return c.reqID.Add(1)
}

func (c *Client) writePacket(id, pktType int32, body string) error {
	bodyBytes := []byte(body)
	// Packet layout: 4 (size) + 4 (id) + 4 (type) + body + 2 (null terminators)
	size := int32(4 + 4 + len(bodyBytes) + 2)
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(pktType))
	copy(buf[12:], bodyBytes)
	buf[12+len(bodyBytes)] = 0
	buf[13+len(bodyBytes)] = 0

	_, err := c.conn.Write(buf)
	return err
}

func (c *Client) readPacket() (id, pktType int32, body string, err error) {
	// Read the 4-byte size prefix.
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.conn, sizeBuf[:]); err != nil {
		return 0, 0, "", err
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 10 || size > maxBodySize+10 {
		return 0, 0, "", &ProtocolError{Reason: fmt.Sprintf("packet size out of range: %d", size)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, 0, "", err
	}

	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	pktType = int32(binary.LittleEndian.Uint32(payload[4:8]))
	// Body is everything between the type field and the two null terminators.
	bodyLen := size - 10
	if bodyLen > 0 {
		body = string(payload[8 : 8+bodyLen])
	}

	return id, pktType, body, nil
}
