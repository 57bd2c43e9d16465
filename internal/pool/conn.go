package pool

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	bridgeerrors "sockbridge/internal/errors"
	"sockbridge/internal/protocol"
)

// Conn is one pooled unix socket connection to a worker process
type Conn struct {
	id       uint64
	workerID int
	raw      net.Conn
	codec    *protocol.Codec

	createdAt time.Time
	// lastUsed and state are guarded by the pool mutex
	lastUsed time.Time
	state    connState
}

type connState int

const (
	stateIdle connState = iota
	stateLeased
	stateChecking
	stateDead
)

// ID returns the pool-unique connection identifier
func (c *Conn) ID() uint64 {
	return c.id
}

// WorkerID returns the worker this connection is attached to
func (c *Conn) WorkerID() int {
	return c.workerID
}

// SetDeadline sets the absolute read and write deadline on the underlying
// socket. A past deadline aborts in-flight I/O.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

// SendRequest writes a request frame, bounded by timeout when non-zero
func (c *Conn) SendRequest(id uint64, req *protocol.Request, timeout time.Duration) error {
	if timeout > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(timeout))
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	return c.codec.SendRequest(c.raw, id, req)
}

// ReceiveResponse reads one response frame, bounded by timeout when non-zero
func (c *Conn) ReceiveResponse(timeout time.Duration) (*protocol.Response, uint64, error) {
	if timeout > 0 {
		c.raw.SetReadDeadline(time.Now().Add(timeout))
		defer c.raw.SetReadDeadline(time.Time{})
	}
	return c.codec.ReceiveResponse(c.raw)
}

// ping sends a ping frame and waits for a pong echoing its ID
func (c *Conn) ping(timeout time.Duration) error {
	id := protocol.NextRequestID()
	deadline := time.Now().Add(timeout)

	c.raw.SetDeadline(deadline)
	defer c.raw.SetDeadline(time.Time{})

	if err := c.codec.SendPing(c.raw, id); err != nil {
		return err
	}

	f, err := c.codec.ReadFrame(c.raw)
	if err != nil {
		return err
	}
	if f.Kind != protocol.KindPong {
		return bridgeerrors.NewProtocolError(fmt.Sprintf("expected pong, got %s", f.Kind), nil)
	}
	if f.ID != id {
		return bridgeerrors.NewProtocolError(fmt.Sprintf("pong ID mismatch: sent %d, got %d", id, f.ID), nil)
	}
	return nil
}

func (c *Conn) close() {
	c.raw.Close()
}

// Lease is a borrowed connection. Exactly one Release call takes effect;
// further calls are no-ops.
type Lease struct {
	conn     *Conn
	pool     *Pool
	released atomic.Bool
}

// Conn returns the leased connection
func (l *Lease) Conn() *Conn {
	return l.conn
}

// Release returns the connection to the pool. healthy=false discards it.
func (l *Lease) Release(healthy bool) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.release(l.conn, healthy)
}
