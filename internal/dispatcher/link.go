package dispatcher

import (
	"fmt"
	"net"
	"sync"

	"icc.tech/taskmesh/internal/wire"
)

// ConnLink adapts a real transport connection to a daemon into a
// DaemonLink, framing task envelopes out and reply envelopes in with
// the shared wire protocol.
type ConnLink struct {
	conn net.Conn
	mu   sync.Mutex // serializes concurrent Send calls from assignLocked/RunReader
}

// NewConnLink wraps conn for use as a DaemonLink.
func NewConnLink(conn net.Conn) *ConnLink { return &ConnLink{conn: conn} }

// Send implements DaemonLink.
func (c *ConnLink) Send(env wire.TaskEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteTask(c.conn, env)
}

// Recv implements DaemonLink. It blocks until a reply frame arrives
// or the connection is closed/reset.
func (c *ConnLink) Recv() (wire.ReplyEnvelope, error) {
	frame, err := wire.ReadFrame(c.conn)
	if err != nil {
		return wire.ReplyEnvelope{}, err
	}
	if frame.Reply == nil {
		return wire.ReplyEnvelope{}, fmt.Errorf("dispatcher: expected reply frame, got %+v", frame)
	}
	return *frame.Reply, nil
}

// Close implements DaemonLink.
func (c *ConnLink) Close() error { return c.conn.Close() }

// ChanLink is an in-memory DaemonLink backed by channels, used by
// tests and by the thread-mode dispatcher to stand in for a daemon
// without a real socket round trip.
type ChanLink struct {
	tasks  chan wire.TaskEnvelope
	replies chan wire.ReplyEnvelope
	closed chan struct{}
	once   sync.Once
}

// NewChanLink creates a ChanLink with the given buffer depth.
func NewChanLink(buffer int) *ChanLink {
	return &ChanLink{
		tasks:   make(chan wire.TaskEnvelope, buffer),
		replies: make(chan wire.ReplyEnvelope, buffer),
		closed:  make(chan struct{}),
	}
}

// Send implements DaemonLink, delivering the task to whatever test
// worker loop is reading Tasks().
func (c *ChanLink) Send(env wire.TaskEnvelope) error {
	select {
	case <-c.closed:
		return ErrDisconnected
	case c.tasks <- env:
		return nil
	}
}

// Recv implements DaemonLink, blocking for the worker loop's next
// reply until the link is closed.
func (c *ChanLink) Recv() (wire.ReplyEnvelope, error) {
	select {
	case <-c.closed:
		return wire.ReplyEnvelope{}, ErrDisconnected
	case r := <-c.replies:
		return r, nil
	}
}

// Close implements DaemonLink.
func (c *ChanLink) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Tasks exposes the channel a test worker reads assigned tasks from.
func (c *ChanLink) Tasks() <-chan wire.TaskEnvelope { return c.tasks }

// Reply lets a test worker push a reply back to the dispatcher.
func (c *ChanLink) Reply(r wire.ReplyEnvelope) {
	select {
	case <-c.closed:
	case c.replies <- r:
	}
}
