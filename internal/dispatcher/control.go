package dispatcher

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"icc.tech/taskmesh/internal/wire"
)

// ServeControl answers control frames read from conn (host→dispatcher
// status/cancel/force-cancel requests) until conn is closed or a read
// fails — spec §4.3's control-command event-kind, for a connection that
// carries control traffic only. The dispatcher=process child does not
// use it: it multiplexes control frames with tasks via ServeHostConn.
// Loss of this connection is fatal to the profile per spec §8
// ("host-side control socket is fatal"), so the caller should treat a
// returned error as cause to tear the whole profile down.
func ServeControl(d *Dispatcher, conn net.Conn) error {
	defer conn.Close()
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if frame.Control == nil {
			slog.Warn("control channel received non-control frame, ignoring")
			continue
		}
		if err := handleControlFrame(d, conn, *frame.Control); err != nil {
			return err
		}
	}
}

func handleControlFrame(d *Dispatcher, conn net.Conn, f wire.ControlFrame) error {
	switch {
	case f.IsStatus():
		st := d.Status()
		events := make([]int64, len(st.Events))
		for i, e := range st.Events {
			events[i] = int64(e)
		}
		return wire.WriteControlReply(conn, wire.ControlReply{
			Connections: int64(st.Connections),
			Awaiting:    int64(st.Awaiting),
			Executing:   int64(st.Executing),
			Events:      events,
		})
	case f.IsSignalExit():
		d.SignalExit()
		return wire.WriteControl(conn, wire.ControlFrame{A: 0, B: f.B})
	case f.IsForceCancel(), f.IsCancel():
		cancelled := d.Cancel(uint32(f.A), f.IsForceCancel())
		b := int64(0)
		if cancelled {
			b = 1
		}
		return wire.WriteControl(conn, wire.ControlFrame{A: f.A, B: b})
	default:
		return nil
	}
}

// Client is the host side of the control channel: it sends control
// frames over conn and parses the dispatcher's replies.
type Client struct {
	conn net.Conn
}

// NewClient wraps an established control connection.
func NewClient(conn net.Conn) *Client { return &Client{conn: conn} }

// Status sends the canonical (0,0) status frame and returns the
// dispatcher's counters.
func (c *Client) Status() (wire.ControlReply, error) {
	if err := wire.WriteControl(c.conn, wire.ControlFrame{A: 0, B: 0}); err != nil {
		return wire.ControlReply{}, err
	}
	frame, err := wire.ReadFrame(c.conn)
	if err != nil {
		return wire.ControlReply{}, err
	}
	if frame.ControlReply == nil {
		return wire.ControlReply{}, errors.New("dispatcher: expected control reply frame")
	}
	return *frame.ControlReply, nil
}

// Cancel sends a (task_id,0) or, when force is true, (task_id,1)
// control frame and reports whether the dispatcher cancelled the task
// before dispatch.
func (c *Client) Cancel(taskID uint32, force bool) (bool, error) {
	b := int64(0)
	if force {
		b = 1
	}
	if err := wire.WriteControl(c.conn, wire.ControlFrame{A: int64(taskID), B: b}); err != nil {
		return false, err
	}
	frame, err := wire.ReadFrame(c.conn)
	if err != nil {
		return false, err
	}
	if frame.Control == nil {
		return false, errors.New("dispatcher: expected control ack frame")
	}
	return frame.Control.B == 1, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
