package dispatcher

import (
	"errors"
	"io"
	"net"
	"sync"

	"icc.tech/taskmesh/internal/wire"
)

// ServeHostConn runs the dispatcher side of the host↔dispatcher link
// when the dispatcher is a separate process (or goroutine) reached
// over a real connection rather than in-memory channels: task
// envelopes, control frames, and outgoing replies are all multiplexed
// over the single conn, mirroring spec §6's wire envelopes and
// avoiding a second socket purely for control traffic. Blocks until
// conn errors or is closed; the caller should treat that as fatal to
// the profile per spec §7 ("host-side control socket is fatal").
func ServeHostConn(d *Dispatcher, conn net.Conn) error {
	defer conn.Close()

	writeErrs := make(chan error, 1)
	stop := make(chan struct{})
	var writeMu sync.Mutex
	go func() {
		for {
			select {
			case reply, ok := <-d.Replies():
				if !ok {
					return
				}
				writeMu.Lock()
				err := wire.WriteReply(conn, reply)
				writeMu.Unlock()
				if err != nil {
					select {
					case writeErrs <- err:
					default:
					}
					return
				}
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		select {
		case werr := <-writeErrs:
			return werr
		default:
		}

		switch {
		case frame.Task != nil:
			d.SubmitTask(*frame.Task)
		case frame.Control != nil:
			writeMu.Lock()
			err := handleControlFrame(d, conn, *frame.Control)
			writeMu.Unlock()
			if err != nil {
				return err
			}
		default:
			// Reply/ControlReply frames never arrive from the host side;
			// ignore anything unexpected rather than tearing the link down.
		}
	}
}

// HostConn is the host side of the multiplexed host↔dispatcher link:
// it submits tasks and control commands over conn and demultiplexes
// the dispatcher's reply/control-reply frames back to callers.
type HostConn struct {
	conn net.Conn

	writeMu sync.Mutex

	replies      chan wire.ReplyEnvelope
	controlReply chan wire.ControlReply
	controlAck   chan wire.ControlFrame
	controlMu    sync.Mutex // serializes Status/Cancel round trips (host is single-threaded cooperative, spec §5)
	readErr      chan error
}

// NewHostConn wraps an established connection to a dispatcher child
// (or in-process server) for task submission plus control RPCs.
func NewHostConn(conn net.Conn) *HostConn {
	hc := &HostConn{
		conn:         conn,
		replies:      make(chan wire.ReplyEnvelope, 64),
		controlReply: make(chan wire.ControlReply, 1),
		controlAck:   make(chan wire.ControlFrame, 1),
		readErr:      make(chan error, 1),
	}
	go hc.readLoop()
	return hc
}

func (hc *HostConn) readLoop() {
	for {
		frame, err := wire.ReadFrame(hc.conn)
		if err != nil {
			hc.readErr <- err
			close(hc.replies)
			return
		}
		switch {
		case frame.Reply != nil:
			hc.replies <- *frame.Reply
		case frame.ControlReply != nil:
			hc.controlReply <- *frame.ControlReply
		case frame.Control != nil:
			// cancel ack, demuxed by the caller waiting in Cancel via controlAck.
			hc.controlAck <- *frame.Control
		}
	}
}

// Replies returns the channel of task replies (including synthesized
// cancelled/connection_reset replies) arriving from the dispatcher.
func (hc *HostConn) Replies() <-chan wire.ReplyEnvelope { return hc.replies }

// SubmitTask sends a task envelope to the dispatcher.
func (hc *HostConn) SubmitTask(env wire.TaskEnvelope) error {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	return wire.WriteTask(hc.conn, env)
}

// Status sends the canonical (0,0) status frame and returns the
// dispatcher's counters, as Client does over a control-only
// connection.
func (hc *HostConn) Status() (wire.ControlReply, error) {
	hc.controlMu.Lock()
	defer hc.controlMu.Unlock()

	hc.writeMu.Lock()
	err := wire.WriteControl(hc.conn, wire.ControlFrame{A: 0, B: 0})
	hc.writeMu.Unlock()
	if err != nil {
		return wire.ControlReply{}, err
	}
	select {
	case r := <-hc.controlReply:
		return r, nil
	case err := <-hc.readErr:
		return wire.ControlReply{}, err
	}
}

// Cancel sends a (task_id,0) or, when force is true, (task_id,1)
// control frame and reports whether the dispatcher cancelled the task
// before dispatch.
func (hc *HostConn) Cancel(taskID uint32, force bool) (bool, error) {
	hc.controlMu.Lock()
	defer hc.controlMu.Unlock()

	b := int64(0)
	if force {
		b = 1
	}
	hc.writeMu.Lock()
	err := wire.WriteControl(hc.conn, wire.ControlFrame{A: int64(taskID), B: b})
	hc.writeMu.Unlock()
	if err != nil {
		return false, err
	}
	select {
	case ack := <-hc.controlAck:
		return ack.B == 1, nil
	case err := <-hc.readErr:
		return false, err
	}
}

// SignalExit sends an (0,1) control frame asking the dispatcher child
// to broadcast the exit sentinel to every daemon connected to it —
// the process-mode relay for spec §4.1's reset(signal=true), since
// the host has no direct connection to daemons dialed into the
// dispatcher's own daemon-facing listener.
func (hc *HostConn) SignalExit() error {
	hc.controlMu.Lock()
	defer hc.controlMu.Unlock()

	hc.writeMu.Lock()
	err := wire.WriteControl(hc.conn, wire.ControlFrame{A: 0, B: 1})
	hc.writeMu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-hc.controlAck:
		return nil
	case err := <-hc.readErr:
		return err
	}
}

// Close closes the underlying connection.
func (hc *HostConn) Close() error { return hc.conn.Close() }
