// Package wire defines the binary framing shared by the host,
// dispatcher, and daemon worker processes: task envelopes, reply
// envelopes, control frames, and the fixed exit sentinel.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReplyStatus tags the outcome carried in a ReplyEnvelope.
type ReplyStatus uint8

const (
	StatusOK ReplyStatus = iota
	StatusUserError
	StatusCancelled
	StatusConnectionReset
	StatusTimeout
)

func (s ReplyStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUserError:
		return "user_error"
	case StatusCancelled:
		return "cancelled"
	case StatusConnectionReset:
		return "connection_reset"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// TaskEnvelope carries a submitted task from host to dispatcher to
// daemon: (task_id, payload).
type TaskEnvelope struct {
	TaskID  uint32
	Payload []byte
}

// ReplyEnvelope carries a completed task's outcome from daemon to
// dispatcher to host: (task_id, status, payload).
type ReplyEnvelope struct {
	TaskID  uint32
	Status  ReplyStatus
	Payload []byte
}

// ControlFrame is the host→dispatcher control channel's 2-tuple
// framing. The canonical frames are (0,0) status, (task_id,0) cancel,
// (task_id,1) force-cancel.
type ControlFrame struct {
	A int64
	B int64
}

// IsStatus reports whether f is the status-query frame (0,0).
func (f ControlFrame) IsStatus() bool { return f.A == 0 && f.B == 0 }

// IsCancel reports whether f requests a soft cancel of A.
func (f ControlFrame) IsCancel() bool { return f.A != 0 && f.B == 0 }

// IsForceCancel reports whether f requests a hard cancel of A.
func (f ControlFrame) IsForceCancel() bool { return f.A != 0 && f.B == 1 }

// IsSignalExit reports whether f requests the exit sentinel be sent
// to every connected daemon (the dispatcher-mode relay of spec §4.1's
// reset(signal=true), since only the dispatcher child holds the
// daemon connections in that mode).
func (f ControlFrame) IsSignalExit() bool { return f.A == 0 && f.B != 0 }

// ExitSentinel is the fixed 27-byte payload sent on the profile socket
// to instruct a daemon to terminate cleanly after its current task.
var ExitSentinel = [27]byte{
	0x6d, 0x69, 0x72, 0x61, 0x69, 0x2d, 0x65, 0x78,
	0x69, 0x74, 0x2d, 0x73, 0x65, 0x6e, 0x74, 0x69,
	0x6e, 0x65, 0x6c, 0x2d, 0x76, 0x31, 0x2d, 0x65,
	0x6e, 0x64, 0x2e,
}

// IsExitSentinel reports whether payload is exactly the exit sentinel.
func IsExitSentinel(payload []byte) bool {
	if len(payload) != len(ExitSentinel) {
		return false
	}
	for i := range ExitSentinel {
		if payload[i] != ExitSentinel[i] {
			return false
		}
	}
	return true
}

// frame kinds multiplexed over a single net.Conn stream.
type frameKind uint8

const (
	kindTask frameKind = iota
	kindReply
	kindControl
	kindControlReply
)

// WriteTask encodes a TaskEnvelope to w as a length-prefixed frame.
func WriteTask(w io.Writer, env TaskEnvelope) error {
	body := make([]byte, 4+len(env.Payload))
	binary.BigEndian.PutUint32(body[0:4], env.TaskID)
	copy(body[4:], env.Payload)
	return writeFrame(w, kindTask, body)
}

// WriteReply encodes a ReplyEnvelope to w as a length-prefixed frame.
func WriteReply(w io.Writer, env ReplyEnvelope) error {
	body := make([]byte, 5+len(env.Payload))
	binary.BigEndian.PutUint32(body[0:4], env.TaskID)
	body[4] = byte(env.Status)
	copy(body[5:], env.Payload)
	return writeFrame(w, kindReply, body)
}

// WriteControl encodes a ControlFrame to w as a length-prefixed frame.
func WriteControl(w io.Writer, f ControlFrame) error {
	body := make([]byte, 16)
	binary.BigEndian.PutUint64(body[0:8], uint64(f.A))
	binary.BigEndian.PutUint64(body[8:16], uint64(f.B))
	return writeFrame(w, kindControl, body)
}

// ControlReply answers a status ControlFrame with the dispatcher's
// queue/roster counters and the drained connect/disconnect events.
type ControlReply struct {
	Connections int64
	Awaiting    int64
	Executing   int64
	Events      []int64
}

// WriteControlReply encodes a ControlReply as a length-prefixed frame.
func WriteControlReply(w io.Writer, r ControlReply) error {
	body := make([]byte, 24+8*len(r.Events))
	binary.BigEndian.PutUint64(body[0:8], uint64(r.Connections))
	binary.BigEndian.PutUint64(body[8:16], uint64(r.Awaiting))
	binary.BigEndian.PutUint64(body[16:24], uint64(r.Executing))
	for i, e := range r.Events {
		binary.BigEndian.PutUint64(body[24+8*i:32+8*i], uint64(e))
	}
	return writeFrame(w, kindControlReply, body)
}

// Frame is a decoded, kind-tagged frame read back from the stream.
type Frame struct {
	Task         *TaskEnvelope
	Reply        *ReplyEnvelope
	Control      *ControlFrame
	ControlReply *ControlReply
}

// ReadFrame reads and decodes the next frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	kind, body, err := readFrame(r)
	if err != nil {
		return Frame{}, err
	}
	switch kind {
	case kindTask:
		if len(body) < 4 {
			return Frame{}, fmt.Errorf("wire: short task frame (%d bytes)", len(body))
		}
		return Frame{Task: &TaskEnvelope{
			TaskID:  binary.BigEndian.Uint32(body[0:4]),
			Payload: append([]byte(nil), body[4:]...),
		}}, nil
	case kindReply:
		if len(body) < 5 {
			return Frame{}, fmt.Errorf("wire: short reply frame (%d bytes)", len(body))
		}
		return Frame{Reply: &ReplyEnvelope{
			TaskID:  binary.BigEndian.Uint32(body[0:4]),
			Status:  ReplyStatus(body[4]),
			Payload: append([]byte(nil), body[5:]...),
		}}, nil
	case kindControl:
		if len(body) != 16 {
			return Frame{}, fmt.Errorf("wire: malformed control frame (%d bytes)", len(body))
		}
		return Frame{Control: &ControlFrame{
			A: int64(binary.BigEndian.Uint64(body[0:8])),
			B: int64(binary.BigEndian.Uint64(body[8:16])),
		}}, nil
	case kindControlReply:
		if len(body) < 24 || (len(body)-24)%8 != 0 {
			return Frame{}, fmt.Errorf("wire: malformed control reply frame (%d bytes)", len(body))
		}
		reply := ControlReply{
			Connections: int64(binary.BigEndian.Uint64(body[0:8])),
			Awaiting:    int64(binary.BigEndian.Uint64(body[8:16])),
			Executing:   int64(binary.BigEndian.Uint64(body[16:24])),
		}
		for i := 24; i < len(body); i += 8 {
			reply.Events = append(reply.Events, int64(binary.BigEndian.Uint64(body[i:i+8])))
		}
		return Frame{ControlReply: &reply}, nil
	default:
		return Frame{}, fmt.Errorf("wire: unknown frame kind %d", kind)
	}
}

// writeFrame writes a length-prefixed frame: 1 kind byte + 4-byte
// big-endian length + body.
func writeFrame(w io.Writer, kind frameKind, body []byte) error {
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (frameKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:5])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("wire: read body: %w", err)
		}
	}
	return frameKind(header[0]), body, nil
}
