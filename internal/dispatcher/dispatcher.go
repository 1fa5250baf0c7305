// Package dispatcher implements the FIFO task queue, daemon roster,
// and scheduling algorithm that mediates between a profile's host
// side and its pool of daemons. It is the explicit state machine spec
// §9 calls for ("coroutine-free cooperative loop"): every public
// method here is one readiness-event handler, executed under a single
// mutex so the per-tick invariants (P1 queue-idle, P4 accounting) hold
// at every observation point — whether the dispatcher runs as a
// separate OS process (cmd/taskmesh-dispatcher, reading the same
// events off real sockets) or as an in-process goroutine
// (dispatcher=thread, internal/host driving it directly over
// DaemonLink values backed by channels instead of a loopback socket).
package dispatcher

import (
	"fmt"
	"io"
	"sync"

	"icc.tech/taskmesh/internal/metrics"
	"icc.tech/taskmesh/internal/wire"
)

// DaemonLink is how the dispatcher talks to one connected daemon,
// independent of whether the daemon is reached over a real transport
// connection or an in-memory channel pair.
type DaemonLink interface {
	Send(wire.TaskEnvelope) error
	Recv() (wire.ReplyEnvelope, error) // returns a non-nil error once the daemon has disconnected
	Close() error
}

// Event is a signed daemon-id reported in status replies: positive on
// connect, negative on disconnect. Zero when no stable daemon-id was
// supplied at dial-in.
type Event int64

type rosterEntry struct {
	connID   uint64
	daemonID int64
	busy     bool
	task     wire.TaskEnvelope
	link     DaemonLink
}

// Dispatcher holds one profile's queue, roster, and accounting.
type Dispatcher struct {
	profile string // label for metrics only
	retry   bool

	mu         sync.Mutex
	queue      []wire.TaskEnvelope
	roster     map[uint64]*rosterEntry
	byTaskID   map[uint32]uint64
	nextConnID uint64
	completed  int64
	events     []Event

	hostOut chan wire.ReplyEnvelope
}

// New creates an empty Dispatcher. hostOutBuffer sizes the channel
// that carries replies (and synthesized cancel/reset replies) back to
// the host side; callers should drain it continuously.
func New(profileName string, retry bool, hostOutBuffer int) *Dispatcher {
	return &Dispatcher{
		profile:  profileName,
		retry:    retry,
		roster:   make(map[uint64]*rosterEntry),
		byTaskID: make(map[uint32]uint64),
		hostOut:  make(chan wire.ReplyEnvelope, hostOutBuffer),
	}
}

// Replies returns the channel of replies (including synthesized
// cancelled/connection_reset replies) the host side should consume.
func (d *Dispatcher) Replies() <-chan wire.ReplyEnvelope { return d.hostOut }

// SubmitTask handles event-kind 1: a task arrived from the host. If
// any daemon is idle, the task goes to the idle daemon with the
// smallest connection id (earliest connection, a deterministic
// tiebreak); otherwise it is appended to the queue.
func (d *Dispatcher) SubmitTask(env wire.TaskEnvelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry := d.idlestEntry(); entry != nil {
		d.assign(entry, env)
		return
	}
	d.queue = append(d.queue, env)
	d.refreshMetricsLocked()
}

// Connect handles event-kind 3: a daemon dialed in. If the queue is
// non-empty, the new connection is immediately handed the head task
// rather than left idle (preserving the queue-idle invariant).
func (d *Dispatcher) Connect(link DaemonLink, daemonID int64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextConnID++
	id := d.nextConnID
	entry := &rosterEntry{connID: id, daemonID: daemonID, link: link}
	d.roster[id] = entry

	if daemonID != 0 {
		d.events = append(d.events, Event(daemonID))
	}

	if len(d.queue) > 0 {
		env := d.queue[0]
		d.queue = d.queue[1:]
		d.assignLocked(entry, env)
	}

	d.refreshMetricsLocked()
	return id
}

// HandleReply handles event-kind 2: a reply arrived from a daemon.
// The busy→idle transition happens here, atomically with any queue
// pop, never on bare reply receipt.
func (d *Dispatcher) HandleReply(connID uint64, reply wire.ReplyEnvelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.roster[connID]
	if !ok {
		return
	}

	delete(d.byTaskID, entry.task.TaskID)
	entry.busy = false
	d.completed++
	metrics.TasksCompletedTotal.WithLabelValues(d.profile, reply.Status.String()).Inc()

	d.deliver(reply)

	if len(d.queue) > 0 {
		env := d.queue[0]
		d.queue = d.queue[1:]
		d.assignLocked(entry, env)
	}
	d.refreshMetricsLocked()
}

// Disconnect handles event-kind 4. If the daemon was executing a task,
// retry policy decides whether the task is requeued at the head or
// resolved with connection_reset.
func (d *Dispatcher) Disconnect(connID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.roster[connID]
	if !ok {
		return
	}
	delete(d.roster, connID)

	if entry.busy {
		delete(d.byTaskID, entry.task.TaskID)
		if d.retry {
			d.queue = append([]wire.TaskEnvelope{entry.task}, d.queue...)
			metrics.RetriesTotal.WithLabelValues(d.profile).Inc()
		} else {
			d.deliver(wire.ReplyEnvelope{TaskID: entry.task.TaskID, Status: wire.StatusConnectionReset})
		}
	}

	if entry.daemonID != 0 {
		d.events = append(d.events, Event(-entry.daemonID))
	}
	d.refreshMetricsLocked()
}

// StatusReply is the vector returned for event-kind 5.
type StatusReply struct {
	Connections int
	Awaiting    int
	Executing   int
	Events      []Event
}

// Status handles event-kind 5: reply with counters and drain the
// events ring buffer.
func (d *Dispatcher) Status() StatusReply {
	d.mu.Lock()
	defer d.mu.Unlock()

	executing := 0
	for _, e := range d.roster {
		if e.busy {
			executing++
		}
	}

	events := d.events
	d.events = nil

	return StatusReply{
		Connections: len(d.roster),
		Awaiting:    len(d.queue),
		Executing:   executing,
		Events:      events,
	}
}

// Completed returns the running completion counter, for P4 accounting
// checks (msgid == completed + awaiting + executing).
func (d *Dispatcher) Completed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// SignalExit sends the exit sentinel to every currently connected
// daemon, best-effort — spec §4.1's reset(signal=true), issued either
// directly (dispatcher=thread) or relayed over the control channel
// from ServeControl/ServeHostConn (dispatcher=process). A daemon
// mid-task reads the sentinel as the frame after its own reply and
// exits per daemonproc's serve loop; a failed send here just means
// the daemon is already gone, which Disconnect will observe on its
// own.
func (d *Dispatcher) SignalExit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.roster {
		_ = e.link.Send(wire.TaskEnvelope{Payload: append([]byte(nil), wire.ExitSentinel[:]...)})
	}
}

// Cancel handles event-kind 6. A queued task is removed outright and
// resolved cancelled=true. An assigned task cannot be soft-cancelled
// (cancelled=false); force requests the executing daemon's pipe be
// closed so its caller observes a disconnect and, per retry policy,
// the task either requeues or resolves connection_reset.
func (d *Dispatcher) Cancel(taskID uint32, force bool) (cancelled bool) {
	d.mu.Lock()

	for i, env := range d.queue {
		if env.TaskID == taskID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.deliver(wire.ReplyEnvelope{TaskID: taskID, Status: wire.StatusCancelled})
			d.refreshMetricsLocked()
			d.mu.Unlock()
			return true
		}
	}

	connID, assigned := d.byTaskID[taskID]
	d.mu.Unlock()

	if assigned && force {
		if entry := d.entry(connID); entry != nil {
			entry.link.Close() // the reader goroutine observes this as a disconnect
		}
	}
	return false
}

func (d *Dispatcher) entry(connID uint64) *rosterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roster[connID]
}

// idlestEntry returns the idle roster entry with the smallest
// connection id, or nil if none are idle. Must be called with mu held.
func (d *Dispatcher) idlestEntry() *rosterEntry {
	var best *rosterEntry
	for _, e := range d.roster {
		if e.busy {
			continue
		}
		if best == nil || e.connID < best.connID {
			best = e
		}
	}
	return best
}

func (d *Dispatcher) assign(entry *rosterEntry, env wire.TaskEnvelope) {
	d.assignLocked(entry, env)
	d.refreshMetricsLocked()
}

func (d *Dispatcher) assignLocked(entry *rosterEntry, env wire.TaskEnvelope) {
	entry.busy = true
	entry.task = env
	d.byTaskID[env.TaskID] = entry.connID
	if err := entry.link.Send(env); err != nil {
		// Treated as an immediate disconnect: the caller's reader
		// goroutine will also observe the broken link and call
		// Disconnect, but we must not leave the roster entry
		// claiming to hold a task no daemon will ever answer.
		entry.busy = false
		delete(d.byTaskID, env.TaskID)
		if d.retry {
			d.queue = append([]wire.TaskEnvelope{env}, d.queue...)
		} else {
			d.deliver(wire.ReplyEnvelope{TaskID: env.TaskID, Status: wire.StatusConnectionReset})
		}
	}
}

// deliver forwards a reply to the host-facing channel without
// blocking the event loop indefinitely if the consumer has stalled.
func (d *Dispatcher) deliver(reply wire.ReplyEnvelope) {
	select {
	case d.hostOut <- reply:
	default:
		go func() { d.hostOut <- reply }()
	}
}

func (d *Dispatcher) refreshMetricsLocked() {
	metrics.QueueDepth.WithLabelValues(d.profile).Set(float64(len(d.queue)))
	metrics.DaemonsConnected.WithLabelValues(d.profile).Set(float64(len(d.roster)))
	busy := 0
	for _, e := range d.roster {
		if e.busy {
			busy++
		}
	}
	metrics.DaemonsBusy.WithLabelValues(d.profile).Set(float64(busy))
}

// RunReader pumps one daemon link's replies into the dispatcher until
// it errors (disconnect) or stopCh closes, then calls Disconnect.
// Grounded on the teacher's UDSServer.handleConnection per-connection
// read loop, adapted from JSON-RPC framing to wire envelopes.
func RunReader(d *Dispatcher, connID uint64, link DaemonLink, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		reply, err := link.Recv()
		if err != nil {
			d.Disconnect(connID)
			return
		}
		d.HandleReply(connID, reply)
	}
}

var _ io.Closer = DaemonLink(nil)

// ErrDisconnected is returned by in-memory DaemonLink implementations
// once closed, so RunReader's Recv loop exits cleanly.
var ErrDisconnected = fmt.Errorf("dispatcher: daemon link closed")
