// Package host implements the client-visible façade spec §2 calls the
// "host" side: it wires a configured profile.Profile to either an
// in-process dispatcher goroutine (DispatcherThread), a spawned
// dispatcher child process (DispatcherProcess), or the direct-mode
// router (DispatcherNone), and exposes the Submit/Collect/Cancel/
// Status/Reset operations spec §4 describes as the host's API.
// Grounded on the teacher's internal/task.TaskManager: a process-wide
// map of live sessions guarded by a mutex, CRUD-shaped methods, and
// StopAll-style teardown aggregating errors with go.uber.org/multierr.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/multierr"

	"icc.tech/taskmesh/internal/dispatcher"
	"icc.tech/taskmesh/internal/profile"
	"icc.tech/taskmesh/internal/router"
	"icc.tech/taskmesh/internal/transport"
	"icc.tech/taskmesh/internal/wire"
)

// ErrConnectionReset is returned to the caller of Collect when the
// profile was reset (or its dispatcher=process link died) while a task was
// outstanding — spec §7 error code 19.
var ErrConnectionReset = errors.New("taskmesh: connection reset (19)")

// ErrNotConfigured mirrors profile.ErrNotConfigured for callers that
// only import internal/host.
var ErrNotConfigured = profile.ErrNotConfigured

// Config carries the arguments to Host.Configure, the host-visible
// superset of profile.ConfigureOptions plus the two binaries Process
// mode needs to spawn.
type Config struct {
	N                 int
	URL               string
	Dispatcher        profile.DispatcherMode
	Retry             bool
	Autoexit          bool
	RawOptions        map[string]any
	DaemonExecPath    string
	DispatcherExec    string
	LaunchTimeout     time.Duration
	HostOutBufferSize int // dispatcher reply channel capacity; 0 uses a sane default
}

// session is the host-side state for one configured profile, layered
// on top of the *profile.Profile the registry already tracks.
type session struct {
	profile *profile.Profile

	mu       sync.Mutex
	msgid    uint32
	pending  map[uint32]*Task
	direct   *router.Router
	hostConn *dispatcher.HostConn // process-mode multiplexed link; nil otherwise

	cancelPump context.CancelFunc
}

// Host is the process-wide façade over the profile registry, the
// in-process dispatcher sessions, and direct-mode routers.
type Host struct {
	registry *profile.Registry

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Host bound to the process-wide profile registry.
func New() *Host {
	return &Host{registry: profile.Get(), sessions: make(map[string]*session)}
}

// Configure implements spec §4.1's configure operation end to end:
// allocate profile state, stand up whichever dispatch path was
// requested, and launch n local daemons. For None/Thread modes it
// blocks until they have dialed in or the long timeout elapses;
// Process mode returns once they are spawned, without waiting.
func (h *Host) Configure(ctx context.Context, name string, cfg Config) error {
	timeout := cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bufSize := cfg.HostOutBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	cfg.HostOutBufferSize = bufSize

	p, err := h.registry.Configure(ctx, name, profile.ConfigureOptions{
		N:          cfg.N,
		URL:        cfg.URL,
		Dispatcher: cfg.Dispatcher,
		Retry:      cfg.Retry,
		Autoexit:   cfg.Autoexit,
		RawOptions: cfg.RawOptions,
	})
	if err != nil {
		return err
	}

	sess := &session{profile: p, pending: make(map[uint32]*Task)}

	switch cfg.Dispatcher {
	case profile.DispatcherNone:
		err = h.configureDirect(ctx, p, sess, cfg, timeout)
	case profile.DispatcherThread:
		err = h.configureThread(ctx, p, sess, cfg, timeout)
	case profile.DispatcherProcess:
		err = h.configureProcess(ctx, p, sess, cfg, timeout)
	default:
		err = fmt.Errorf("host: invalid dispatcher mode %q", cfg.Dispatcher)
	}
	if err != nil {
		_ = h.registry.Reset(name, false)
		return err
	}

	h.mu.Lock()
	h.sessions[name] = sess
	h.mu.Unlock()
	return nil
}

// configureDirect wires spec §4.5: the profile's own listener becomes
// a round-robin router over directly-dialed daemons.
func (h *Host) configureDirect(ctx context.Context, p *profile.Profile, sess *session, cfg Config, timeout time.Duration) error {
	sess.direct = router.New(nil)

	loopCtx, cancel := context.WithCancel(context.Background())
	sess.cancelPump = cancel
	go p.Listener.Serve(loopCtx, func(handleCtx context.Context, conn net.Conn) {
		h.serveDirectConn(handleCtx, sess, conn)
	})

	if cfg.N > 0 {
		if err := p.LaunchDaemons(cfg.DaemonExecPath, cfg.N, true, timeout); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// serveDirectConn registers one directly-dialed daemon connection as
// a router target — its Send does a synchronous request/reply round
// trip on conn, the discipline a request/reply socket imposes on a
// single daemon — and keeps it registered until the listener shuts
// the connection down (context cancellation or peer disconnect).
func (h *Host) serveDirectConn(ctx context.Context, sess *session, conn net.Conn) {
	var sendMu sync.Mutex
	id := directTargetID(conn)

	target := router.Target{
		ID: id,
		Send: func(taskID uint32, payload []byte) error {
			sendMu.Lock()
			defer sendMu.Unlock()
			if err := wire.WriteTask(conn, wire.TaskEnvelope{TaskID: taskID, Payload: payload}); err != nil {
				return err
			}
			frame, err := wire.ReadFrame(conn)
			if err != nil {
				return err
			}
			if frame.Reply == nil {
				return fmt.Errorf("host: expected reply frame from direct daemon")
			}
			sess.mu.Lock()
			if t, ok := sess.pending[frame.Reply.TaskID]; ok {
				delete(sess.pending, frame.Reply.TaskID)
				t.resolve(*frame.Reply, nil)
			}
			sess.mu.Unlock()
			return nil
		},
		Exit: func() error {
			sendMu.Lock()
			defer sendMu.Unlock()
			return wire.WriteTask(conn, wire.TaskEnvelope{Payload: append([]byte(nil), wire.ExitSentinel[:]...)})
		},
	}
	sess.direct.Add(target)
	defer sess.direct.Remove(id)
	<-ctx.Done()
}

func directTargetID(conn net.Conn) uint64 {
	addr := conn.RemoteAddr().String()
	var h uint64 = 1469598103934665603
	for i := 0; i < len(addr); i++ {
		h ^= uint64(addr[i])
		h *= 1099511628211
	}
	return h
}

// configureThread wires spec §9's resolved "thread = in-process
// goroutine" reading: the dispatcher lives in the host's own address
// space, fed directly by the profile's listener with no second
// socket for control traffic.
func (h *Host) configureThread(ctx context.Context, p *profile.Profile, sess *session, cfg Config, timeout time.Duration) error {
	d := dispatcher.New(p.Name, p.Retry, cfg.HostOutBufferSize)
	p.SetDispatch(d)

	loopCtx, cancel := context.WithCancel(context.Background())
	sess.cancelPump = cancel

	go p.Listener.Serve(loopCtx, func(_ context.Context, conn net.Conn) {
		link := dispatcher.NewConnLink(conn)
		connID := d.Connect(link, 0)
		dispatcher.RunReader(d, connID, link, loopCtx.Done())
	})
	go h.pumpReplies(loopCtx, sess, d.Replies())

	if cfg.N > 0 {
		if err := p.LaunchDaemons(cfg.DaemonExecPath, cfg.N, true, timeout); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// configureProcess wires spec §4.1's dispatcher=process path: spawn
// cmd/taskmesh-dispatcher, accept its single control connection on
// the profile's own listener (reversing which side dials for the
// reasons recorded in DESIGN.md), read its handshake announcing the
// daemon-facing URL it bound, then launch n local daemons dialing
// that URL.
func (h *Host) configureProcess(ctx context.Context, p *profile.Profile, sess *session, cfg Config, timeout time.Duration) error {
	execPath := cfg.DispatcherExec
	if execPath == "" {
		return fmt.Errorf("host: dispatcher=process requires DispatcherExec")
	}

	daemonURL, err := derivedDaemonURL(p.URL)
	if err != nil {
		return err
	}

	if err := spawnDispatcher(execPath, p.URL.String(), daemonURL.String(), p.Retry); err != nil {
		return fmt.Errorf("host: spawn dispatcher: %w", err)
	}

	conn, err := acceptWithTimeout(p.Listener, timeout)
	if err != nil {
		return fmt.Errorf("host: SyncDispatcher: %w", err)
	}

	hc := dispatcher.NewHostConn(conn)
	sess.hostConn = hc

	loopCtx, cancel := context.WithCancel(context.Background())
	sess.cancelPump = cancel
	go h.pumpReplies(loopCtx, sess, hc.Replies())

	if cfg.N > 0 {
		if err := p.LaunchDaemonsAt(cfg.DaemonExecPath, cfg.N, false, timeout, daemonURL.String()); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// spawnDispatcher starts cmd/taskmesh-dispatcher detached, passing the
// control URL it should dial (the host's own listener) and the
// daemon-facing URL it should bind, replacing the source's habit of
// composing a shell expression with a structured argv (spec §9).
func spawnDispatcher(execPath, controlURL, daemonURL string, retry bool) error {
	args := []string{"--control-url", controlURL, "--daemon-url", daemonURL}
	if retry {
		args = append(args, "--retry")
	}
	cmd := exec.Command(execPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// derivedDaemonURL picks the daemon-facing address the dispatcher
// child will bind: same scheme/host as the profile's control URL with
// an independent ephemeral port (tcp/tls+tcp) or a sibling path (ipc).
func derivedDaemonURL(u transport.URL) (transport.URL, error) {
	switch u.Scheme {
	case transport.SchemeTCP, transport.SchemeTLSTCP:
		return u.WithPort(0), nil
	case transport.SchemeIPC:
		return transport.URL{Scheme: transport.SchemeIPC, Path: u.Path + ".daemons"}, nil
	case transport.SchemeAbstract:
		return transport.URL{Scheme: transport.SchemeAbstract, Name: u.Name + "-daemons"}, nil
	default:
		return transport.URL{}, fmt.Errorf("host: unsupported scheme %q", u.Scheme)
	}
}

func acceptWithTimeout(l *transport.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("dispatcher child did not connect within %s", timeout)
	}
}

// pumpReplies drains a dispatcher's reply stream into pending task
// futures by task id, the host-side half of spec §4.3 item 2's
// busy→idle/reply-forward transition.
func (h *Host) pumpReplies(ctx context.Context, sess *session, replies <-chan wire.ReplyEnvelope) {
	for {
		select {
		case reply, ok := <-replies:
			if !ok {
				sess.mu.Lock()
				pending := sess.pending
				sess.pending = make(map[uint32]*Task)
				sess.mu.Unlock()
				for _, t := range pending {
					t.resolve(wire.ReplyEnvelope{}, ErrConnectionReset)
				}
				return
			}
			sess.mu.Lock()
			t, ok := sess.pending[reply.TaskID]
			if ok {
				delete(sess.pending, reply.TaskID)
			}
			sess.mu.Unlock()
			if ok {
				t.resolve(reply, nil)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit assigns the next monotonically increasing task id (spec §4.2,
// P2) and routes the task to the configured dispatch path, returning a
// Task the caller awaits with Wait.
func (h *Host) Submit(name string, payload []byte) (*Task, error) {
	sess, err := h.session(name)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	sess.msgid++
	id := sess.msgid
	t := newTask(id)
	sess.pending[id] = t
	direct := sess.direct
	hostConn := sess.hostConn
	dispatch := sess.profile.GetDispatch()
	sess.mu.Unlock()

	env := wire.TaskEnvelope{TaskID: id, Payload: payload}

	switch {
	case direct != nil:
		if err := direct.Route(id, payload, ""); err != nil {
			h.forget(sess, id)
			return nil, err
		}
	case hostConn != nil:
		if err := hostConn.SubmitTask(env); err != nil {
			h.forget(sess, id)
			return nil, err
		}
	case dispatch != nil:
		dispatch.SubmitTask(env)
	default:
		h.forget(sess, id)
		return nil, fmt.Errorf("host: profile %q has no dispatch path wired", name)
	}

	return t, nil
}

func (h *Host) forget(sess *session, id uint32) {
	sess.mu.Lock()
	delete(sess.pending, id)
	sess.mu.Unlock()
}

// Collect blocks for a task's reply, honouring ctx's deadline per
// spec §5's suspension-point rule (c).
func (h *Host) Collect(ctx context.Context, t *Task) (wire.ReplyEnvelope, error) {
	return t.Wait(ctx)
}

// Cancel sends a cancel (or, if force, a force-cancel) control command
// for an outstanding task. Unavailable in direct mode per spec §4.5.
func (h *Host) Cancel(name string, taskID uint32, force bool) (bool, error) {
	sess, err := h.session(name)
	if err != nil {
		return false, err
	}
	sess.mu.Lock()
	direct := sess.direct
	hostConn := sess.hostConn
	dispatch := sess.profile.GetDispatch()
	sess.mu.Unlock()

	switch {
	case direct != nil:
		return false, fmt.Errorf("host: cancel unavailable in direct mode")
	case hostConn != nil:
		return hostConn.Cancel(taskID, force)
	case dispatch != nil:
		return dispatch.Cancel(taskID, force), nil
	default:
		return false, fmt.Errorf("host: profile %q has no dispatch path wired", name)
	}
}

// Status returns the current connection/queue snapshot for a profile.
// Direct-mode profiles report the router's connected-daemon count;
// dispatcher=process profiles report only the listen URL, since their
// counters live in the child process.
func (h *Host) Status(name string) (profile.StatusReport, error) {
	report, err := h.registry.Status(name)
	if err != nil {
		return report, err
	}
	if sess, err := h.session(name); err == nil && sess.direct != nil {
		report.Connections = sess.direct.Count()
	}
	return report, nil
}

// Reset tears a profile down, resolving every outstanding task with
// ErrConnectionReset within a bounded time (P5), then removes the
// host-side session.
func (h *Host) Reset(name string, signal bool) error {
	h.mu.Lock()
	sess, ok := h.sessions[name]
	if ok {
		delete(h.sessions, name)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotConfigured, name)
	}

	var errs error
	if signal {
		// Send before anything is torn down: registry.Reset below
		// closes the profile's listener (dropping every connection),
		// and cancelPump stops the loop that accepted them, so the
		// sentinel must go out on still-open links first or it would
		// race the teardown it's meant to precede.
		errs = multierr.Append(errs, sess.signalExit())
	}

	errs = multierr.Append(errs, h.registry.Reset(name, signal))

	if sess.cancelPump != nil {
		sess.cancelPump()
	}
	if sess.hostConn != nil {
		errs = multierr.Append(errs, sess.hostConn.Close())
	}

	sess.mu.Lock()
	pending := make([]*Task, 0, len(sess.pending))
	for _, t := range sess.pending {
		pending = append(pending, t)
	}
	sess.pending = make(map[uint32]*Task)
	sess.mu.Unlock()

	for _, t := range pending {
		t.resolve(wire.ReplyEnvelope{}, ErrConnectionReset)
	}

	return errs
}

// signalExit sends the exit sentinel to every currently connected
// daemon, best-effort, before the profile's listener is closed — spec
// §4.1's reset(signal=true) path. Direct-mode daemons are reached
// directly over the conns serveDirectConn holds; process-mode daemons
// are only reachable through the dispatcher child, so the signal is
// relayed over the control link. Thread mode's in-process dispatcher
// is signalled by internal/profile.Registry.Reset itself (it already
// holds the Profile.Dispatch pointer), so there's nothing to do here
// for that case.
func (s *session) signalExit() error {
	if s.direct != nil {
		s.direct.SignalExit()
	}
	if s.hostConn != nil {
		return s.hostConn.SignalExit()
	}
	return nil
}

func (h *Host) session(name string) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, name)
	}
	return sess, nil
}

// StopAll resets every configured profile, aggregating errors the way
// the teacher's task.TaskManager.StopAll does but without discarding
// all but the last (spec §5 ADDED: go.uber.org/multierr).
func (h *Host) StopAll() error {
	h.mu.Lock()
	names := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		names = append(names, name)
	}
	h.mu.Unlock()

	var errs error
	for _, name := range names {
		if err := h.Reset(name, true); err != nil {
			slog.Warn("host: error resetting profile during StopAll", "profile", name, "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
