// Package daemonproc implements cmd/taskmesh-daemon's run loop: dial
// the host (or dispatcher child), read task frames, run a handler, and
// write replies back, honouring the daemon option table spec §6
// describes (maxtasks, idletime, walltime) and the exit sentinel's
// clean-shutdown contract. Options.Autoexit is carried but does not
// change when the daemon exits: it always exits once the connection
// closes. Grounded on the teacher's
// internal/daemon.Daemon lifecycle (New/Run/Stop ordering) and
// internal/task.Worker's single-connection read/dispatch/write loop,
// generalized from capture-session commands to arbitrary task
// payloads.
package daemonproc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"icc.tech/taskmesh/internal/rng"
	"icc.tech/taskmesh/internal/transport"
	"icc.tech/taskmesh/internal/wire"
)

// Handler processes one task payload and returns the bytes to send
// back in the reply. Returning an error yields a StatusUserError reply
// carrying the error text as payload, per spec §3's reply status set.
type Handler func(ctx context.Context, taskID uint32, payload []byte) ([]byte, error)

// Options mirrors profile.DaemonOptions plus the dial parameters
// cmd/taskmesh-daemon parses from argv (see launcher.go's argv()),
// kept separate from internal/profile to avoid an import cycle between
// the host-side launcher and the worker binary it spawns.
type Options struct {
	URL       string
	Seed      rng.SeedVector
	TLSConfig *tls.Config

	AsyncDial bool
	Autoexit  bool
	Cleanup   bool
	MaxTasks  int
	IdleTime  time.Duration
	WallTime  time.Duration

	Handler Handler
}

// ErrWallTimeExceeded is returned by Run when the worker's wall-clock
// budget (spec §6 walltime) elapses regardless of task activity.
var ErrWallTimeExceeded = errors.New("daemonproc: walltime exceeded")

// ErrIdleTimeExceeded is returned by Run when no task arrives within
// idletime of the last one completing (spec §6 idletime).
var ErrIdleTimeExceeded = errors.New("daemonproc: idletime exceeded")

// ErrMaxTasksReached is returned by Run once maxtasks tasks have been
// handled, the daemon's normal retirement path.
var ErrMaxTasksReached = errors.New("daemonproc: maxtasks reached")

// Run dials opts.URL (synchronously, unless AsyncDial retries in the
// background per spec §6) and serves tasks until the connection closes,
// the exit sentinel arrives, or one of the option-table limits fires.
func Run(ctx context.Context, opts Options) error {
	if opts.Handler == nil {
		opts.Handler = func(_ context.Context, _ uint32, payload []byte) ([]byte, error) {
			return payload, nil
		}
	}

	u, err := transport.Parse(opts.URL)
	if err != nil {
		return fmt.Errorf("daemonproc: parse url: %w", err)
	}

	conn, err := dial(ctx, u, opts)
	if err != nil {
		return fmt.Errorf("daemonproc: dial: %w", err)
	}
	defer conn.Close()

	slog.Info("daemon connected", "url", opts.URL)
	return serve(ctx, conn, opts)
}

// dial connects once, or — when AsyncDial is set — retries with
// backoff until ctx is cancelled, the source's "fire the process and
// let it find the socket whenever it appears" launch mode.
func dial(ctx context.Context, u transport.URL, opts Options) (net.Conn, error) {
	if !opts.AsyncDial {
		return transport.Dial(ctx, u, opts.TLSConfig)
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		conn, err := transport.Dial(ctx, u, opts.TLSConfig)
		if err == nil {
			return conn, nil
		}
		slog.Warn("daemon async-dial retry", "url", u.String(), "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// serve is the per-connection read/handle/write loop, the worker side
// of spec §4.3's dispatch cycle: read a task frame, run the handler,
// write the reply, repeat until a limit fires or the peer hangs up.
func serve(ctx context.Context, conn net.Conn, opts Options) error {
	tasksHandled := 0
	lastActivity := time.Now()
	deadline := walltimeDeadline(opts.WallTime)

	for {
		if deadline != nil {
			remaining := time.Until(*deadline)
			if remaining <= 0 {
				return finish(conn, opts, ErrWallTimeExceeded)
			}
			conn.SetReadDeadline(minTime(*deadline, idleDeadline(lastActivity, opts.IdleTime)))
		} else if opts.IdleTime > 0 {
			conn.SetReadDeadline(time.Now().Add(opts.IdleTime))
		}

		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if isTimeout(err) {
				if deadline != nil && time.Now().After(*deadline) {
					return finish(conn, opts, ErrWallTimeExceeded)
				}
				return finish(conn, opts, ErrIdleTimeExceeded)
			}
			if errors.Is(err, io.EOF) {
				return finish(conn, opts, nil)
			}
			return finish(conn, opts, fmt.Errorf("daemonproc: read frame: %w", err))
		}

		if frame.Task == nil {
			continue // control/reply frames never arrive on a worker socket
		}
		lastActivity = time.Now()

		if wire.IsExitSentinel(frame.Task.Payload) {
			slog.Info("daemon received exit sentinel", "tasks_handled", tasksHandled)
			return finish(conn, opts, nil)
		}

		reply := handle(ctx, frame.Task.TaskID, frame.Task.Payload, opts.Handler)
		if err := wire.WriteReply(conn, reply); err != nil {
			return finish(conn, opts, fmt.Errorf("daemonproc: write reply: %w", err))
		}
		tasksHandled++

		if opts.MaxTasks > 0 && tasksHandled >= opts.MaxTasks {
			slog.Info("daemon reached maxtasks, exiting", "maxtasks", opts.MaxTasks)
			return finish(conn, opts, ErrMaxTasksReached)
		}

		select {
		case <-ctx.Done():
			return finish(conn, opts, ctx.Err())
		default:
		}
	}
}

// handle runs the user handler, mapping a returned error to a
// StatusUserError reply rather than dropping the task, so the host
// always sees an outcome for every submitted task (P3/P4).
func handle(ctx context.Context, taskID uint32, payload []byte, h Handler) wire.ReplyEnvelope {
	out, err := h(ctx, taskID, payload)
	if err != nil {
		return wire.ReplyEnvelope{TaskID: taskID, Status: wire.StatusUserError, Payload: []byte(err.Error())}
	}
	return wire.ReplyEnvelope{TaskID: taskID, Status: wire.StatusOK, Payload: out}
}

// finish clears any read deadline and runs cleanup (opts.Cleanup) on
// the way out, folding a nil/expected exit into a single return path.
func finish(conn net.Conn, opts Options, cause error) error {
	conn.SetReadDeadline(time.Time{})
	if opts.Cleanup {
		cleanup()
	}
	if cause == nil || errors.Is(cause, io.EOF) {
		return nil
	}
	return cause
}

// cleanup releases daemon-local resources (spec §6's cleanup option)
// before exit. This worker holds nothing beyond the connection itself,
// so it's a no-op placed for the option to have a concrete effect if a
// future handler attaches resources to the process.
func cleanup() {}

func walltimeDeadline(wall time.Duration) *time.Time {
	if wall <= 0 {
		return nil
	}
	d := time.Now().Add(wall)
	return &d
}

func idleDeadline(last time.Time, idle time.Duration) time.Time {
	if idle <= 0 {
		return time.Time{}
	}
	return last.Add(idle)
}

func minTime(a, b time.Time) time.Time {
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
