package daemonproc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"icc.tech/taskmesh/internal/wire"
)

// pipeHost stands in for the dispatcher/router side of the socket: it
// accepts one connection from Run and lets the test drive frames
// directly instead of spinning up a real listener.
func pipeHost(t *testing.T) (hostConn, workerConn net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestServeEchoesTaskAndHonoursExitSentinel(t *testing.T) {
	host, worker := pipeHost(t)

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), worker, Options{
			Handler: func(_ context.Context, _ uint32, payload []byte) ([]byte, error) {
				return payload, nil
			},
		})
	}()

	require.NoError(t, wire.WriteTask(host, wire.TaskEnvelope{TaskID: 1, Payload: []byte("hi")}))
	frame, err := wire.ReadFrame(host)
	require.NoError(t, err)
	require.NotNil(t, frame.Reply)
	require.Equal(t, wire.StatusOK, frame.Reply.Status)
	require.Equal(t, []byte("hi"), frame.Reply.Payload)

	require.NoError(t, wire.WriteTask(host, wire.TaskEnvelope{TaskID: 2, Payload: wire.ExitSentinel[:]}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not return after exit sentinel")
	}
}

func TestServeReturnsUserErrorReply(t *testing.T) {
	host, worker := pipeHost(t)

	go serve(context.Background(), worker, Options{
		Handler: func(_ context.Context, _ uint32, _ []byte) ([]byte, error) {
			return nil, errBoom
		},
	})

	require.NoError(t, wire.WriteTask(host, wire.TaskEnvelope{TaskID: 7, Payload: []byte("x")}))
	frame, err := wire.ReadFrame(host)
	require.NoError(t, err)
	require.Equal(t, wire.StatusUserError, frame.Reply.Status)
	require.Equal(t, []byte(errBoom.Error()), frame.Reply.Payload)
}

func TestServeHonoursMaxTasksAutoexit(t *testing.T) {
	host, worker := pipeHost(t)

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), worker, Options{
			MaxTasks: 2,
			Autoexit: true,
			Handler: func(_ context.Context, _ uint32, payload []byte) ([]byte, error) {
				return payload, nil
			},
		})
	}()

	for i := uint32(1); i <= 2; i++ {
		require.NoError(t, wire.WriteTask(host, wire.TaskEnvelope{TaskID: i, Payload: []byte("p")}))
		_, err := wire.ReadFrame(host)
		require.NoError(t, err)
	}

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrMaxTasksReached)
	case <-time.After(time.Second):
		t.Fatal("serve did not exit after reaching maxtasks")
	}
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
