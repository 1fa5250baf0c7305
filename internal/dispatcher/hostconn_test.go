package dispatcher

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"icc.tech/taskmesh/internal/wire"
)

func TestHostConnSubmitAndReceiveReply(t *testing.T) {
	dispatcherSide, hostSide := net.Pipe()
	defer dispatcherSide.Close()
	defer hostSide.Close()

	d := New("p", true, 4)
	link := NewChanLink(4)
	d.Connect(link, 0)

	go ServeHostConn(d, dispatcherSide)
	hc := NewHostConn(hostSide)
	defer hc.Close()

	require.NoError(t, hc.SubmitTask(wire.TaskEnvelope{TaskID: 1, Payload: []byte("x")}))

	var env wire.TaskEnvelope
	select {
	case env = <-link.Tasks():
	case <-time.After(time.Second):
		t.Fatal("dispatcher never forwarded task to daemon")
	}
	require.Equal(t, uint32(1), env.TaskID)

	link.Reply(wire.ReplyEnvelope{TaskID: 1, Status: wire.StatusOK, Payload: []byte("y")})

	select {
	case reply := <-hc.Replies():
		require.Equal(t, wire.StatusOK, reply.Status)
		require.Equal(t, []byte("y"), reply.Payload)
	case <-time.After(time.Second):
		t.Fatal("host never received reply")
	}
}

func TestHostConnStatusRoundTrip(t *testing.T) {
	dispatcherSide, hostSide := net.Pipe()
	defer dispatcherSide.Close()
	defer hostSide.Close()

	d := New("p", true, 4)
	d.Connect(NewChanLink(4), 0)

	go ServeHostConn(d, dispatcherSide)
	hc := NewHostConn(hostSide)
	defer hc.Close()

	reply, err := hc.Status()
	require.NoError(t, err)
	require.Equal(t, int64(1), reply.Connections)
}

func TestHostConnSignalExitBroadcastsSentinel(t *testing.T) {
	dispatcherSide, hostSide := net.Pipe()
	defer dispatcherSide.Close()
	defer hostSide.Close()

	d := New("p", true, 4)
	link := NewChanLink(4)
	d.Connect(link, 0)

	go ServeHostConn(d, dispatcherSide)
	hc := NewHostConn(hostSide)
	defer hc.Close()

	require.NoError(t, hc.SignalExit())

	select {
	case env := <-link.Tasks():
		require.True(t, wire.IsExitSentinel(env.Payload))
	case <-time.After(time.Second):
		t.Fatal("dispatcher never relayed the exit sentinel to the daemon link")
	}
}

func TestHostConnCancelRoundTrip(t *testing.T) {
	dispatcherSide, hostSide := net.Pipe()
	defer dispatcherSide.Close()
	defer hostSide.Close()

	d := New("p", true, 4)
	d.SubmitTask(wire.TaskEnvelope{TaskID: 9})

	go ServeHostConn(d, dispatcherSide)
	hc := NewHostConn(hostSide)
	defer hc.Close()

	cancelled, err := hc.Cancel(9, false)
	require.NoError(t, err)
	require.True(t, cancelled)
}
