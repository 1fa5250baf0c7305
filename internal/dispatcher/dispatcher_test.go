package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"icc.tech/taskmesh/internal/wire"
)

func TestSubmitToIdleDaemonGoesDirect(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(4)
	d.Connect(link, 0)

	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})

	select {
	case env := <-link.Tasks():
		require.Equal(t, uint32(1), env.TaskID)
	case <-time.After(time.Second):
		t.Fatal("task never dispatched to idle daemon")
	}
	st := d.Status()
	require.Equal(t, 0, st.Awaiting)
	require.Equal(t, 1, st.Executing)
}

func TestSubmitWithNoIdleDaemonQueues(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(4)
	d.Connect(link, 0)
	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})
	<-link.Tasks() // drain so daemon is now busy

	d.SubmitTask(wire.TaskEnvelope{TaskID: 2})
	st := d.Status()
	require.Equal(t, 1, st.Awaiting)
	require.Equal(t, 1, st.Executing)
}

func TestIdlestEntryIsEarliestConnection(t *testing.T) {
	d := New("p", true, 4)
	linkA := NewChanLink(4)
	linkB := NewChanLink(4)
	d.Connect(linkA, 0)
	d.Connect(linkB, 0)

	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})

	select {
	case <-linkA.Tasks():
	case <-time.After(time.Second):
		t.Fatal("expected earliest-connected daemon to receive the task")
	}
}

func TestReplyFreesSlotAndPopsQueue(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(4)
	connID := d.Connect(link, 0)
	go RunReader(d, connID, link, nil)

	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})
	d.SubmitTask(wire.TaskEnvelope{TaskID: 2})

	env := <-link.Tasks()
	require.Equal(t, uint32(1), env.TaskID)
	link.Reply(wire.ReplyEnvelope{TaskID: 1, Status: wire.StatusOK})

	env2 := <-link.Tasks()
	require.Equal(t, uint32(2), env2.TaskID)

	require.Eventually(t, func() bool {
		return d.Completed() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnectWithRetryRequeuesTask(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(4)
	d.Connect(link, 0)
	d.SubmitTask(wire.TaskEnvelope{TaskID: 1, Payload: []byte("original work")})
	<-link.Tasks()

	d.Disconnect(1)

	st := d.Status()
	require.Equal(t, 1, st.Awaiting)
	require.Equal(t, 0, st.Connections)

	replacement := NewChanLink(4)
	d.Connect(replacement, 0)
	requeued := <-replacement.Tasks()
	require.Equal(t, uint32(1), requeued.TaskID)
	require.Equal(t, []byte("original work"), requeued.Payload)
}

func TestDisconnectWithoutRetrySynthesizesConnectionReset(t *testing.T) {
	d := New("p", false, 4)
	link := NewChanLink(4)
	d.Connect(link, 0)
	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})
	<-link.Tasks()

	d.Disconnect(1)

	reply := <-d.Replies()
	require.Equal(t, wire.StatusConnectionReset, reply.Status)
}

func TestConnectEventsAreSigned(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(4)
	connID := d.Connect(link, 7)
	d.Disconnect(connID)

	st := d.Status()
	require.Equal(t, []Event{7, -7}, st.Events)
}

func TestStatusDrainsEventsOnce(t *testing.T) {
	d := New("p", true, 4)
	d.Connect(NewChanLink(1), 1)
	st := d.Status()
	require.Len(t, st.Events, 1)
	st2 := d.Status()
	require.Empty(t, st2.Events)
}

func TestCancelQueuedTaskResolvesCancelled(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(4)
	d.Connect(link, 0)
	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})
	<-link.Tasks() // daemon now busy
	d.SubmitTask(wire.TaskEnvelope{TaskID: 2})

	ok := d.Cancel(2, false)
	require.True(t, ok)

	reply := <-d.Replies()
	require.Equal(t, uint32(2), reply.TaskID)
	require.Equal(t, wire.StatusCancelled, reply.Status)
}

func TestCancelAssignedTaskSoftReturnsFalse(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(4)
	d.Connect(link, 0)
	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})
	<-link.Tasks()

	ok := d.Cancel(1, false)
	require.False(t, ok)
}

func TestForceCancelClosesDaemonLink(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(4)
	connID := d.Connect(link, 0)
	go RunReader(d, connID, link, nil)
	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})
	<-link.Tasks()

	ok := d.Cancel(1, true)
	require.False(t, ok)

	require.Eventually(t, func() bool {
		st := d.Status()
		return st.Connections == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSignalExitSendsSentinelToEveryConnectedDaemon(t *testing.T) {
	d := New("p", true, 4)
	busy := NewChanLink(4)
	d.Connect(busy, 0)
	d.SubmitTask(wire.TaskEnvelope{TaskID: 1})
	<-busy.Tasks()

	idle := NewChanLink(4)
	d.Connect(idle, 0)

	d.SignalExit()

	select {
	case env := <-idle.Tasks():
		require.True(t, wire.IsExitSentinel(env.Payload))
	case <-time.After(time.Second):
		t.Fatal("idle daemon never received the exit sentinel")
	}
	select {
	case env := <-busy.Tasks():
		require.True(t, wire.IsExitSentinel(env.Payload))
	case <-time.After(time.Second):
		t.Fatal("busy daemon never received the exit sentinel")
	}
}

// TestAccountingInvariant exercises P4: msgid == completed + awaiting
// + executing, tracked here as submitted == completed + awaiting +
// executing since the dispatcher itself does not assign msgids.
func TestAccountingInvariant(t *testing.T) {
	d := New("p", true, 4)
	link := NewChanLink(8)
	connID := d.Connect(link, 0)
	go RunReader(d, connID, link, nil)

	const n = 5
	for i := uint32(1); i <= n; i++ {
		d.SubmitTask(wire.TaskEnvelope{TaskID: i})
	}

	completed := 0
	for completed < n {
		env := <-link.Tasks()
		link.Reply(wire.ReplyEnvelope{TaskID: env.TaskID, Status: wire.StatusOK})
		completed++
	}

	require.Eventually(t, func() bool {
		st := d.Status()
		return d.Completed() == n && st.Awaiting == 0 && st.Executing == 0
	}, time.Second, 10*time.Millisecond)
}
