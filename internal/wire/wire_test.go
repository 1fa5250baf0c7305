package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := TaskEnvelope{TaskID: 42, Payload: []byte("hello")}
	require.NoError(t, WriteTask(&buf, want))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, frame.Task)
	require.Equal(t, want.TaskID, frame.Task.TaskID)
	require.Equal(t, want.Payload, frame.Task.Payload)
}

func TestReplyEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := ReplyEnvelope{TaskID: 7, Status: StatusConnectionReset, Payload: []byte("boom")}
	require.NoError(t, WriteReply(&buf, want))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, frame.Reply)
	require.Equal(t, want.TaskID, frame.Reply.TaskID)
	require.Equal(t, want.Status, frame.Reply.Status)
	require.Equal(t, want.Payload, frame.Reply.Payload)
}

func TestControlFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := ControlFrame{A: 5, B: 1}
	require.NoError(t, WriteControl(&buf, want))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, frame.Control)
	require.Equal(t, want, *frame.Control)
}

func TestControlFrameClassification(t *testing.T) {
	require.True(t, ControlFrame{0, 0}.IsStatus())
	require.True(t, ControlFrame{5, 0}.IsCancel())
	require.True(t, ControlFrame{5, 1}.IsForceCancel())
	require.False(t, ControlFrame{0, 0}.IsCancel())
	require.True(t, ControlFrame{0, 1}.IsSignalExit())
	require.False(t, ControlFrame{0, 0}.IsSignalExit())
	require.False(t, ControlFrame{5, 1}.IsSignalExit())
}

func TestExitSentinelLength(t *testing.T) {
	require.Len(t, ExitSentinel, 27)
	require.True(t, IsExitSentinel(ExitSentinel[:]))
	require.False(t, IsExitSentinel([]byte("not the sentinel")))
}

func TestControlReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := ControlReply{Connections: 3, Awaiting: 2, Executing: 1, Events: []int64{4, -4, 9}}
	require.NoError(t, WriteControlReply(&buf, want))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, frame.ControlReply)
	require.Equal(t, want, *frame.ControlReply)
}

func TestControlReplyRoundTripNoEvents(t *testing.T) {
	var buf bytes.Buffer
	want := ControlReply{Connections: 1, Awaiting: 0, Executing: 1}
	require.NoError(t, WriteControlReply(&buf, want))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, frame.ControlReply)
	require.Equal(t, want.Connections, frame.ControlReply.Connections)
	require.Empty(t, frame.ControlReply.Events)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTask(&buf, TaskEnvelope{TaskID: 1, Payload: []byte("a")}))
	require.NoError(t, WriteReply(&buf, ReplyEnvelope{TaskID: 1, Status: StatusOK, Payload: []byte("b")}))
	require.NoError(t, WriteControl(&buf, ControlFrame{A: 0, B: 0}))

	f1, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, f1.Task)

	f2, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, f2.Reply)

	f3, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.NotNil(t, f3.Control)
}
