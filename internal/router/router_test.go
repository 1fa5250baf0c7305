package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func recordingTarget(id uint64, calls *[]uint64) Target {
	return Target{
		ID: id,
		Send: func(taskID uint32, payload []byte) error {
			*calls = append(*calls, id)
			return nil
		},
	}
}

func TestRoundRobinCyclesInOrder(t *testing.T) {
	var calls []uint64
	r := New(nil)
	r.Add(recordingTarget(1, &calls))
	r.Add(recordingTarget(2, &calls))
	r.Add(recordingTarget(3, &calls))

	for i := 0; i < 6; i++ {
		require.NoError(t, r.Route(uint32(i), nil, ""))
	}
	require.Equal(t, []uint64{1, 2, 3, 1, 2, 3}, calls)
}

func TestRouteWithNoTargetsErrors(t *testing.T) {
	r := New(nil)
	err := r.Route(1, nil, "")
	require.ErrorIs(t, err, ErrNoTargets)
}

func TestRemoveStopsFutureRouting(t *testing.T) {
	var calls []uint64
	r := New(nil)
	r.Add(recordingTarget(1, &calls))
	r.Add(recordingTarget(2, &calls))
	r.Remove(1)

	require.NoError(t, r.Route(1, nil, ""))
	require.Equal(t, []uint64{2}, calls)
	require.Equal(t, 1, r.Count())
}

func TestConsistentHashRoutesSameKeyToSameTarget(t *testing.T) {
	var calls []uint64
	r := New(&ConsistentHash{})
	r.Add(recordingTarget(1, &calls))
	r.Add(recordingTarget(2, &calls))
	r.Add(recordingTarget(3, &calls))

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Route(uint32(i), nil, "correlation-key-A"))
	}

	first := calls[0]
	for _, c := range calls {
		require.Equal(t, first, c)
	}
}

func TestSignalExitCallsExitOnEveryTarget(t *testing.T) {
	var exited []uint64
	target := func(id uint64) Target {
		return Target{
			ID:   id,
			Send: func(uint32, []byte) error { return nil },
			Exit: func() error {
				exited = append(exited, id)
				return nil
			},
		}
	}

	r := New(nil)
	r.Add(target(1))
	r.Add(target(2))
	r.SignalExit()

	require.ElementsMatch(t, []uint64{1, 2}, exited)
}

func TestConsistentHashFallsBackToRoundRobinWithoutKey(t *testing.T) {
	var calls []uint64
	r := New(&ConsistentHash{})
	r.Add(recordingTarget(1, &calls))
	r.Add(recordingTarget(2, &calls))

	require.NoError(t, r.Route(1, nil, ""))
	require.NoError(t, r.Route(2, nil, ""))
	require.Equal(t, []uint64{1, 2}, calls)
}
