package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestQueueDepthSetAndRead(t *testing.T) {
	QueueDepth.WithLabelValues("default").Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(QueueDepth.WithLabelValues("default")))
}

func TestTasksCompletedTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(TasksCompletedTotal.WithLabelValues("default", "ok"))
	TasksCompletedTotal.WithLabelValues("default", "ok").Inc()
	after := testutil.ToFloat64(TasksCompletedTotal.WithLabelValues("default", "ok"))
	require.Equal(t, before+1, after)
}
