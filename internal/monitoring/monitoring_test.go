package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnet/tom/internal/redistest"
	"github.com/tomnet/tom/internal/tomerr"
)

func TestRegistryAnnounceAndList(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := t.Context()

	w, err := JoinRegistry(ctx, rdb, "worker-1")
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Announce(ctx))

	viewer, err := JoinRegistry(ctx, rdb, "")
	require.NoError(t, err)
	defer viewer.Close()

	require.Eventually(t, func() bool {
		return len(viewer.Workers(0)) == 1
	}, 5*time.Second, 50*time.Millisecond)

	workers := viewer.Workers(0)
	assert.Equal(t, "worker-1", workers[0].ID)
	assert.NotZero(t, workers[0].PID)

	// A stale cutoff in the past filters the entry out.
	assert.Empty(t, viewer.Workers(time.Nanosecond))

	w.Leave(ctx)
	require.Eventually(t, func() bool {
		return len(viewer.Workers(0)) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFailureStreamTail(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := t.Context()

	pub, err := NewFailurePublisher(rdb, 100)
	require.NoError(t, err)

	tail, err := TailFailures(ctx, rdb, "monitoring-test", 100)
	require.NoError(t, err)
	defer tail.Close(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Publish(ctx, FailureEvent{
			JobID:   "job-1",
			Device:  "rtr1",
			Command: "show version",
			Kind:    tomerr.KindTransportError,
			Message: "connection reset",
		}))
	}

	require.Eventually(t, func() bool {
		return len(tail.Recent()) == 3
	}, 5*time.Second, 50*time.Millisecond)

	ev := tail.Recent()[0]
	assert.Equal(t, "rtr1", ev.Device)
	assert.Equal(t, tomerr.KindTransportError, ev.Kind)
	assert.False(t, ev.At.IsZero())
}

func TestDeviceStats(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := t.Context()

	stats := NewDeviceStats(rdb)
	stats.RecordSuccess(ctx, "rtr1")
	stats.RecordSuccess(ctx, "rtr1")
	stats.RecordFailure(ctx, "rtr1", tomerr.KindTimeoutError)
	stats.RecordFailure(ctx, "rtr2", tomerr.KindAuthFailure)

	one, err := stats.Device(ctx, "rtr1")
	require.NoError(t, err)
	assert.Equal(t, "2", one["executed"])
	assert.Equal(t, "1", one["failed"])
	assert.Equal(t, "1", one["failed_timeout_error"])
	assert.NotEmpty(t, one["last_ok_at"])

	all, err := stats.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1", all["rtr2"]["failed_auth_failure"])
}
