package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFallbackRoundTrip(t *testing.T) {
	q := New(nil, 4)

	require.NoError(t, q.Enqueue(context.Background(), Task{OrgID: "org-1", DeviceID: "device-1"}))

	task, ok, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "org-1", task.OrgID)
	require.Equal(t, "device-1", task.DeviceID)
}

func TestDequeueFallbackTimesOutWhenEmpty(t *testing.T) {
	q := New(nil, 4)

	_, ok, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnqueueFallbackDropsWhenFull(t *testing.T) {
	q := New(nil, 1)

	require.NoError(t, q.Enqueue(context.Background(), Task{OrgID: "org-1", DeviceID: "device-1"}))
	err := q.Enqueue(context.Background(), Task{OrgID: "org-2", DeviceID: "device-2"})
	require.Error(t, err)
}
