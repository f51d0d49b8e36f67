package events_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tao/internal/events"
	"github.com/CZERTAINLY/Tao/internal/task"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishTask(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newBus(t)

	got := make(chan events.TaskStatusChanged, 1)
	require.NoError(t, bus.SubscribeTasks(ctx, func(_ context.Context, e events.TaskStatusChanged) error {
		got <- e
		return nil
	}))

	require.NoError(t, bus.PublishTask(ctx, events.TaskStatusChanged{
		JobID:    7,
		TaskID:   42,
		Kind:     task.KindProcessing,
		Previous: task.Running,
		Status:   task.Done,
	}))

	select {
	case e := <-got:
		require.Equal(t, int64(42), e.TaskID)
		require.Equal(t, task.Done, e.Status)
		require.Equal(t, task.Running, e.Previous)
		require.False(t, e.At.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no task event")
	}
}

func TestPublishJobNack(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newBus(t)

	var calls atomic.Int32
	done := make(chan events.JobStatusChanged, 1)
	require.NoError(t, bus.SubscribeJobs(ctx, func(_ context.Context, e events.JobStatusChanged) error {
		if calls.Add(1) == 1 {
			return errors.New("not yet")
		}
		done <- e
		return nil
	}))

	require.NoError(t, bus.PublishJob(ctx, events.JobStatusChanged{JobID: 7, User: "alice", Status: task.Failed}))

	select {
	case e := <-done:
		require.Equal(t, "alice", e.User)
		require.Equal(t, task.Failed, e.Status)
		require.Equal(t, int32(2), calls.Load(), "nacked message is redelivered")
	case <-time.After(5 * time.Second):
		t.Fatal("no job event")
	}
}

func TestTopicsAreSeparate(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newBus(t)

	jobs := make(chan []byte, 2)
	require.NoError(t, bus.Subscribe(ctx, events.JobTopic, func(_ context.Context, p []byte) error {
		jobs <- p
		return nil
	}))

	require.NoError(t, bus.PublishTask(ctx, events.TaskStatusChanged{TaskID: 1}))
	require.NoError(t, bus.PublishJob(ctx, events.JobStatusChanged{JobID: 2}))

	select {
	case p := <-jobs:
		require.Contains(t, string(p), `"job_id":2`)
	case <-time.After(5 * time.Second):
		t.Fatal("no job event")
	}
	require.Never(t, func() bool { return len(jobs) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
