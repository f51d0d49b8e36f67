package queue_test

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Tao/internal/queue"
	"github.com/stretchr/testify/require"
)

type job struct {
	id   string
	user string
}

func newQueue(capacity int) *queue.HashedBlockingQueue[job, string] {
	return queue.New(capacity, func(j job) string { return j.id })
}

func TestContains(t *testing.T) {
	t.Parallel()
	q := newQueue(0)

	require.False(t, q.Contains("a"))
	require.True(t, q.Offer(job{id: "a"}))
	require.True(t, q.Contains("a"), "must be visible right after offer")
	require.NoError(t, q.Put(t.Context(), job{id: "b"}))
	require.NoError(t, q.Put(t.Context(), job{id: "a"}))
	require.Equal(t, 3, q.Len())

	j, err := q.Take(t.Context())
	require.NoError(t, err)
	require.Equal(t, "a", j.id)
	require.True(t, q.Contains("a"), "duplicate is still queued")

	_, ok := q.Remove("a")
	require.True(t, ok)
	require.False(t, q.Contains("a"))
	require.True(t, q.Contains("b"))

	_, ok = q.Remove("nope")
	require.False(t, ok)
}

func TestRemoveIf(t *testing.T) {
	t.Parallel()
	q := newQueue(0)
	for _, j := range []job{{"1", "alice"}, {"2", "bob"}, {"3", "alice"}} {
		require.True(t, q.Offer(j))
	}
	n := q.RemoveIf(func(j job) bool { return j.user == "alice" })
	require.Equal(t, 2, n)
	require.Equal(t, []job{{"2", "bob"}}, q.Snapshot())
	require.False(t, q.Contains("1"))
	require.False(t, q.Contains("3"))

	q.Clear()
	require.Zero(t, q.Len())
	require.False(t, q.Contains("2"))
}

func TestTakeFunc(t *testing.T) {
	t.Parallel()
	q := newQueue(0)
	for _, j := range []job{{"1", "alice"}, {"2", "alice"}, {"3", "bob"}} {
		require.True(t, q.Offer(j))
	}
	notAlice := func(j job) bool { return j.user != "alice" }

	j, err := q.TakeFunc(t.Context(), notAlice)
	require.NoError(t, err)
	require.Equal(t, "3", j.id)

	// only alice left, so the head is returned
	j, err = q.TakeFunc(t.Context(), notAlice)
	require.NoError(t, err)
	require.Equal(t, "1", j.id)

	require.NoError(t, q.PutFirst(job{id: "0"}))
	h, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, "0", h.id)
}

func TestBlocking(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		q := newQueue(1)
		require.True(t, q.Offer(job{id: "a"}))
		require.False(t, q.Offer(job{id: "b"}), "queue is full")

		put := make(chan error, 1)
		go func() {
			put <- q.Put(t.Context(), job{id: "b"})
		}()
		synctest.Wait()
		select {
		case <-put:
			t.Fatal("put must block on full queue")
		default:
		}

		time.Sleep(time.Second)
		j, err := q.Take(t.Context())
		require.NoError(t, err)
		require.Equal(t, "a", j.id)
		require.NoError(t, <-put)
		require.True(t, q.Contains("b"))
	})
}

func TestTakeCancel(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		q := newQueue(0)
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		start := time.Now()
		_, err := q.Take(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, 5*time.Second, time.Since(start))
	})
}

func TestClose(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		q := newQueue(0)
		require.True(t, q.Offer(job{id: "a"}))

		errs := make(chan error, 1)
		go func() {
			_, err := q.Take(t.Context())
			require.NoError(t, err)
			_, err = q.Take(t.Context())
			errs <- err
		}()
		synctest.Wait()
		q.Close()
		require.ErrorIs(t, <-errs, queue.ErrClosed)
		require.ErrorIs(t, q.Put(t.Context(), job{id: "b"}), queue.ErrClosed)
		require.False(t, q.Offer(job{id: "b"}))
	})
}

func TestReorder(t *testing.T) {
	t.Parallel()
	q := newQueue(0)
	require.True(t, q.Offer(job{id: "a"}))
	require.True(t, q.Offer(job{id: "b"}))
	require.True(t, q.Offer(job{id: "c"}))

	q.Reorder(func(items []job) []job {
		return []job{items[2], items[0]}
	})
	require.Equal(t, []job{{id: "c"}, {id: "a"}}, q.Snapshot())
	require.False(t, q.Contains("b"))
	require.True(t, q.Contains("c"))
}
