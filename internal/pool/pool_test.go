package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Tao/internal/pool"
	"github.com/CZERTAINLY/Tao/internal/queue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	p := pool.New("process-exec", 2)
	t.Cleanup(p.Close)

	var mx sync.Mutex
	names := map[string]struct{}{}
	var futures []*pool.Future
	for range 8 {
		f, err := p.Submit(t.Context(), func(ctx context.Context) error {
			mx.Lock()
			names[pool.WorkerName(ctx)] = struct{}{}
			mx.Unlock()
			return nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		require.NoError(t, f.Get(t.Context()))
	}
	for name := range names {
		require.Contains(t, []string{"process-exec-1", "process-exec-2"}, name)
	}
	require.Equal(t, int64(8), p.Stats().Completed)
}

func TestTaskError(t *testing.T) {
	t.Parallel()
	p := pool.New("err", 1)
	t.Cleanup(p.Close)

	boom := errors.New("boom")
	f, err := p.Submit(t.Context(), func(context.Context) error { return boom })
	require.NoError(t, err)
	require.ErrorIs(t, f.Get(t.Context()), boom)

	f, err = p.Submit(t.Context(), func(context.Context) error { panic("oops") })
	require.NoError(t, err)
	require.ErrorContains(t, f.Get(t.Context()), "task panic: oops")
}

func TestGetTimeout(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p := pool.New("timeout", 1)
		defer p.Close()

		canceled := make(chan struct{})
		f, err := p.Submit(t.Context(), func(ctx context.Context) error {
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		})
		require.NoError(t, err)

		start := time.Now()
		err = f.GetTimeout(3 * time.Second)
		require.ErrorIs(t, err, pool.ErrTimeout)
		require.Equal(t, 3*time.Second, time.Since(start))
		<-canceled
		require.ErrorIs(t, f.Get(t.Context()), context.Canceled)
	})
}

func TestRejected(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p := pool.New("small", 1, pool.WithQueueSize(1))
		defer p.Close()

		release := make(chan struct{})
		block := func(context.Context) error {
			<-release
			return nil
		}
		_, err := p.Submit(t.Context(), block) // running
		require.NoError(t, err)
		synctest.Wait()
		_, err = p.Submit(t.Context(), block) // queued
		require.NoError(t, err)
		_, err = p.Submit(t.Context(), block)
		require.ErrorIs(t, err, pool.ErrRejected)

		stats := p.Stats()
		require.Equal(t, int64(1), stats.Active)
		require.Equal(t, int64(1), stats.Queued)
		require.Equal(t, int64(1), stats.Rejected)
		close(release)
	})
}

func TestCancelBeforeStart(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p := pool.New("cancel", 1)
		defer p.Close()

		release := make(chan struct{})
		_, err := p.Submit(t.Context(), func(context.Context) error {
			<-release
			return nil
		})
		require.NoError(t, err)

		var called atomic.Bool
		f, err := p.Submit(t.Context(), func(context.Context) error {
			called.Store(true)
			return nil
		})
		require.NoError(t, err)
		f.Cancel()
		close(release)
		require.ErrorIs(t, f.Get(t.Context()), context.Canceled)
		require.False(t, called.Load())
	})
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p := pool.New("shutdown", 2)
		var done atomic.Int32
		for range 4 {
			_, err := p.Submit(t.Context(), func(context.Context) error {
				time.Sleep(time.Second)
				done.Add(1)
				return nil
			})
			require.NoError(t, err)
		}
		require.NoError(t, p.Shutdown(t.Context()))
		require.Equal(t, int32(4), done.Load())

		_, err := p.Submit(t.Context(), func(context.Context) error { return nil })
		require.ErrorIs(t, err, pool.ErrClosed)
	})
}

func TestCollector(t *testing.T) {
	t.Parallel()
	p := pool.New("metrics", 3)
	t.Cleanup(p.Close)
	c := p.Collector()
	require.Equal(t, 5, testutil.CollectAndCount(c))
}

func TestWorker(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p := pool.New("queue", 1, pool.WithQueueSize(1))
		defer p.Close()
		q := queue.New(0, func(s string) string { return s })

		var mx sync.Mutex
		var handled []string
		w := pool.NewWorker(q, p, func(_ context.Context, s string) error {
			time.Sleep(time.Second)
			mx.Lock()
			handled = append(handled, s)
			mx.Unlock()
			return nil
		}).WithBackoff(10 * time.Millisecond)

		for _, s := range []string{"a", "b", "c", "d"} {
			require.True(t, q.Offer(s))
		}

		errs := make(chan error, 1)
		go func() { errs <- w.Run(t.Context()) }()

		time.Sleep(10 * time.Second)
		q.Close()
		require.NoError(t, <-errs)
		require.NoError(t, p.Shutdown(t.Context()))

		mx.Lock()
		defer mx.Unlock()
		require.Equal(t, []string{"a", "b", "c", "d"}, handled)
	})
}
