package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

type entry[V any] struct {
	value      V
	lastAccess time.Time
}

// AutoEvictableCache computes values on demand and evicts the ones which
// were not accessed for a retention period. Sweeping runs periodically
// from Start until Close or the end of the Start context. Values
// implementing io.Closer are closed on eviction.
type AutoEvictableCache[K comparable, V any] struct {
	mx        sync.Mutex
	entries   map[K]*entry[V]
	compute   func(K) (V, error)
	retention time.Duration
	now       func() time.Time
	// shutdown stops the scheduler once
	shutdown func() error
	detach   func() bool
}

func New[K comparable, V any](compute func(K) (V, error), retention time.Duration) *AutoEvictableCache[K, V] {
	return &AutoEvictableCache[K, V]{
		entries:   make(map[K]*entry[V]),
		compute:   compute,
		retention: retention,
		now:       time.Now,
	}
}

// WithClock replaces the time source, used by tests
func (c *AutoEvictableCache[K, V]) WithClock(now func() time.Time) *AutoEvictableCache[K, V] {
	c.now = now
	return c
}

// Get returns the cached value refreshing its access time, or computes and
// stores a new one. Compute errors are not cached.
func (c *AutoEvictableCache[K, V]) Get(key K) (V, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if e, ok := c.entries[key]; ok {
		e.lastAccess = c.now()
		return e.value, nil
	}
	if c.compute == nil {
		var zero V
		return zero, fmt.Errorf("no value for key %v", key)
	}
	v, err := c.compute(key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.entries[key] = &entry[V]{value: v, lastAccess: c.now()}
	return v, nil
}

func (c *AutoEvictableCache[K, V]) Put(key K, value V) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.entries[key] = &entry[V]{value: value, lastAccess: c.now()}
}

func (c *AutoEvictableCache[K, V]) Remove(key K) (V, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.entries, key)
	return e.value, true
}

func (c *AutoEvictableCache[K, V]) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.entries)
}

func (c *AutoEvictableCache[K, V]) Clear() {
	c.mx.Lock()
	entries := c.entries
	c.entries = make(map[K]*entry[V])
	c.mx.Unlock()
	for k, e := range entries {
		closeValue(k, e.value)
	}
}

// Evict removes all entries whose last access is retention or more before now.
// Returns the number of evicted entries.
func (c *AutoEvictableCache[K, V]) Evict(now time.Time) int {
	c.mx.Lock()
	var evicted []*entry[V]
	var keys []K
	for k, e := range c.entries {
		if now.Sub(e.lastAccess) >= c.retention {
			delete(c.entries, k)
			evicted = append(evicted, e)
			keys = append(keys, k)
		}
	}
	c.mx.Unlock()

	for i, e := range evicted {
		closeValue(keys[i], e.value)
	}
	return len(evicted)
}

// Start schedules the sweep with a fixed rate equal to the retention.
// The sweeping stops when ctx is done.
func (c *AutoEvictableCache[K, V]) Start(ctx context.Context) error {
	if c.retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.retention)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.retention),
		gocron.NewTask(func() {
			if n := c.Evict(c.now()); n > 0 {
				slog.DebugContext(ctx, "evicted cache entries", "count", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	c.shutdown = sync.OnceValue(s.Shutdown)
	c.detach = context.AfterFunc(ctx, func() {
		if err := c.shutdown(); err != nil {
			slog.WarnContext(ctx, "stopping cache sweep", "error", err)
		}
	})
	s.Start()
	return nil
}

// Close stops the sweeping and releases all cached values
func (c *AutoEvictableCache[K, V]) Close() error {
	var err error
	if c.shutdown != nil {
		c.detach()
		err = c.shutdown()
		c.shutdown, c.detach = nil, nil
	}
	c.Clear()
	return err
}

func closeValue[K any, V any](key K, v V) {
	if closer, ok := any(v).(io.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Debug("closing evicted cache value", "key", key, "error", err)
		}
	}
}
