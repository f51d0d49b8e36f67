package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// HashedBlockingQueue is a bounded blocking FIFO, which keeps an index of
// element keys, so membership test is O(1). The key of an element is
// computed by keyFunc; equal keys are counted, so Contains reports true
// while at least one element with the key is queued.
type HashedBlockingQueue[T any, K comparable] struct {
	mx       sync.Mutex
	items    []T
	index    map[K]int
	keyFunc  func(T) K
	capacity int
	closed   bool
	changed  chan struct{}
}

// New creates a queue. Capacity <= 0 means unbounded.
func New[T any, K comparable](capacity int, keyFunc func(T) K) *HashedBlockingQueue[T, K] {
	return &HashedBlockingQueue[T, K]{
		index:    make(map[K]int),
		keyFunc:  keyFunc,
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// broadcast wakes up all blocked callers, must be called with mx held
func (q *HashedBlockingQueue[T, K]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *HashedBlockingQueue[T, K]) full() bool {
	return q.capacity > 0 && len(q.items) >= q.capacity
}

func (q *HashedBlockingQueue[T, K]) push(v T) {
	q.items = append(q.items, v)
	q.index[q.keyFunc(v)]++
	q.broadcast()
}

func (q *HashedBlockingQueue[T, K]) unindex(v T) {
	k := q.keyFunc(v)
	if n := q.index[k]; n <= 1 {
		delete(q.index, k)
	} else {
		q.index[k] = n - 1
	}
}

func (q *HashedBlockingQueue[T, K]) pop(i int) T {
	v := q.items[i]
	var zero T
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = zero
	q.items = q.items[:len(q.items)-1]
	q.unindex(v)
	q.broadcast()
	return v
}

// Put inserts v, waiting for a free space if the queue is full
func (q *HashedBlockingQueue[T, K]) Put(ctx context.Context, v T) error {
	for {
		q.mx.Lock()
		if q.closed {
			q.mx.Unlock()
			return ErrClosed
		}
		if !q.full() {
			q.push(v)
			q.mx.Unlock()
			return nil
		}
		ch := q.changed
		q.mx.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Offer inserts v if there is a space, returns false otherwise
func (q *HashedBlockingQueue[T, K]) Offer(v T) bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed || q.full() {
		return false
	}
	q.push(v)
	return true
}

// PutFirst inserts v at the head of the queue. It ignores the capacity,
// as it is used to return an element previously taken.
func (q *HashedBlockingQueue[T, K]) PutFirst(v T) error {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return ErrClosed
	}
	var zero T
	q.items = append(q.items, zero)
	copy(q.items[1:], q.items)
	q.items[0] = v
	q.index[q.keyFunc(v)]++
	q.broadcast()
	return nil
}

// Take removes the head of the queue, waiting until an element is available
func (q *HashedBlockingQueue[T, K]) Take(ctx context.Context) (T, error) {
	return q.TakeFunc(ctx, nil)
}

// TakeFunc removes the first element accepted by pick. If no such element
// is queued, but the queue is not empty, the head is returned, so pick
// expresses a preference, not a filter. A nil pick takes the head.
func (q *HashedBlockingQueue[T, K]) TakeFunc(ctx context.Context, pick func(T) bool) (T, error) {
	var zero T
	for {
		q.mx.Lock()
		if len(q.items) > 0 {
			i := 0
			if pick != nil {
				for j, v := range q.items {
					if pick(v) {
						i = j
						break
					}
				}
			}
			v := q.pop(i)
			q.mx.Unlock()
			return v, nil
		}
		if q.closed {
			q.mx.Unlock()
			return zero, ErrClosed
		}
		ch := q.changed
		q.mx.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ch:
		}
	}
}

// Poll removes the head without blocking
func (q *HashedBlockingQueue[T, K]) Poll() (T, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.pop(0), true
}

// Peek returns the head without removing it
func (q *HashedBlockingQueue[T, K]) Peek() (T, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Contains reports if an element with key k is queued
func (q *HashedBlockingQueue[T, K]) Contains(k K) bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.index[k] > 0
}

// Remove removes the first element with key k
func (q *HashedBlockingQueue[T, K]) Remove(k K) (T, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.index[k] == 0 {
		var zero T
		return zero, false
	}
	for i, v := range q.items {
		if q.keyFunc(v) == k {
			return q.pop(i), true
		}
	}
	var zero T
	return zero, false
}

// RemoveIf removes all elements matching the predicate and returns their count
func (q *HashedBlockingQueue[T, K]) RemoveIf(pred func(T) bool) int {
	q.mx.Lock()
	defer q.mx.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, v := range q.items {
		if pred(v) {
			q.unindex(v)
			removed++
			continue
		}
		kept = append(kept, v)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	if removed > 0 {
		q.broadcast()
	}
	return removed
}

func (q *HashedBlockingQueue[T, K]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of queued elements in order
func (q *HashedBlockingQueue[T, K]) Snapshot() []T {
	q.mx.Lock()
	defer q.mx.Unlock()
	return append([]T(nil), q.items...)
}

// Reorder replaces the queued elements with the result of reorder, which
// receives a copy of them in order. Keys are indexed again.
func (q *HashedBlockingQueue[T, K]) Reorder(reorder func([]T) []T) {
	q.mx.Lock()
	defer q.mx.Unlock()
	q.items = reorder(append([]T(nil), q.items...))
	q.index = make(map[K]int, len(q.items))
	for _, v := range q.items {
		q.index[q.keyFunc(v)]++
	}
	q.broadcast()
}

func (q *HashedBlockingQueue[T, K]) Clear() {
	q.mx.Lock()
	defer q.mx.Unlock()
	q.items = nil
	q.index = make(map[K]int)
	q.broadcast()
}

// Close wakes up all waiting callers. Elements already queued can be
// still taken, new ones are refused.
func (q *HashedBlockingQueue[T, K]) Close() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}
