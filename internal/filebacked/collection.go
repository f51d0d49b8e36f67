package filebacked

import (
	"slices"
	"sync"
)

// Collection is an ordered collection persisted to a JSON file. Mutations
// rewrite the file only when they changed the content.
type Collection[T comparable] struct {
	mx    sync.RWMutex
	path  string
	items []T
}

func NewCollection[T comparable](path string) (*Collection[T], error) {
	c := &Collection[T]{path: path}
	if err := open(path, &c.items); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection[T]) Add(v T) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.items = append(c.items, v)
	return flush(c.path, c.items)
}

func (c *Collection[T]) AddAll(vs ...T) error {
	if len(vs) == 0 {
		return nil
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	c.items = append(c.items, vs...)
	return flush(c.path, c.items)
}

// Insert adds v at index i, indexes out of range are clamped
func (c *Collection[T]) Insert(i int, v T) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	i = max(0, min(i, len(c.items)))
	c.items = slices.Insert(c.items, i, v)
	return flush(c.path, c.items)
}

// Remove deletes the first occurrence of v
func (c *Collection[T]) Remove(v T) (bool, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	i := slices.Index(c.items, v)
	if i < 0 {
		return false, nil
	}
	c.items = slices.Delete(c.items, i, i+1)
	return true, flush(c.path, c.items)
}

// RemoveIf deletes all elements matching pred and returns their count
func (c *Collection[T]) RemoveIf(pred func(T) bool) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	before := len(c.items)
	c.items = slices.DeleteFunc(c.items, pred)
	removed := before - len(c.items)
	if removed == 0 {
		return 0, nil
	}
	return removed, flush(c.path, c.items)
}

// Retain keeps only elements matching pred
func (c *Collection[T]) Retain(pred func(T) bool) (int, error) {
	return c.RemoveIf(func(v T) bool { return !pred(v) })
}

func (c *Collection[T]) Contains(v T) bool {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Contains(c.items, v)
}

func (c *Collection[T]) Items() []T {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Clone(c.items)
}

func (c *Collection[T]) Len() int {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return len(c.items)
}

// Clear empties the collection and deletes the backing file
func (c *Collection[T]) Clear() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.items = nil
	return remove(c.path)
}

// Replace swaps the content for items, keeping their order
func (c *Collection[T]) Replace(items []T) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if slices.Equal(c.items, items) {
		return nil
	}
	c.items = slices.Clone(items)
	return flush(c.path, c.items)
}
