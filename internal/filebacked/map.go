package filebacked

import (
	"maps"
	"slices"
	"sync"
)

// Map is a map persisted to a JSON file after each Put, PutAll or Remove
type Map[K comparable, V any] struct {
	mx   sync.RWMutex
	path string
	m    map[K]V
}

func NewMap[K comparable, V any](path string) (*Map[K, V], error) {
	fm := &Map[K, V]{
		path: path,
		m:    make(map[K]V),
	}
	if err := open(path, &fm.m); err != nil {
		return nil, err
	}
	if fm.m == nil {
		fm.m = make(map[K]V)
	}
	return fm, nil
}

func (fm *Map[K, V]) Path() string {
	return fm.path
}

func (fm *Map[K, V]) Get(k K) (V, bool) {
	fm.mx.RLock()
	defer fm.mx.RUnlock()
	v, ok := fm.m[k]
	return v, ok
}

func (fm *Map[K, V]) Put(k K, v V) error {
	fm.mx.Lock()
	defer fm.mx.Unlock()
	fm.m[k] = v
	return flush(fm.path, fm.m)
}

func (fm *Map[K, V]) PutAll(other map[K]V) error {
	fm.mx.Lock()
	defer fm.mx.Unlock()
	maps.Copy(fm.m, other)
	return flush(fm.path, fm.m)
}

// Remove deletes the key, file is rewritten only if the key was present
func (fm *Map[K, V]) Remove(k K) (bool, error) {
	fm.mx.Lock()
	defer fm.mx.Unlock()
	if _, ok := fm.m[k]; !ok {
		return false, nil
	}
	delete(fm.m, k)
	return true, flush(fm.path, fm.m)
}

func (fm *Map[K, V]) Len() int {
	fm.mx.RLock()
	defer fm.mx.RUnlock()
	return len(fm.m)
}

func (fm *Map[K, V]) Keys() []K {
	fm.mx.RLock()
	defer fm.mx.RUnlock()
	return slices.Collect(maps.Keys(fm.m))
}

func (fm *Map[K, V]) Values() []V {
	fm.mx.RLock()
	defer fm.mx.RUnlock()
	return slices.Collect(maps.Values(fm.m))
}

// Snapshot returns a copy of the map content
func (fm *Map[K, V]) Snapshot() map[K]V {
	fm.mx.RLock()
	defer fm.mx.RUnlock()
	return maps.Clone(fm.m)
}

// Clear empties the map and deletes the backing file
func (fm *Map[K, V]) Clear() error {
	fm.mx.Lock()
	defer fm.mx.Unlock()
	clear(fm.m)
	return remove(fm.path)
}
