package watcher

import (
	"sort"
	"sync"
)

// Registry maps watched roots to their watch state. A backend mutates it from
// its event loop only; other goroutines may read committed entries.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		entries: make(map[string]T),
	}
}

func (r *Registry[T]) Add(path string, entry T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[path]; ok {
		return ErrAlreadyWatched
	}
	r.entries[path] = entry

	return nil
}

func (r *Registry[T]) Remove(path string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[path]
	if !ok {
		return entry, ErrNotWatched
	}
	delete(r.entries, path)

	return entry, nil
}

func (r *Registry[T]) Lookup(path string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[path]
	return entry, ok
}

// Snapshot returns a copy of all entries.
func (r *Registry[T]) Snapshot() map[string]T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]T, len(r.entries))
	for path, entry := range r.entries {
		out[path] = entry
	}

	return out
}

// Paths returns the registered paths in lexical order.
func (r *Registry[T]) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.entries))
	for path := range r.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	return paths
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
