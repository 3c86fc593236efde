// ABOUTME: Owned listener registry keyed by event name, one instance per channel or stub
// ABOUTME: Delivers to listeners in subscription order; On returns an unsubscribe function

package eventbus

import (
	"slices"
	"sync"
)

// Handler is a callback for one event.
type Handler[T any] func(T)

type subscription[T any] struct {
	id      int
	handler Handler[T]
}

// Registry maps event names to ordered listener lists. The wildcard name "*"
// receives every event after the named listeners.
type Registry[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]subscription[T]
	nextID    int
}

// Wildcard subscribes to every event name.
const Wildcard = "*"

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		listeners: make(map[string][]subscription[T]),
	}
}

// On registers handler for name and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (r *Registry[T]) On(name string, handler Handler[T]) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[name] = append(r.listeners[name], subscription[T]{id: id, handler: handler})
	r.mu.Unlock()

	return func() { r.remove(name, id) }
}

// Off removes every listener registered for name.
func (r *Registry[T]) Off(name string) {
	r.mu.Lock()
	delete(r.listeners, name)
	r.mu.Unlock()
}

// Emit calls the listeners of name, then the wildcard listeners, synchronously
// and in subscription order. It reports whether any listener ran.
func (r *Registry[T]) Emit(name string, value T) bool {
	r.mu.RLock()
	// Snapshot to avoid holding the lock during callbacks.
	snapshot := slices.Clone(r.listeners[name])
	if name != Wildcard {
		snapshot = append(snapshot, r.listeners[Wildcard]...)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		s.handler(value)
	}
	return len(snapshot) > 0
}

// Count returns the number of listeners registered for name.
func (r *Registry[T]) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[name])
}

func (r *Registry[T]) remove(name string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.listeners[name]
	for i, s := range subs {
		if s.id == id {
			subs = slices.Delete(slices.Clone(subs), i, i+1)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.listeners, name)
		return
	}
	r.listeners[name] = subs
}
