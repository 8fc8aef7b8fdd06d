// Package event provides typed listener sets used for signals between
// proxies, transports and their owners.
package event

import "sync"

// Listeners holds the callbacks subscribed to one signal. The zero value is
// ready to use. Callbacks run synchronously on the emitting goroutine, in
// subscription order.
type Listeners[T any] struct {
	mtx     sync.RWMutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	cb func(T)
}

// On subscribes cb and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (l *Listeners[T]) On(cb func(T)) (off func()) {
	l.mtx.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, entry[T]{id: id, cb: cb})
	l.mtx.Unlock()

	return func() { l.remove(id) }
}

func (l *Listeners[T]) remove(id uint64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every subscribed callback with v.
func (l *Listeners[T]) Emit(v T) {
	l.mtx.RLock()
	callbacks := make([]func(T), 0, len(l.entries))
	for _, e := range l.entries {
		callbacks = append(callbacks, e.cb)
	}
	l.mtx.RUnlock()

	for _, cb := range callbacks {
		cb(v)
	}
}

// Clear removes every callback.
func (l *Listeners[T]) Clear() {
	l.mtx.Lock()
	l.entries = nil
	l.mtx.Unlock()
}

// Len returns the number of subscribed callbacks.
func (l *Listeners[T]) Len() int {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return len(l.entries)
}
