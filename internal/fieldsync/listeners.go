package fieldsync

import (
	"sort"
	"sync"
)

// ListenerID identifies a registered listener for removal.
type ListenerID int

// listeners is a registry of callbacks notified synchronously in registration order.
// A panicking callback is recovered and logged; the remaining callbacks still run.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID ListenerID
	fns    map[ListenerID]func(T)
	logger Logger
	name   string
}

func newListeners[T any](name string, logger Logger) *listeners[T] {
	return &listeners[T]{
		fns:    make(map[ListenerID]func(T)),
		logger: logger,
		name:   name,
	}
}

func (l *listeners[T]) add(fn func(T)) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.fns[l.nextID] = fn
	return l.nextID
}

func (l *listeners[T]) remove(id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fns, id)
}

func (l *listeners[T]) notify(v T) {
	l.mu.Lock()
	ids := make([]ListenerID, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = l.fns[id]
	}
	l.mu.Unlock()

	for i, fn := range fns {
		l.call(ids[i], fn, v)
	}
}

func (l *listeners[T]) call(id ListenerID, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("listener panicked", "listeners", l.name, "id", int(id), "panic", r)
		}
	}()
	fn(v)
}
