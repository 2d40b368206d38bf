package messages

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Listeners is a typed list of callbacks for one event kind.
type Listeners[T any] struct {
	name string

	mu      sync.RWMutex
	nextKey int
	entries []listener[T]
}

type listener[T any] struct {
	key int
	fn  func(T)
}

// Add registers fn and returns a function that removes it again.
func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	key := l.nextKey
	l.nextKey++
	l.entries = append(l.entries, listener[T]{key: key, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.entries {
				if e.key == key {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// Len reports the number of registered callbacks.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// emit calls every callback in registration order. A panicking callback is
// logged and skipped.
func (l *Listeners[T]) emit(v T) {
	l.mu.RLock()
	entries := make([]listener[T], len(l.entries))
	copy(entries, l.entries)
	l.mu.RUnlock()

	for _, e := range entries {
		l.call(e, v)
	}
}

func (l *Listeners[T]) call(e listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"event":    l.name,
				"listener": e.key,
				"panic":    r,
			}).Error("Message listener failed")
		}
	}()
	e.fn(v)
}
