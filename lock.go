package gcalnotify

import (
	"context"
	"sync"
)

// keyLocker serializes work per key inside one process. Entries are never
// removed; keys come from the calendars config, which bounds the map.
type keyLocker struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newKeyLocker() *keyLocker {
	return &keyLocker{sems: make(map[string]chan struct{})}
}

// Lock blocks until the key is free or ctx is done. The returned func releases the key.
func (l *keyLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[key] = sem
	}
	l.mu.Unlock()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
