// Package keylock provides a mutual exclusion lock per key.
package keylock

import "sync"

// Barrier locks individual keys. The zero value is ready to use.
// A Barrier must not be copied after first use.
type Barrier[K comparable] struct {
	mu   sync.Mutex
	keys map[K]*entry
}

type entry struct {
	sync.Mutex
	waiters int // goroutines holding or waiting for the key
}

// Lock blocks until key is available.
func (b *Barrier[K]) Lock(key K) { b.acquire(key).Lock() }

// Unlock releases key. Unlocking a key that is not locked panics.
func (b *Barrier[K]) Unlock(key K) { b.release(key).Unlock() }

// Len returns the number of keys currently held or awaited.
func (b *Barrier[K]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

func (b *Barrier[K]) acquire(key K) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.keys[key]
	if !ok {
		if b.keys == nil {
			b.keys = make(map[K]*entry)
		}
		e = new(entry)
		b.keys[key] = e
	}
	e.waiters++
	return e
}

func (b *Barrier[K]) release(key K) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.keys[key]
	if !ok {
		panic("keylock: unlock of unlocked key")
	}
	e.waiters--
	if e.waiters == 0 {
		delete(b.keys, key)
	}
	return e
}
