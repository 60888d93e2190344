package services

import "sync"

// KeyedMutex hands out one mutex per key and forgets it once nobody holds
// or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *KeyedMutex) acquire(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) func() {
	l := k.acquire(key)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.release(key, l)
	}
}

// TryLock is Lock without waiting.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	l := k.acquire(key)
	if !l.mu.TryLock() {
		k.release(key, l)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		k.release(key, l)
	}, true
}

// Held reports whether anyone holds or waits for key.
func (k *KeyedMutex) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.locks[key]
	return ok
}
