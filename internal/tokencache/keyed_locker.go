package tokencache

import "sync"

// KeyedLocker hands out one reader/writer lock per key. Entries are created on
// first use and dropped once no goroutine holds or waits on them.
type KeyedLocker struct {
	mutex   sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	lock       sync.RWMutex
	references int
}

// NewKeyedLocker constructs an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*keyedEntry)}
}

// RLock acquires the shared lock for key and returns its release function.
func (locker *KeyedLocker) RLock(key string) func() {
	entry := locker.acquire(key)
	entry.lock.RLock()
	return func() {
		entry.lock.RUnlock()
		locker.release(key, entry)
	}
}

// Lock acquires the exclusive lock for key and returns its release function.
func (locker *KeyedLocker) Lock(key string) func() {
	entry := locker.acquire(key)
	entry.lock.Lock()
	return func() {
		entry.lock.Unlock()
		locker.release(key, entry)
	}
}

// Len reports how many keys currently have a live entry.
func (locker *KeyedLocker) Len() int {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	return len(locker.entries)
}

func (locker *KeyedLocker) acquire(key string) *keyedEntry {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	entry := locker.entries[key]
	if entry == nil {
		entry = &keyedEntry{}
		locker.entries[key] = entry
	}
	entry.references++
	return entry
}

func (locker *KeyedLocker) release(key string, entry *keyedEntry) {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	entry.references--
	if entry.references == 0 && locker.entries[key] == entry {
		delete(locker.entries, key)
	}
}
