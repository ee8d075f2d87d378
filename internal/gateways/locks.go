package gateways

import (
	"sort"
	"sync"
)

// keyedLocks hands out one mutex per gateway id. Several ids are always
// acquired in sorted order, so two callers locking the same pair serialise
// instead of deadlocking.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(ids ...string) func() {
	keys := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, id)
	}
	sort.Strings(keys)

	held := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		mutex, ok := k.locks[key]
		if !ok {
			mutex = &sync.Mutex{}
			k.locks[key] = mutex
		}
		k.mu.Unlock()
		mutex.Lock()
		held = append(held, mutex)
	}
	return func() {
		for index := len(held) - 1; index >= 0; index-- {
			held[index].Unlock()
		}
	}
}
