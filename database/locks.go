package database

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// stripedLocks serialises short document writes. Two documents may share a
// stripe; the lock is only held around a read-check-write, never while
// user code runs.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newStripedLocks() *stripedLocks { return &stripedLocks{} }

func stripeOf(key string) int {
	return int(xxhash.Sum64String(key) % lockStripes)
}

// lock takes the stripes of every key in ascending stripe order so that
// batches touching overlapping documents cannot deadlock.
func (s *stripedLocks) lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := stripeOf(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}

// keyedLocks gives every key its own mutex, created on demand and dropped
// when unused. Reconciliation holds one for as long as a resolver runs, so
// a slow resolver only delays its own document.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
