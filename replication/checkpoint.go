package replication

import (
	"sort"
	"sync"
)

// Checkpoint directions as persisted.
const (
	dirPush = "push"
	dirPull = "pull"
)

// sequenceTracker computes a safe checkpoint while sequences complete out
// of order: the checkpoint never passes a sequence that is still in
// flight, and never moves backwards.
type sequenceTracker struct {
	mu      sync.Mutex
	base    uint64
	seen    uint64
	pending map[uint64]struct{}
}

func newSequenceTracker(base uint64) *sequenceTracker {
	return &sequenceTracker{base: base, seen: base, pending: make(map[uint64]struct{})}
}

// add marks seq as in flight.
func (t *sequenceTracker) add(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.base {
		return
	}
	t.pending[seq] = struct{}{}
	if seq > t.seen {
		t.seen = seq
	}
}

// done marks seq as durably applied.
func (t *sequenceTracker) done(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, seq)
}

// skipTo records that every sequence up to seq was listed; sequences
// that were not added are treated as complete.
func (t *sequenceTracker) skipTo(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.seen {
		t.seen = seq
	}
}

// checkpoint returns the highest sequence below every pending one.
func (t *sequenceTracker) checkpoint() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.seen
	for seq := range t.pending {
		if seq-1 < cp {
			cp = seq - 1
		}
	}
	if cp < t.base {
		cp = t.base
	}
	t.base = cp
	return cp
}

// inFlight lists pending sequences in order.
func (t *sequenceTracker) inFlight() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.pending))
	for seq := range t.pending {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
