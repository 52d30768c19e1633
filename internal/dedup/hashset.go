// Package dedup provides the bounded, process-wide "already relayed"
// and per-peer "already seen" block-hash sets.
//
// The hub needs an atomic insert-if-absent test over 32-byte block
// hashes. The source this system is modeled on leaves this set
// unbounded; we cap it with an LRU so a long-running hub does not grow
// memory forever (see SPEC_FULL.md, Open Question Decisions, #2).
package dedup

import (
	"sync"

	"github.com/bsprint/relay-hub/internal/metrics"
	"github.com/decred/dcrd/lru"
)

// HashSet is a bounded, concurrency-safe set of 32-byte hashes with
// atomic "insert if absent" semantics and LRU eviction once the
// configured capacity is exceeded.
type HashSet struct {
	mu   sync.Mutex
	set  *lru.Set
	name string
}

// NewHashSet builds a HashSet holding at most capacity entries.
// name is used only to label the cache-size metric.
func NewHashSet(capacity uint, name string) *HashSet {
	return &HashSet{
		set:  lru.NewSet(capacity),
		name: name,
	}
}

// InsertIfAbsent returns true the first time hash is seen, false on
// every subsequent call (until the hash is evicted by capacity
// pressure, at which point it is treated as new again).
func (h *HashSet) InsertIfAbsent(hash [32]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.set.Contains(hash) {
		return false
	}
	h.set.Add(hash)
	metrics.DeduplicationCacheSize.WithLabelValues(h.name).Set(float64(h.set.Len()))
	return true
}

// Contains reports whether hash is currently resident, without
// mutating recency.
func (h *HashSet) Contains(hash [32]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.set.Contains(hash)
}

// Len returns the current number of resident hashes.
func (h *HashSet) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.set.Len()
}
