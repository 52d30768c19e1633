// Package flaggedarrayset implements the Flagged Array Set (FAS): the
// bounded, insertion-ordered, content-addressed transaction cache
// shared in lockstep between two relay peers.
//
// Eviction order is protocol-visible: both peers of a connection must
// evict in the identical order so that index_of/get stay in sync. For
// that reason this is a hand-rolled FIFO structure rather than a
// general-purpose recency-based LRU (an off-the-shelf LRU evicts the
// least-recently-used entry, which is not necessarily the oldest
// insertion once a get/contains call influences an LRU's ordering).
package flaggedarrayset

import (
	"github.com/bsprint/relay-hub/internal/metrics"
)

// MaxTotal is the maximum number of resident entries.
const MaxTotal = 525

// MaxExtraOversize is the maximum number of resident entries flagged
// as oversize.
const MaxExtraOversize = 20

type entry struct {
	blob     string // raw bytes, used as both the map key and the payload
	oversize bool
}

// Set is the insertion-ordered, content-addressed transaction cache.
// It is not safe for concurrent use; callers serialize access (each
// peer connection owns two private instances behind its own mutex).
type Set struct {
	// order holds the blobs in insertion order; order[0] is the oldest.
	order []entry
	// index maps a blob's bytes to its current position in order.
	index map[string]int
	// flagCount is the number of resident entries with oversize == true.
	flagCount int

	// name labels the eviction-counter metric ("send" or "recv"); may be empty.
	name string
}

// New returns an empty Set. name labels metrics emitted for this
// instance (e.g. "send" or "recv") and may be left empty.
func New(name string) *Set {
	return &Set{
		index: make(map[string]int, MaxTotal),
		name:  name,
	}
}

// Add inserts tx with the given oversize flag if not already present,
// then evicts from the head until both quotas are satisfied. Add is
// idempotent with respect to Contains: re-adding a resident tx is a
// no-op and does not reorder it.
func (s *Set) Add(tx []byte, oversize bool) {
	key := string(tx)
	if _, ok := s.index[key]; ok {
		return
	}

	s.index[key] = len(s.order)
	s.order = append(s.order, entry{blob: key, oversize: oversize})
	if oversize {
		s.flagCount++
	}

	for len(s.order) > MaxTotal || s.flagCount > MaxExtraOversize {
		s.evictOldest()
	}
}

// evictOldest removes order[0] and shifts every remaining index down
// by one, preserving the invariant that index_of reflects the current
// position.
func (s *Set) evictOldest() {
	victim := s.order[0]
	s.order = s.order[1:]
	delete(s.index, victim.blob)
	if victim.oversize {
		s.flagCount--
	}
	for i := range s.order {
		s.index[s.order[i].blob] = i
	}

	quota := "total"
	if victim.oversize {
		quota = "oversize"
	}
	if s.name != "" {
		metrics.FASEvictions.WithLabelValues(s.name, quota).Inc()
	}
}

// Contains reports whether tx is currently resident, by exact byte
// equality.
func (s *Set) Contains(tx []byte) bool {
	_, ok := s.index[string(tx)]
	return ok
}

// IndexOf returns tx's current 0-based position in insertion order.
// The second return value is false if tx is not resident.
func (s *Set) IndexOf(tx []byte) (uint16, bool) {
	i, ok := s.index[string(tx)]
	if !ok {
		return 0, false
	}
	return uint16(i), true
}

// Get returns the blob currently resident at index, the inverse of
// IndexOf. The second return value is false if index is out of range.
func (s *Set) Get(index uint16) ([]byte, bool) {
	if int(index) >= len(s.order) {
		return nil, false
	}
	return []byte(s.order[index].blob), true
}

// FlagCount returns the number of currently-resident oversize entries.
func (s *Set) FlagCount() int {
	return s.flagCount
}

// Len returns the number of currently-resident entries.
func (s *Set) Len() int {
	return len(s.order)
}

// Clear drops all entries and resets counters.
func (s *Set) Clear() {
	s.order = nil
	s.index = make(map[string]int, MaxTotal)
	s.flagCount = 0
}
