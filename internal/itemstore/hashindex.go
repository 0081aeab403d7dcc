package itemstore

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// loadFactorThreshold is the count/bucket-count ratio that triggers
// growing into a second, larger table.
const loadFactorThreshold = 1.5

const initialBuckets = 16

// hashIndex maps key -> *Item via a power-of-two bucket array with
// chaining. Growth allocates a second table and migrates one bucket per
// lookup until the old table is drained, so no single operation pays for
// a full rehash.
type hashIndex struct {
	buckets []*Item
	mask    uint64
	count   int

	oldBuckets   []*Item
	oldMask      uint64
	rehashing    bool
	rehashBucket int
}

func newHashIndex() *hashIndex {
	return &hashIndex{
		buckets: make([]*Item, initialBuckets),
		mask:    initialBuckets - 1,
	}
}

func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// migrateStep moves one old bucket into the new table. Called once per
// lookup while a rehash is in progress.
func (h *hashIndex) migrateStep() {
	if !h.rehashing {
		return
	}
	b := h.oldBuckets[h.rehashBucket]
	for b != nil {
		next := b.hNext
		idx := hashKey(b.Key) & h.mask
		b.hNext = h.buckets[idx]
		h.buckets[idx] = b
		b = next
	}
	h.oldBuckets[h.rehashBucket] = nil
	h.rehashBucket++
	if h.rehashBucket >= len(h.oldBuckets) {
		h.rehashing = false
		h.oldBuckets = nil
	}
}

func (h *hashIndex) maybeGrow() {
	if h.rehashing {
		return
	}
	if float64(h.count)/float64(len(h.buckets)) <= loadFactorThreshold {
		return
	}
	h.oldBuckets = h.buckets
	h.oldMask = h.mask
	newSize := len(h.buckets) * 2
	h.buckets = make([]*Item, newSize)
	h.mask = uint64(newSize - 1)
	h.rehashing = true
	h.rehashBucket = 0
}

func findInBucket(head *Item, key []byte) *Item {
	for it := head; it != nil; it = it.hNext {
		if bytes.Equal(it.Key, key) {
			return it
		}
	}
	return nil
}

// find looks up key, migrating one bucket of an in-progress rehash first.
// Readers consult both tables during the transition.
func (h *hashIndex) find(key []byte) *Item {
	h.migrateStep()
	hv := hashKey(key)
	if it := findInBucket(h.buckets[hv&h.mask], key); it != nil {
		return it
	}
	if h.rehashing {
		return findInBucket(h.oldBuckets[hv&h.oldMask], key)
	}
	return nil
}

func (h *hashIndex) insert(it *Item) {
	h.maybeGrow()
	idx := hashKey(it.Key) & h.mask
	it.hNext = h.buckets[idx]
	h.buckets[idx] = it
	h.count++
}

func removeFromBucket(head *[]*Item, idx uint64, it *Item) bool {
	cur := (*head)[idx]
	var prev *Item
	for cur != nil {
		if cur == it {
			if prev == nil {
				(*head)[idx] = cur.hNext
			} else {
				prev.hNext = cur.hNext
			}
			cur.hNext = nil
			return true
		}
		prev = cur
		cur = cur.hNext
	}
	return false
}

func (h *hashIndex) remove(it *Item) {
	idx := hashKey(it.Key) & h.mask
	if removeFromBucket(&h.buckets, idx, it) {
		h.count--
		return
	}
	if h.rehashing {
		oidx := hashKey(it.Key) & h.oldMask
		if removeFromBucket(&h.oldBuckets, oidx, it) {
			h.count--
		}
	}
}

// items returns a snapshot of every item currently indexed, across both
// tables while a rehash is in progress. Callers that mutate the index
// (e.g. flush_regex) must iterate a snapshot rather than the live chains.
func (h *hashIndex) items() []*Item {
	var all []*Item
	for _, b := range h.buckets {
		for it := b; it != nil; it = it.hNext {
			all = append(all, it)
		}
	}
	if h.rehashing {
		for _, b := range h.oldBuckets {
			for it := b; it != nil; it = it.hNext {
				all = append(all, it)
			}
		}
	}
	return all
}
