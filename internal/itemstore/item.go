package itemstore

// nilSlot marks an absent arena slot in the intrusive LRU lists.
const nilSlot int32 = -1

// itemOverhead approximates the per-item bookkeeping charged against the
// allocator budget (hash/LRU linkage, struct header) on top of key+value
// bytes. The real slab/page allocator this stands in for would charge the
// actual chunk size; this is a simplified but monotonic stand-in.
const itemOverhead = 48

// Item is the cached (key, value, flags, expiration) record plus its
// reference count, delete-lock state, and LRU/hash linkage.
type Item struct {
	Key       []byte
	Value     []byte
	Flags     uint32
	ExpireAt  int64 // clock.NeverExpire, or server-seconds-since-start
	CreatedAt int64 // clock seconds at allocation time

	refcount     int32
	linked       bool
	deleteLocked bool
	deleteAt     int64 // effective delete time while delete-locked

	sizeClass int
	size      int64 // bytes charged against the allocator budget

	hNext *Item // hash bucket chain

	lruSlot int32 // this item's slot in its size class's LRU arena
	lruPrev int32
	lruNext int32
}

func newItem(key, value []byte, flags uint32, expireAt, createdAt int64) *Item {
	return &Item{
		Key:       key,
		Value:     value,
		Flags:     flags,
		ExpireAt:  expireAt,
		CreatedAt: createdAt,
		sizeClass: sizeClassFor(len(value)),
		size:      itemSize(len(key), len(value)),
		lruSlot:   nilSlot,
	}
}

// RefCount reports the item's current reference count. Exposed for tests
// and diagnostics; production code should not branch on it directly, since
// it is only meaningful while the store's mutex is held.
func (it *Item) RefCount() int32 { return it.refcount }

// DeleteLocked reports whether the item is currently hidden behind a
// deferred-delete window.
func (it *Item) DeleteLocked() bool { return it.deleteLocked }
