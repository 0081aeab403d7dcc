package itemstore

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/optimistdk/memcached/internal/clock"
)

func newTestStore(t *testing.T, maxBytes int64, evictionEnabled bool) (*Store, *clock.Clock) {
	t.Helper()
	clk := clock.New(nil)
	t.Cleanup(clk.Stop)
	return New(clk, maxBytes, evictionEnabled, nil), clk
}

func storeLive(t *testing.T, s *Store, op Op, key, value string, flags uint32, exptime int64) StoreResult {
	t.Helper()
	it, err := s.Alloc([]byte(key), flags, exptime, len(value))
	require.NoError(t, err)
	copy(it.Value, value)
	return s.DoStore(op, it)
}

// S1: set then get round-trips flags and bytes.
func TestSetThenGetRoundTrips(t *testing.T) {
	s, _ := newTestStore(t, 1<<20, true)

	res := storeLive(t, s, OpSet, "k", "abc", 7, clock.NeverExpire)
	require.Equal(t, Stored, res)

	it, ok := s.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, uint32(7), it.Flags)
	require.Equal(t, "abc", string(it.Value))
	s.Deref(it)
}

// S2: add of an existing key is a no-op, but still touches LRU.
func TestAddOnExistingKeyRejectsButTouches(t *testing.T) {
	s, _ := newTestStore(t, 1<<20, true)

	require.Equal(t, Stored, storeLive(t, s, OpAdd, "k", "x", 0, clock.NeverExpire))
	require.Equal(t, Stored, storeLive(t, s, OpSet, "other", "z", 0, clock.NeverExpire))
	require.Equal(t, NotStored, storeLive(t, s, OpAdd, "k", "y", 0, clock.NeverExpire))

	// The rejected add moved "k" back ahead of "other" in their shared LRU chain.
	cl := s.classFor(sizeClassFor(1))
	require.Equal(t, "k", string(cl.arena[cl.head].Key))

	it, ok := s.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "x", string(it.Value))
	s.Deref(it)
}

// Property 4: replace of a missing key is a no-op.
func TestReplaceOnMissingKeyRejects(t *testing.T) {
	s, _ := newTestStore(t, 1<<20, true)

	require.Equal(t, NotStored, storeLive(t, s, OpReplace, "k", "x", 0, clock.NeverExpire))

	_, ok := s.Get([]byte("k"))
	require.False(t, ok)
}

// S3: incr/decr, including decr saturating at zero.
func TestArithmeticIncrDecrSaturates(t *testing.T) {
	s, _ := newTestStore(t, 1<<20, true)
	require.Equal(t, Stored, storeLive(t, s, OpSet, "n", "7", 0, clock.NeverExpire))

	got, ok := s.Arithmetic([]byte("n"), 3, true)
	require.True(t, ok)
	require.Equal(t, "10", got)

	got, ok = s.Arithmetic([]byte("n"), 100, false)
	require.True(t, ok)
	require.Equal(t, "0", got)

	it, ok := s.Get([]byte("n"))
	require.True(t, ok)
	require.Equal(t, "0", string(it.Value))
	s.Deref(it)
}

func TestArithmeticMissIsNotFound(t *testing.T) {
	s, _ := newTestStore(t, 1<<20, true)
	_, ok := s.Arithmetic([]byte("missing"), 1, true)
	require.False(t, ok)
}

// S5: delete with a window hides the key from get, rejects add/replace,
// but still allows set to override.
func TestDeferDeleteWindowSemantics(t *testing.T) {
	s, clk := newTestStore(t, 1<<20, true)
	require.Equal(t, Stored, storeLive(t, s, OpSet, "k", "x", 0, clock.NeverExpire))

	require.NoError(t, s.DeferDelete([]byte("k"), clk.Now()+5))

	_, ok := s.Get([]byte("k"))
	require.False(t, ok, "delete-locked key must be hidden from get")

	require.Equal(t, NotStored, storeLive(t, s, OpAdd, "k", "y", 0, clock.NeverExpire))
	require.Equal(t, NotStored, storeLive(t, s, OpReplace, "k", "y", 0, clock.NeverExpire))
	require.Equal(t, Stored, storeLive(t, s, OpSet, "k", "z", 0, clock.NeverExpire))

	it, ok := s.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "z", string(it.Value))
	s.Deref(it)
}

func TestImmediateDeleteHitAndMiss(t *testing.T) {
	s, _ := newTestStore(t, 1<<20, true)
	require.Equal(t, Stored, storeLive(t, s, OpSet, "k", "x", 0, clock.NeverExpire))

	require.True(t, s.DeleteImmediate([]byte("k")))
	require.False(t, s.DeleteImmediate([]byte("k")))

	_, ok := s.Get([]byte("k"))
	require.False(t, ok)
}

// S6-adjacent: flush_all is realized as clock.SetOldestLive; items
// created before the horizon miss, items created after remain live.
func TestFlushAllHorizon(t *testing.T) {
	s, clk := newTestStore(t, 1<<20, true)
	require.Equal(t, Stored, storeLive(t, s, OpSet, "old", "1", 0, clock.NeverExpire))

	clk.SetOldestLive(clk.Now())

	_, ok := s.Get([]byte("old"))
	require.False(t, ok, "item created at-or-before oldest_live must miss")

	// The clock's resolution is whole seconds; cross a real tick so the
	// next item's CreatedAt lands strictly after the flush horizon.
	time.Sleep(1100 * time.Millisecond)
	require.Equal(t, Stored, storeLive(t, s, OpSet, "new", "2", 0, clock.NeverExpire))
	it, ok := s.Get([]byte("new"))
	require.True(t, ok)
	s.Deref(it)
}

func TestFlushRegexRemovesMatchingKeys(t *testing.T) {
	s, _ := newTestStore(t, 1<<20, true)
	require.Equal(t, Stored, storeLive(t, s, OpSet, "user:1", "a", 0, clock.NeverExpire))
	require.Equal(t, Stored, storeLive(t, s, OpSet, "user:2", "b", 0, clock.NeverExpire))
	require.Equal(t, Stored, storeLive(t, s, OpSet, "session:1", "c", 0, clock.NeverExpire))

	n := s.FlushRegex(regexp.MustCompile(`^user:`))
	require.Equal(t, 2, n)

	_, ok := s.Get([]byte("user:1"))
	require.False(t, ok)
	it, ok := s.Get([]byte("session:1"))
	require.True(t, ok)
	s.Deref(it)
}

// Property 9 (partial): under pressure with eviction enabled, a touched
// item outlives an untouched sibling of the same size class.
func TestLRUEvictsLeastRecentlyUsedFirst(t *testing.T) {
	// Budget sized to hold exactly two items of this size class (one-byte
	// key, eight-byte value).
	s, _ := newTestStore(t, 2*itemSize(1, 8), true)

	require.Equal(t, Stored, storeLive(t, s, OpSet, "a", "aaaaaaaa", 0, clock.NeverExpire))
	require.Equal(t, Stored, storeLive(t, s, OpSet, "b", "bbbbbbbb", 0, clock.NeverExpire))

	// Touch "a" so "b" becomes the LRU-tail candidate.
	it, ok := s.Get([]byte("a"))
	require.True(t, ok)
	s.Deref(it)

	require.Equal(t, Stored, storeLive(t, s, OpSet, "c", "cccccccc", 0, clock.NeverExpire))

	aIt, aOK := s.Get([]byte("a"))
	if aOK {
		s.Deref(aIt)
	}
	_, bOK := s.Get([]byte("b"))
	cIt, cOK := s.Get([]byte("c"))
	if cOK {
		s.Deref(cIt)
	}

	require.True(t, aOK, "recently touched item should have survived")
	require.False(t, bOK, "least-recently-touched item should have been evicted")
	require.True(t, cOK)
}

func TestAllocFailsWhenEvictionDisabledAndBudgetExhausted(t *testing.T) {
	s, _ := newTestStore(t, itemSize(1, 4), false)

	_, err := s.Alloc([]byte("k"), 0, clock.NeverExpire, 4)
	require.NoError(t, err)

	_, err = s.Alloc([]byte("k2"), 0, clock.NeverExpire, 4)
	require.ErrorIs(t, err, ErrOOM)
}
