package server

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/optimistdk/memcached/internal/clock"
	"github.com/optimistdk/memcached/internal/itemstore"
	"github.com/optimistdk/memcached/internal/proto"
	"github.com/optimistdk/memcached/internal/stats"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	clk := clock.New(zap.NewNop())
	t.Cleanup(clk.Stop)
	store := itemstore.New(clk, 1<<20, true, zap.NewNop())
	reg := stats.NewRegistry(1)
	return &Executor{
		Store:     store,
		Clock:     clk,
		StatsReg:  reg,
		Shard:     reg.Shard(0),
		Log:       zap.NewNop(),
		Version:   "1.0.0-test",
		Verbosity: NewVerbosityLevel(zap.NewAtomicLevel()),
	}
}

func storeValue(t *testing.T, e *Executor, cmd, key string, flags, exptime int, value string) Result {
	t.Helper()
	header := []byte(cmd + " " + key + " " + itoa(flags) + " " + itoa(exptime) + " " + itoa(len(value)))
	res := e.Dispatch(header)
	require.NotNil(t, res.NeedValue)
	ps := res.NeedValue
	if ps.Item != nil {
		copy(ps.Item.Value, value)
	}
	return e.CompleteStore(ps, true)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestDispatchSetThenGet(t *testing.T) {
	e := newTestExecutor(t)
	res := storeValue(t, e, "set", "foo", 7, 0, "bar")
	require.Equal(t, ReplyStoredString(), string(res.Reply))

	get := e.Dispatch([]byte("get foo"))
	require.Len(t, get.PinnedItems, 1)
	require.NotEmpty(t, get.Frags)

	var got []byte
	for _, f := range get.Frags {
		got = append(got, f.Data...)
	}
	require.Equal(t, "VALUE foo 7 3\r\nbar\r\nEND\r\n", string(got))
	for _, it := range get.PinnedItems {
		e.Store.Deref(it)
	}
}

func TestDispatchAddOnExistingKeyNotStored(t *testing.T) {
	e := newTestExecutor(t)
	storeValue(t, e, "set", "k", 0, 0, "v1")
	res := storeValue(t, e, "add", "k", 0, 0, "v2")
	require.Equal(t, "NOT_STORED\r\n", string(res.Reply))
}

func TestDispatchReplaceOnMissingKeyNotStored(t *testing.T) {
	e := newTestExecutor(t)
	res := storeValue(t, e, "replace", "missing", 0, 0, "v")
	require.Equal(t, "NOT_STORED\r\n", string(res.Reply))
}

func TestDispatchDeleteHitAndMiss(t *testing.T) {
	e := newTestExecutor(t)
	storeValue(t, e, "set", "k", 0, 0, "v")

	res := e.Dispatch([]byte("delete k"))
	require.Equal(t, "DELETED\r\n", string(res.Reply))

	res = e.Dispatch([]byte("delete k"))
	require.Equal(t, "NOT_FOUND\r\n", string(res.Reply))
}

func TestDispatchIncrDecr(t *testing.T) {
	e := newTestExecutor(t)
	storeValue(t, e, "set", "counter", 0, 0, "10")

	res := e.Dispatch([]byte("incr counter 5"))
	require.Equal(t, "15\r\n", string(res.Reply))

	res = e.Dispatch([]byte("decr counter 20"))
	require.Equal(t, "0\r\n", string(res.Reply))
}

func TestDispatchUnknownCommandIsError(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Dispatch([]byte("xyzzy"))
	require.Equal(t, "ERROR\r\n", string(res.Reply))
}

func TestDispatchVersionAndQuit(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Dispatch([]byte("version"))
	require.Equal(t, "VERSION 1.0.0-test\r\n", string(res.Reply))

	res = e.Dispatch([]byte("quit"))
	require.True(t, res.Close)
}

func TestDispatchFlushAllHidesOlderKeys(t *testing.T) {
	e := newTestExecutor(t)
	storeValue(t, e, "set", "old", 0, 0, "v")

	res := e.Dispatch([]byte("flush_all"))
	require.Equal(t, "OK\r\n", string(res.Reply))

	get := e.Dispatch([]byte("get old"))
	require.Empty(t, get.PinnedItems)
	require.Equal(t, "END\r\n", string(concatFrags(get.Frags)))

	// Stored in the very same clock tick as the flush_all above, with no
	// sleep in between: the horizon is set one tick behind "now" so this
	// still counts as strictly after the flush.
	storeValue(t, e, "set", "new", 0, 0, "v")
	get = e.Dispatch([]byte("get new"))
	require.Len(t, get.PinnedItems, 1)
	for _, it := range get.PinnedItems {
		e.Store.Deref(it)
	}
}

func TestDispatchStatsReset(t *testing.T) {
	e := newTestExecutor(t)
	e.Dispatch([]byte("get missing"))
	res := e.Dispatch([]byte("stats reset"))
	require.Equal(t, "RESET\r\n", string(res.Reply))

	res = e.Dispatch([]byte("stats"))
	require.Contains(t, string(res.Reply), "STAT cmd_get 0\r\n")
}

func TestDispatchFlushRegex(t *testing.T) {
	e := newTestExecutor(t)
	storeValue(t, e, "set", "user:1", 0, 0, "a")
	storeValue(t, e, "set", "user:2", 0, 0, "b")
	storeValue(t, e, "set", "order:1", 0, 0, "c")

	res := e.Dispatch([]byte("flush_regex ^user:"))
	require.Equal(t, "OK 2\r\n", string(res.Reply))

	get := e.Dispatch([]byte("get order:1"))
	require.Len(t, get.PinnedItems, 1)
	for _, it := range get.PinnedItems {
		e.Store.Deref(it)
	}
}

func concatFrags(frags []proto.Fragment) []byte {
	var out []byte
	for _, f := range frags {
		out = append(out, f.Data...)
	}
	return out
}

func ReplyStoredString() string { return "STORED\r\n" }
