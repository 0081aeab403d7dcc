// Package server wires the item store, clock, and stats registry together
// behind the connection state machine and the text command dispatcher.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/optimistdk/memcached/internal/clock"
	"github.com/optimistdk/memcached/internal/itemstore"
	"github.com/optimistdk/memcached/internal/proto"
	"github.com/optimistdk/memcached/internal/stats"
)

// Executor runs one connection's parsed commands against the shared item
// store. It carries no state across Dispatch calls other than what the
// caller threads back in through ParsedStore, the Nread continuation.
type Executor struct {
	Store     *itemstore.Store
	Clock     *clock.Clock
	StatsReg  *stats.Registry
	Shard     *stats.Shard
	Log       *zap.Logger
	Version   string
	Verbosity *VerbosityLevel
}

// ParsedStore is a parsed add/set/replace header awaiting its value
// payload -- the connection's Nread state.
type ParsedStore struct {
	Op     itemstore.Op
	Item   *itemstore.Item
	NBytes int
}

// Result is everything the connection state machine needs in order to
// respond to one dispatched command.
type Result struct {
	Reply       []byte
	Frags       []proto.Fragment
	PinnedItems []*itemstore.Item
	NeedValue   *ParsedStore
	Close       bool
}

func reply(b []byte) Result { return Result{Reply: b} }

// Dispatch parses and runs one command line. A non-nil Result.NeedValue
// means the caller must read NBytes+2 more bytes (the value and its
// trailing CRLF) and call CompleteStore before replying.
func (e *Executor) Dispatch(line []byte) Result {
	tokens := proto.Tokenize(line)
	if len(tokens) == 0 {
		return reply(proto.ReplyError)
	}

	switch string(tokens[0]) {
	case "get", "bget":
		return e.doGet(tokens)
	case "metaget":
		return e.doMetaget(tokens)
	case "add", "set", "replace":
		return e.doStoreHeader(string(tokens[0]), tokens)
	case "incr", "decr":
		return e.doArith(string(tokens[0]), tokens)
	case "delete":
		return e.doDelete(tokens)
	case "stats":
		return e.doStats(tokens)
	case "flush_all":
		return e.doFlushAll(tokens)
	case "version":
		if len(tokens) != 1 {
			return reply(proto.ReplyError)
		}
		return reply(proto.Version(e.Version))
	case "quit":
		if len(tokens) != 1 {
			return reply(proto.ReplyError)
		}
		return Result{Close: true}
	case "verbosity":
		return e.doVerbosity(tokens)
	case "flush_regex":
		return e.doFlushRegex(tokens)
	default:
		return reply(proto.ReplyError)
	}
}

// doGet implements multi-key retrieval. Every hit is pinned (refcounted)
// until the reply has been written; the caller must Deref each of
// Result.PinnedItems once the response has been sent.
func (e *Executor) doGet(tokens [][]byte) Result {
	if len(tokens) < 2 {
		return reply(proto.ReplyError)
	}
	for _, key := range tokens[1:] {
		if !proto.ValidKey(key) {
			return reply(proto.ClientError("bad command line format"))
		}
	}
	var frags []proto.Fragment
	var pinned []*itemstore.Item
	for _, key := range tokens[1:] {
		e.Shard.IncrCmdGet()
		it, ok := e.Store.Get(key)
		if !ok {
			e.Shard.IncrGetMiss()
			continue
		}
		e.Shard.IncrGetHit()
		pinned = append(pinned, it)
		frags = append(frags, proto.ValueFragments(it.Key, it.Flags, it.Value)...)
	}
	frags = append(frags, proto.Fragment{Data: proto.ReplyEnd})
	return Result{Frags: frags, PinnedItems: pinned}
}

// doMetaget answers "metaget K" with the item's metadata and no value
// bytes, without affecting its LRU position or hit/miss stats. The wire
// reply format is this implementation's own choice (see DESIGN.md).
func (e *Executor) doMetaget(tokens [][]byte) Result {
	if len(tokens) != 2 {
		return reply(proto.ReplyError)
	}
	key := tokens[1]
	if !proto.ValidKey(key) {
		return reply(proto.ClientError("bad key"))
	}
	it, deleteLocked, found := e.Store.GetAllowingDeleteLocked(key)
	if !found {
		return reply(proto.ReplyEnd)
	}
	defer e.Store.Deref(it)
	dl := 0
	if deleteLocked {
		dl = 1
	}
	line := fmt.Sprintf("META %s %d %d %d\r\nEND\r\n", it.Key, it.Flags, it.ExpireAt, dl)
	return reply([]byte(line))
}

// doStoreHeader parses the add/set/replace header line and allocates the
// item, leaving value-byte collection to the connection's read loop.
// When allocation fails the item is swallowed rather than read into, but
// the client's payload must still be drained off the wire before the
// SERVER_ERROR reply goes out.
func (e *Executor) doStoreHeader(cmd string, tokens [][]byte) Result {
	if len(tokens) != 5 {
		return reply(proto.ReplyError)
	}
	key := tokens[1]
	if !proto.ValidKey(key) {
		return reply(proto.ClientError("bad command line format"))
	}
	flags, err1 := strconv.ParseUint(string(tokens[2]), 10, 32)
	exptimeRaw, err2 := strconv.ParseInt(string(tokens[3]), 10, 64)
	nbytes, err3 := strconv.Atoi(string(tokens[4]))
	if err1 != nil || err2 != nil || err3 != nil || nbytes < 0 {
		return reply(proto.ClientError("bad command line format"))
	}

	var op itemstore.Op
	switch cmd {
	case "add":
		op = itemstore.OpAdd
	case "set":
		op = itemstore.OpSet
	case "replace":
		op = itemstore.OpReplace
	}

	exptime := e.Clock.Realtime(exptimeRaw)
	it, err := e.Store.Alloc(key, uint32(flags), exptime, nbytes)
	if err != nil {
		return Result{
			NeedValue: &ParsedStore{Op: op, Item: nil, NBytes: nbytes},
			Reply:     proto.ServerError("out of memory storing object"),
		}
	}
	return Result{NeedValue: &ParsedStore{Op: op, Item: it, NBytes: nbytes}}
}

// CompleteStore runs once the connection has collected the value bytes
// for a pending add/set/replace. trailerOK reports whether the payload
// ended with the required CRLF; when it didn't, the already-allocated
// item is abandoned rather than stored.
func (e *Executor) CompleteStore(ps *ParsedStore, trailerOK bool) Result {
	if ps.Item == nil {
		// Allocation already failed at header time; the SERVER_ERROR reply
		// was queued there, and swallowing the payload needed no item.
		return Result{}
	}
	if !trailerOK {
		e.Store.Abandon(ps.Item)
		return reply(proto.ClientError("bad data chunk"))
	}
	res := e.Store.DoStore(ps.Op, ps.Item)
	e.Shard.IncrCmdSet()
	if res == itemstore.Stored {
		return reply(proto.ReplyStored)
	}
	return reply(proto.ReplyNotStored)
}

// doArith implements incr/decr.
func (e *Executor) doArith(cmd string, tokens [][]byte) Result {
	if len(tokens) != 3 {
		return reply(proto.ReplyError)
	}
	key := tokens[1]
	if !proto.ValidKey(key) {
		return reply(proto.ClientError("bad command line format"))
	}
	delta, err := strconv.ParseUint(string(tokens[2]), 10, 64)
	if err != nil {
		return reply(proto.ClientError("invalid numeric delta argument"))
	}
	formatted, ok := e.Store.Arithmetic(key, delta, cmd == "incr")
	if !ok {
		return reply(proto.ReplyNotFound)
	}
	return reply([]byte(formatted + proto.CRLF))
}

// doDelete implements immediate and deferred delete.
func (e *Executor) doDelete(tokens [][]byte) Result {
	if len(tokens) != 2 && len(tokens) != 3 {
		return reply(proto.ReplyError)
	}
	key := tokens[1]
	if !proto.ValidKey(key) {
		return reply(proto.ClientError("bad command line format"))
	}
	if len(tokens) == 2 {
		if e.Store.DeleteImmediate(key) {
			return reply(proto.ReplyDeleted)
		}
		return reply(proto.ReplyNotFound)
	}
	exptimeRaw, err := strconv.ParseInt(string(tokens[2]), 10, 64)
	if err != nil || exptimeRaw <= 0 {
		return reply(proto.ClientError("invalid exptime argument"))
	}
	deleteAt := e.Clock.Realtime(exptimeRaw)
	if err := e.Store.DeferDelete(key, deleteAt); err != nil {
		if errors.Is(err, itemstore.ErrNotFound) {
			return reply(proto.ReplyNotFound)
		}
		return reply(proto.ServerError("out of memory"))
	}
	return reply(proto.ReplyDeleted)
}

// doStats implements "stats" and "stats reset".
func (e *Executor) doStats(tokens [][]byte) Result {
	if len(tokens) == 2 && string(tokens[1]) == "reset" {
		e.StatsReg.ResetAll()
		return reply(proto.ReplyReset)
	}
	if len(tokens) != 1 {
		return reply(proto.ReplyError)
	}

	snap := e.Store.Snapshot()
	totals := e.StatsReg.Aggregate()

	var b bytes.Buffer
	fmt.Fprintf(&b, "STAT curr_items %d\r\n", snap.CurrItems)
	fmt.Fprintf(&b, "STAT total_items %d\r\n", snap.TotalItems)
	fmt.Fprintf(&b, "STAT bytes %d\r\n", snap.Bytes)
	fmt.Fprintf(&b, "STAT evictions %d\r\n", snap.Evictions)
	fmt.Fprintf(&b, "STAT expired_unfetched %d\r\n", snap.ExpiredUnfetched)
	fmt.Fprintf(&b, "STAT curr_connections %d\r\n", totals.CurrConns)
	fmt.Fprintf(&b, "STAT total_connections %d\r\n", totals.TotalConns)
	fmt.Fprintf(&b, "STAT cmd_get %d\r\n", totals.CmdGet)
	fmt.Fprintf(&b, "STAT cmd_set %d\r\n", totals.CmdSet)
	fmt.Fprintf(&b, "STAT get_hits %d\r\n", totals.GetHits)
	fmt.Fprintf(&b, "STAT get_misses %d\r\n", totals.GetMisses)
	fmt.Fprintf(&b, "STAT bytes_read %d\r\n", totals.BytesRead)
	fmt.Fprintf(&b, "STAT bytes_written %d\r\n", totals.BytesWritten)
	b.WriteString("END\r\n")
	return reply(b.Bytes())
}

// doFlushAll implements flush_all and flush_all <exptime>. The horizon is
// set one tick behind the nominal time so that a key stored in the same
// second the flush runs -- but strictly after it returns -- still gets a
// CreatedAt past oldest_live, since current_time only has whole-second
// resolution. Because that horizon leaves items created earlier in the
// same second visible, a bare flush_all also unlinks every item present
// when it runs.
func (e *Executor) doFlushAll(tokens [][]byte) Result {
	if len(tokens) > 2 {
		return reply(proto.ReplyError)
	}
	var horizon int64
	if len(tokens) == 2 {
		exptimeRaw, err := strconv.ParseInt(string(tokens[1]), 10, 64)
		if err != nil {
			return reply(proto.ClientError("invalid exptime argument"))
		}
		horizon = e.Clock.Realtime(exptimeRaw) - 1
	} else {
		horizon = e.Clock.Now() - 1
	}
	e.Clock.SetOldestLive(horizon)
	if len(tokens) == 1 {
		e.Store.FlushRegex(regexp.MustCompile(""))
	}
	return reply(proto.ReplyOK)
}

// doVerbosity maps the wire integer onto the zap level actually
// controlling log output, rather than just acknowledging it.
func (e *Executor) doVerbosity(tokens [][]byte) Result {
	if len(tokens) != 2 {
		return reply(proto.ReplyError)
	}
	n, err := strconv.Atoi(string(tokens[1]))
	if err != nil {
		return reply(proto.ClientError("bad command line format"))
	}
	e.Verbosity.Set(n)
	return reply(proto.ReplyOK)
}

// doFlushRegex invalidates every key matching a pattern in one pass,
// for bulk cache invalidation without an exhaustive key list.
func (e *Executor) doFlushRegex(tokens [][]byte) Result {
	if len(tokens) != 2 {
		return reply(proto.ReplyError)
	}
	re, err := regexp.Compile(string(tokens[1]))
	if err != nil {
		return reply(proto.ClientError("invalid regular expression"))
	}
	n := e.Store.FlushRegex(re)
	return reply([]byte(fmt.Sprintf("OK %d\r\n", n)))
}
