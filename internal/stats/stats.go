// Package stats tracks per-worker command counters and aggregates them on
// demand, keeping the hot command path free of cross-goroutine contention.
package stats

import "sync/atomic"

// Shard is one worker's counter set. Every connection goroutine assigned
// to the same worker index updates the same Shard, and the stats command's
// Aggregate reads it from yet another goroutine, so every counter is an
// atomic.
type Shard struct {
	cmdGet       atomic.Uint64
	cmdSet       atomic.Uint64
	getHits      atomic.Uint64
	getMisses    atomic.Uint64
	currConns    atomic.Int64
	totalConns   atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

func (s *Shard) IncrCmdGet()            { s.cmdGet.Add(1) }
func (s *Shard) IncrCmdSet()            { s.cmdSet.Add(1) }
func (s *Shard) IncrGetHit()            { s.getHits.Add(1) }
func (s *Shard) IncrGetMiss()           { s.getMisses.Add(1) }
func (s *Shard) ConnOpened()            { s.currConns.Add(1); s.totalConns.Add(1) }
func (s *Shard) ConnClosed()            { s.currConns.Add(-1) }
func (s *Shard) AddBytesRead(n int)     { s.bytesRead.Add(uint64(n)) }
func (s *Shard) AddBytesWritten(n int)  { s.bytesWritten.Add(uint64(n)) }

// Reset zeroes every counter in the shard (backs the `stats reset`
// command).
func (s *Shard) Reset() {
	s.cmdGet.Store(0)
	s.cmdSet.Store(0)
	s.getHits.Store(0)
	s.getMisses.Store(0)
	s.totalConns.Store(0)
	s.bytesRead.Store(0)
	s.bytesWritten.Store(0)
	// currConns is a gauge, not a counter: it must survive a reset since
	// it reflects connections that are still open.
}

// Totals is the aggregated view of every worker's Shard, combined with
// the item store's own gauges by the caller.
type Totals struct {
	CmdGet       uint64
	CmdSet       uint64
	GetHits      uint64
	GetMisses    uint64
	CurrConns    int64
	TotalConns   uint64
	BytesRead    uint64
	BytesWritten uint64
}

// Registry owns one Shard per worker and aggregates them on demand.
type Registry struct {
	shards []*Shard
}

// NewRegistry allocates n per-worker shards.
func NewRegistry(n int) *Registry {
	r := &Registry{shards: make([]*Shard, n)}
	for i := range r.shards {
		r.shards[i] = &Shard{}
	}
	return r
}

// Shard returns worker i's private counter set.
func (r *Registry) Shard(i int) *Shard { return r.shards[i] }

// Aggregate sums every shard into one Totals snapshot.
func (r *Registry) Aggregate() Totals {
	var t Totals
	for _, s := range r.shards {
		t.CmdGet += s.cmdGet.Load()
		t.CmdSet += s.cmdSet.Load()
		t.GetHits += s.getHits.Load()
		t.GetMisses += s.getMisses.Load()
		t.CurrConns += s.currConns.Load()
		t.TotalConns += s.totalConns.Load()
		t.BytesRead += s.bytesRead.Load()
		t.BytesWritten += s.bytesWritten.Load()
	}
	return t
}

// ResetAll zeroes every shard's counters (stats reset).
func (r *Registry) ResetAll() {
	for _, s := range r.shards {
		s.Reset()
	}
}
