// Package clock provides the cache's notion of time: a monotonic counter of
// whole seconds since the server started, and the "oldest_live" flush
// horizon used by flush_all.
//
// current_time is written by a single ticker goroutine and oldest_live by
// flush_all; both are read by many command-processing goroutines without
// a lock. A relaxed atomic load is
// sufficient because staleness of at most one tick is harmless: every
// consumer already tolerates a item living or dying a second later than
// the wall clock would suggest.
package clock

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// NeverExpire is the sentinel ExpireAt value meaning "does not expire".
const NeverExpire int64 = 0

// Clock tracks current_time (seconds since started) and oldest_live.
//
// started is wall time at construction minus a 2 second backdate: this
// keeps current_time strictly positive from the first tick and gives a
// little slack against clients that computed an exptime against a
// slightly-earlier wall clock.
type Clock struct {
	started     time.Time
	currentTime atomic.Int64
	oldestLive  atomic.Int64

	log    *zap.Logger
	stop   chan struct{}
	ticker *time.Ticker
}

// New constructs a Clock and starts its one-second ticker goroutine.
func New(log *zap.Logger) *Clock {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Clock{
		started: time.Now().Add(-2 * time.Second),
		log:     log,
		stop:    make(chan struct{}),
	}
	c.oldestLive.Store(-1)
	c.currentTime.Store(c.secondsSince(time.Now()))
	c.ticker = time.NewTicker(time.Second)
	go c.run()
	return c
}

func (c *Clock) secondsSince(t time.Time) int64 {
	return int64(t.Sub(c.started) / time.Second)
}

func (c *Clock) run() {
	for {
		select {
		case now := <-c.ticker.C:
			c.currentTime.Store(c.secondsSince(now))
		case <-c.stop:
			c.ticker.Stop()
			return
		}
	}
}

// Stop terminates the ticker goroutine. Safe to call once.
func (c *Clock) Stop() {
	close(c.stop)
}

// Now returns current_time: whole seconds since the server started.
func (c *Clock) Now() int64 {
	return c.currentTime.Load()
}

// Started returns the wall-clock instant current_time is measured from.
func (c *Clock) Started() time.Time {
	return c.started
}

// OldestLive returns the current flush horizon, or -1 if none is set.
func (c *Clock) OldestLive() int64 {
	return c.oldestLive.Load()
}

// SetOldestLive installs a new flush horizon effective immediately: any
// item created at or before t is treated as absent.
func (c *Clock) SetOldestLive(t int64) {
	c.oldestLive.Store(t)
	c.log.Debug("oldest_live updated", zap.Int64("oldest_live", t))
}

// Expired reports whether an item with the given expireAt/createdAt is
// absent: exptime != never && exptime <= now, or created <= oldest_live.
func (c *Clock) Expired(expireAt, createdAt int64) bool {
	now := c.Now()
	if expireAt != NeverExpire && expireAt <= now {
		return true
	}
	if ol := c.OldestLive(); ol >= 0 && createdAt <= ol {
		return true
	}
	return false
}

// Realtime converts a wire-level exptime into an internal server-seconds
// value:
//   - 0 means never expire
//   - values <= 30 days are seconds-from-now
//   - larger values are absolute UNIX timestamps
//   - an absolute timestamp at-or-before started is coerced to
//     "1 second after started" to avoid wraparound into the past.
func (c *Clock) Realtime(exptime int64) int64 {
	const thirtyDays = 30 * 24 * 60 * 60
	if exptime == 0 {
		return NeverExpire
	}
	if exptime <= thirtyDays {
		return c.Now() + exptime
	}
	startedUnix := c.started.Unix()
	if exptime <= startedUnix {
		return 1
	}
	return exptime - startedUnix
}
