package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"runtime"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/optimistdk/memcached/internal/itemstore"
	"github.com/optimistdk/memcached/internal/proto"
	"github.com/optimistdk/memcached/internal/stats"
)

const (
	initialReadBufferSize = 2048
	// maxLineSize guards against an unterminated or adversarial command
	// line growing the read buffer without bound.
	maxLineSize = 8192
)

// streamConn drives one TCP or unix-domain connection through its
// read/collect-value/write states as a straight-line loop over ordinary
// blocking I/O: the Go runtime parks the goroutine on a short read
// instead of returning EAGAIN, so an event loop's suspend/rearm
// bookkeeping has no Go-native counterpart to implement.
type streamConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	exec         *Executor
	shard        *stats.Shard
	log          *zap.Logger
	reqsPerEvent int
}

func (s *Server) handleStream(conn net.Conn, shard *stats.Shard) {
	defer conn.Close()
	shard.ConnOpened()
	defer shard.ConnClosed()

	c := &streamConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, initialReadBufferSize),
		exec: &Executor{
			Store:     s.Store,
			Clock:     s.Clock,
			StatsReg:  s.StatsReg,
			Shard:     shard,
			Log:       s.Log,
			Version:   s.Version,
			Verbosity: s.Verbosity,
		},
		shard: shard,
		log: s.Log.With(
			zap.String("conn", uuid.NewString()),
			zap.String("remote", conn.RemoteAddr().String()),
		),
		reqsPerEvent: s.Config.ReqsPerEvent,
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("connection handler panicked, closing", zap.Any("panic", r))
		}
	}()

	c.drive()
}

// drive is the connection's Read-state loop: parse a command, run it,
// collect a value payload if the command needs one (Nread/Swallow), and
// write the reply (Write/Mwrite) before looping back for the next line.
func (c *streamConn) drive() {
	processed := 0
	for {
		line, err := c.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("read error, closing", zap.Error(err))
			}
			return // Closing
		}
		c.shard.AddBytesRead(len(line) + 2)

		res := c.exec.Dispatch(line)
		if res.NeedValue != nil {
			res = c.collectValue(res.NeedValue, res.Reply)
		}

		if len(res.Frags) > 0 {
			ok := c.writeFragments(res.Frags)
			c.releasePinned(res.PinnedItems)
			if !ok {
				return
			}
		} else if res.Reply != nil {
			if !c.writeReply(res.Reply) {
				return
			}
		}

		if res.Close {
			return
		}

		// reqs_per_event bounds how many commands one connection processes
		// before voluntarily yielding -- a carry-over knob from the
		// original's shared event loop. Go's preemptive scheduler already
		// gives every goroutine a fair shot, so this only needs to nudge
		// the scheduler, not gate correctness.
		processed++
		if c.reqsPerEvent > 0 && processed%c.reqsPerEvent == 0 {
			runtime.Gosched()
		}
	}
}

func (c *streamConn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, errors.New("server: command line too long")
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// collectValue implements the Nread/Swallow states for add/set/replace:
// read the value bytes (or discard them, if allocation already failed)
// plus their trailing CRLF, then complete the store.
func (c *streamConn) collectValue(ps *ParsedStore, pendingReply []byte) Result {
	if ps.Item == nil {
		if _, err := io.CopyN(io.Discard, c.reader, int64(ps.NBytes+2)); err != nil {
			return Result{Close: true}
		}
		return reply(pendingReply)
	}

	if _, err := io.ReadFull(c.reader, ps.Item.Value); err != nil {
		c.exec.Store.Abandon(ps.Item)
		return Result{Close: true}
	}
	var trailer [2]byte
	if _, err := io.ReadFull(c.reader, trailer[:]); err != nil {
		c.exec.Store.Abandon(ps.Item)
		return Result{Close: true}
	}
	trailerOK := trailer[0] == '\r' && trailer[1] == '\n'
	return c.exec.CompleteStore(ps, trailerOK)
}

func (c *streamConn) writeReply(b []byte) bool {
	if _, err := c.conn.Write(b); err != nil {
		c.log.Debug("write error, closing", zap.Error(err))
		return false
	}
	c.shard.AddBytesWritten(len(b))
	return true
}

// writeFragments is the Mwrite state: a multi-key get reply is handed to
// the kernel as one scatter/gather net.Buffers write instead of many
// small Write calls.
func (c *streamConn) writeFragments(frags []proto.Fragment) bool {
	bufs := make(net.Buffers, len(frags))
	var total int
	for i, f := range frags {
		bufs[i] = f.Data
		total += len(f.Data)
	}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		c.log.Debug("mwrite error, closing", zap.Error(err))
		return false
	}
	c.shard.AddBytesWritten(total)
	return true
}

func (c *streamConn) releasePinned(items []*itemstore.Item) {
	for _, it := range items {
		c.exec.Store.Deref(it)
	}
}
