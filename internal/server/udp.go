package server

import (
	"bytes"
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/optimistdk/memcached/internal/proto"
	"github.com/optimistdk/memcached/internal/stats"
)

// serveUDP is one of Config.Threads goroutines all calling ReadFrom
// concurrently on the same *net.UDPConn -- Go's documented-safe
// equivalent of the kernel fanning datagrams out across worker threads
// sharing one socket.
func (s *Server) serveUDP(conn *net.UDPConn, workerIdx int) {
	defer s.wg.Done()
	shard := s.StatsReg.Shard(workerIdx)
	buf := make([]byte, proto.UDPMaxPayloadSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.Warn("udp read error", zap.Error(err))
			continue
		}
		s.handleDatagram(conn, addr, buf[:n], shard)
	}
}

// handleDatagram processes one UDP request. Unlike a TCP connection, a
// UDP request's value payload (if any) must already be present in the
// same datagram: there is no Nread state to suspend into while more
// bytes arrive.
func (s *Server) handleDatagram(conn *net.UDPConn, addr net.Addr, datagram []byte, shard *stats.Shard) {
	hdr, err := proto.DecodeUDPHeader(datagram)
	if err != nil {
		s.Log.Debug("dropping short udp datagram", zap.Error(err))
		return
	}
	if hdr.Sequence != 0 || hdr.Total != 1 {
		s.Log.Debug("dropping multi-datagram udp request, unsupported", zap.Uint16("total", hdr.Total))
		return
	}
	body := datagram[proto.UDPHeaderSize:]
	shard.AddBytesRead(len(datagram))

	cmdLine, rest := splitFirstLine(body)

	exec := &Executor{
		Store:     s.Store,
		Clock:     s.Clock,
		StatsReg:  s.StatsReg,
		Shard:     shard,
		Log:       s.Log,
		Version:   s.Version,
		Verbosity: s.Verbosity,
	}

	res := exec.Dispatch(cmdLine)
	if res.NeedValue != nil {
		res = completeUDPStore(exec, res.NeedValue, rest, res.Reply)
	}
	if res.Close {
		return // `quit` over UDP: nothing to close, just stop replying.
	}

	var frags []proto.Fragment
	switch {
	case len(res.Frags) > 0:
		frags = res.Frags
	case res.Reply != nil:
		frags = []proto.Fragment{{Data: res.Reply}}
	default:
		return
	}
	for _, it := range res.PinnedItems {
		s.Store.Deref(it)
	}

	for _, dg := range proto.FragmentDatagrams(hdr.RequestID, frags) {
		if _, err := conn.WriteTo(dg, addr); err != nil {
			s.Log.Debug("udp write failed, dropping remainder of response", zap.Error(err))
			return
		}
		shard.AddBytesWritten(len(dg))
	}
}

// splitFirstLine separates a datagram body's command line from whatever
// follows it (a store command's value bytes, if any).
func splitFirstLine(body []byte) (line, rest []byte) {
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		return bytes.TrimRight(body[:i], "\r"), body[i+1:]
	}
	return bytes.TrimRight(body, "\r"), nil
}

// completeUDPStore finishes an add/set/replace whose value bytes must
// already be present in rest, since UDP offers no way to block for more.
func completeUDPStore(exec *Executor, ps *ParsedStore, rest []byte, pendingReply []byte) Result {
	if ps.Item == nil {
		return reply(pendingReply)
	}
	need := ps.NBytes + 2
	if len(rest) < need {
		exec.Store.Abandon(ps.Item)
		return reply(proto.ClientError("bad data chunk"))
	}
	copy(ps.Item.Value, rest[:ps.NBytes])
	trailerOK := rest[ps.NBytes] == '\r' && rest[ps.NBytes+1] == '\n'
	return exec.CompleteStore(ps, trailerOK)
}
