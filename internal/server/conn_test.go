package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/optimistdk/memcached/internal/clock"
	"github.com/optimistdk/memcached/internal/itemstore"
	"github.com/optimistdk/memcached/internal/stats"
)

// newTestServer wires a Server without starting any listener; tests drive
// handleStream directly over a net.Pipe.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	clk := clock.New(zap.NewNop())
	t.Cleanup(clk.Stop)
	store := itemstore.New(clk, 1<<20, true, zap.NewNop())
	reg := stats.NewRegistry(1)
	return New(Config{Threads: 1, ReqsPerEvent: 20}, store, clk, reg, zap.NewNop(), "1.0.0-test", NewVerbosityLevel(zap.NewAtomicLevel()))
}

func TestStreamConnSetGetRoundTrip(t *testing.T) {
	s := newTestServer(t)
	client, server := net.Pipe()
	defer client.Close()

	go s.handleStream(server, s.StatsReg.Shard(0))

	client.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Write([]byte("set foo 0 0 3\r\nbar\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "STORED\r\n", line)

	_, err = client.Write([]byte("get foo\r\n"))
	require.NoError(t, err)

	valueLine, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "VALUE foo 0 3\r\n", valueLine)

	body, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "bar\r\n", body)

	end, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "END\r\n", end)

	_, err = client.Write([]byte("quit\r\n"))
	require.NoError(t, err)
}

func TestStreamConnBadDataChunkReportsClientError(t *testing.T) {
	s := newTestServer(t)
	client, server := net.Pipe()
	defer client.Close()

	go s.handleStream(server, s.StatsReg.Shard(0))

	client.SetDeadline(time.Now().Add(5 * time.Second))
	// Declares 3 bytes but the payload's trailing bytes aren't a CRLF.
	_, err := client.Write([]byte("set bad 0 0 3\r\nbarXX"))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "CLIENT_ERROR bad data chunk\r\n", line)
}
