package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/optimistdk/memcached/internal/clock"
	"github.com/optimistdk/memcached/internal/itemstore"
	"github.com/optimistdk/memcached/internal/stats"
)

// Config is the set of knobs exposed as command-line flags.
type Config struct {
	TCPAddr      string // "" disables the TCP listener
	UDPAddr      string // "" disables the UDP listener
	UnixSocket   string // "" disables the unix-domain listener
	MaxConns     int
	Threads      int
	ReqsPerEvent int
}

// Server owns every listener and hands accepted connections off to the
// shared item store, clock, and stats registry.
type Server struct {
	Config    Config
	Store     *itemstore.Store
	Clock     *clock.Clock
	StatsReg  *stats.Registry
	Log       *zap.Logger
	Version   string
	Verbosity *VerbosityLevel

	connSem       chan struct{}
	workerCounter uint64
	wg            sync.WaitGroup

	tcpListener  net.Listener
	unixListener net.Listener
	udpConn      *net.UDPConn

	mu        sync.Mutex
	listeners []io.Closer
}

// New constructs a Server. Threads and MaxConns fall back to sane
// defaults when unset.
func New(cfg Config, store *itemstore.Store, clk *clock.Clock, statsReg *stats.Registry, log *zap.Logger, version string, verbosity *VerbosityLevel) *Server {
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 1024
	}
	return &Server{
		Config:    cfg,
		Store:     store,
		Clock:     clk,
		StatsReg:  statsReg,
		Log:       log,
		Version:   version,
		Verbosity: verbosity,
		connSem:   make(chan struct{}, cfg.MaxConns),
	}
}

// Listen binds every configured listener without accepting any
// connections yet. Splitting bind from serve lets the caller drop
// privileges (the --user flag) after binding low-numbered ports but
// before any connection is handled, mirroring the original's
// bind-as-root-then-setuid sequencing.
func (s *Server) Listen() error {
	if s.Config.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.Config.TCPAddr)
		if err != nil {
			return fmt.Errorf("server: tcp listen on %s: %w", s.Config.TCPAddr, err)
		}
		s.track(ln)
		s.tcpListener = ln
	}

	if s.Config.UnixSocket != "" {
		_ = os.Remove(s.Config.UnixSocket)
		ln, err := net.Listen("unix", s.Config.UnixSocket)
		if err != nil {
			return fmt.Errorf("server: unix listen on %s: %w", s.Config.UnixSocket, err)
		}
		s.track(ln)
		s.unixListener = ln
	}

	if s.Config.UDPAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", s.Config.UDPAddr)
		if err != nil {
			return fmt.Errorf("server: udp resolve %s: %w", s.Config.UDPAddr, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("server: udp listen on %s: %w", s.Config.UDPAddr, err)
		}
		s.track(conn)
		s.udpConn = conn
	}

	return nil
}

// Serve starts accepting on every listener bound by Listen and blocks
// until ctx is cancelled, at which point it closes all listeners and
// waits for in-flight connections to wind down.
func (s *Server) Serve(ctx context.Context) error {
	if s.tcpListener != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.tcpListener, "tcp")
		s.Log.Info("tcp listener started", zap.String("addr", s.Config.TCPAddr))
	}
	if s.unixListener != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.unixListener, "unix")
		s.Log.Info("unix listener started", zap.String("path", s.Config.UnixSocket))
	}
	if s.udpConn != nil {
		for i := 0; i < s.Config.Threads; i++ {
			s.wg.Add(1)
			go s.serveUDP(s.udpConn, i)
		}
		s.Log.Info("udp listener started", zap.String("addr", s.Config.UDPAddr), zap.Int("workers", s.Config.Threads))
	}

	<-ctx.Done()

	s.mu.Lock()
	for _, l := range s.listeners {
		l.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// ListenAndServe is the common case: bind every listener, then serve
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) track(l io.Closer) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) nextWorker() int {
	n := atomic.AddUint64(&s.workerCounter, 1)
	return int(n % uint64(s.Config.Threads))
}

// acceptLoop is the stream (TCP/unix) acceptor. It acquires a slot from
// connSem before every Accept call, so once MaxConns connections are
// outstanding the acceptor itself blocks instead of calling Accept again
// -- a Go-native stand-in for the original's "disarm the listener on
// EMFILE, rearm it when a connection closes" behavior.
func (s *Server) acceptLoop(ln net.Listener, kind string) {
	defer s.wg.Done()
	backoff := time.Millisecond
	for {
		s.connSem <- struct{}{}

		conn, err := ln.Accept()
		if err != nil {
			<-s.connSem
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.Warn("accept error, retrying", zap.String("listener", kind), zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Millisecond

		workerIdx := s.nextWorker()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.connSem }()
			s.handleStream(conn, s.StatsReg.Shard(workerIdx))
		}()
	}
}
