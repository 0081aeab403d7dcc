// Command memcached runs the cache server: a cobra CLI wiring the item
// store, clock, stats registry, and connection handling together behind
// a set of command-line flags.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/optimistdk/memcached/internal/clock"
	"github.com/optimistdk/memcached/internal/itemstore"
	"github.com/optimistdk/memcached/internal/logging"
	"github.com/optimistdk/memcached/internal/server"
	"github.com/optimistdk/memcached/internal/stats"
)

// version is overridden via -ldflags at build time.
var version = "dev"

type cliFlags struct {
	port             int
	udpPort          int
	socket           string
	listen           string
	memoryLimitMB    int
	maxConns         int
	disableEvictions bool
	threads          int
	reqsPerEvent     int
	verbosity        int
	daemonize        bool
	pidFile          string
	user             string
	logFile          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &cliFlags{}
	cmd := &cobra.Command{
		Use:     "memcached",
		Short:   "An in-memory key/value cache server",
		Long:    "memcached is a text-protocol, in-memory key/value cache server with an LRU-evicting item store and a lazy expiration model.",
		Version: version,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(f)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&f.port, "port", 11211, "TCP text port (0 disables the TCP listener)")
	flags.IntVar(&f.udpPort, "udp-port", 0, "UDP port (0 disables the UDP listener)")
	flags.StringVar(&f.socket, "socket", "", "unix domain socket path (mutually exclusive with --port)")
	flags.StringVar(&f.listen, "listen", "0.0.0.0", "bind address")
	flags.IntVar(&f.memoryLimitMB, "memory-limit-mb", 64, "cache byte budget in MiB")
	flags.IntVar(&f.maxConns, "max-conns", 1024, "maximum simultaneous connections")
	flags.BoolVar(&f.disableEvictions, "disable-evictions", false, "disable LRU eviction; storing fails with an out-of-memory error once the budget is exhausted")
	flags.IntVar(&f.threads, "threads", 4, "worker pool size")
	flags.IntVar(&f.reqsPerEvent, "reqs-per-event", 20, "commands a connection processes before yielding")
	flags.IntVar(&f.verbosity, "verbosity", 0, "initial log verbosity (0-2)")
	flags.BoolVar(&f.daemonize, "daemonize", false, "detach from the controlling terminal")
	flags.StringVar(&f.pidFile, "pid-file", "", "write the process pid to this path")
	flags.StringVar(&f.user, "user", "", "drop privileges to this user after binding (requires root)")
	flags.StringVar(&f.logFile, "log-file", "", "optional rotated log file; logs to stderr when unset")

	return cmd
}

func run(f *cliFlags) error {
	if f.socket != "" && f.port != 0 {
		return fmt.Errorf("memcached: --socket and --port are mutually exclusive")
	}

	if f.daemonize {
		detached, err := daemonize()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if detached {
			return nil // parent process: the re-exec'd child carries on
		}
	}

	log, atomicLevel, closeLog, err := logging.New(logging.Config{
		Level:      verbosityLevelName(f.verbosity),
		FilePath:   f.logFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog()

	if f.pidFile != "" {
		if err := writePIDFile(f.pidFile); err != nil {
			return fmt.Errorf("pid file: %w", err)
		}
		defer os.Remove(f.pidFile)
	}

	clk := clock.New(log)
	defer clk.Stop()

	store := itemstore.New(clk, int64(f.memoryLimitMB)*1024*1024, !f.disableEvictions, log)

	statsThreads := f.threads
	if statsThreads <= 0 {
		statsThreads = 1
	}
	statsReg := stats.NewRegistry(statsThreads)

	verbosity := server.NewVerbosityLevel(atomicLevel)
	verbosity.Set(f.verbosity)

	cfg := server.Config{
		MaxConns:     f.maxConns,
		Threads:      f.threads,
		ReqsPerEvent: f.reqsPerEvent,
	}
	switch {
	case f.socket != "":
		cfg.UnixSocket = f.socket
	case f.port != 0:
		cfg.TCPAddr = net.JoinHostPort(f.listen, strconv.Itoa(f.port))
	}
	if f.udpPort != 0 {
		cfg.UDPAddr = net.JoinHostPort(f.listen, strconv.Itoa(f.udpPort))
	}

	srv := server.New(cfg, store, clk, statsReg, log, version, verbosity)

	if err := srv.Listen(); err != nil {
		return err
	}

	if f.user != "" {
		if err := dropPrivileges(f.user); err != nil {
			return fmt.Errorf("drop privileges: %w", err)
		}
		log.Info("privileges dropped", zap.String("user", f.user))
	}

	stopSweeper := make(chan struct{})
	go store.StartSweeper(stopSweeper)
	defer close(stopSweeper)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("memcached starting",
		zap.String("version", version),
		zap.Int("memory_limit_mb", f.memoryLimitMB),
		zap.Bool("evictions_enabled", !f.disableEvictions),
	)

	if err := srv.Serve(ctx); err != nil {
		return err
	}

	log.Info("memcached stopped cleanly")
	return nil
}

func verbosityLevelName(v int) string {
	if v <= 0 {
		return "info"
	}
	return "debug"
}
