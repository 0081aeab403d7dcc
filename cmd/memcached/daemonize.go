package main

import (
	"os"
	"os/exec"
	"syscall"
)

// daemonizedEnv marks a re-exec'd child so it knows not to detach again.
const daemonizedEnv = "MEMCACHED_DAEMONIZED=1"

// daemonize detaches the process from its controlling terminal. A
// classic double-fork isn't idiomatic Go (there is no fork(2) wrapped by
// the runtime); instead this re-execs the same binary with the same
// arguments in a new session, redirects its standard streams to
// /dev/null, and lets the original process exit. Returns detached=true
// in the parent, once the child has been launched.
func daemonize() (detached bool, err error) {
	if os.Getenv("MEMCACHED_DAEMONIZED") != "" {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer devNull.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonizedEnv)
	child.Stdin = devNull
	child.Stdout = devNull
	child.Stderr = devNull
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return false, err
	}
	return true, nil
}
