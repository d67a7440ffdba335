package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by acquirePIDFile when path names a live
// process's PID (spec §6 "a second start refuses if the pid is live").
var ErrAlreadyRunning = fmt.Errorf("haggled: another instance is already running")

// acquirePIDFile claims path for this process, refusing if it already
// names a live PID. Simpler than a real flock (steveyegge-beads'
// daemonrunner takes an OS file lock plus a PID file); a liveness probe
// via signal 0 is enough to satisfy spec §6's "refuses if the pid is
// live" without a second lock file.
func acquirePIDFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, ok := parsePID(data); ok && pid != os.Getpid() && processLive(pid) {
			return nil, ErrAlreadyRunning
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("haggled: creating pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("haggled: writing pid file: %w", err)
	}

	return func() { _ = os.Remove(path) }, nil
}

func parsePID(data []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processLive reports whether pid is a running process, using signal 0
// (no actual signal delivered, just existence/permission checked).
func processLive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
