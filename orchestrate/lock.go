package orchestrate

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/commoncrawl/ccindex"
)

// Lock is a pidfile-based advisory lock used to detect another
// orchestrator-like process before destructive operations (cleanup).
// Follows the same single-instance pidfile guard used elsewhere in the
// ambient stack: TryLock never blocks, it just checks whether the
// recorded pid is still alive.
type Lock struct {
	path string
	held bool
}

// NewLock returns a Lock backed by a pidfile at path (conventionally
// "<log_dir>/.orchestrator.lock").
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// TryLock attempts to acquire the lock. It returns a *ccindex.Error with
// KindContention if another process's pidfile is present and that pid is
// still alive.
func (l *Lock) TryLock() error {
	if pid, alive, err := l.readAndCheck(); err != nil {
		return err
	} else if alive {
		return ccindex.Wrap(ccindex.KindContention, "orchestrate", l.path, fmt.Errorf("another orchestrator process (pid %d) appears alive", pid))
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "orchestrate", l.path, err)
	}
	l.held = true
	return nil
}

// Unlock removes the pidfile if this process holds the lock.
func (l *Lock) Unlock() error {
	if !l.held {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return ccindex.Wrap(ccindex.KindTransientIO, "orchestrate", l.path, err)
	}
	l.held = false
	return nil
}

func (l *Lock) readAndCheck() (pid int, alive bool, err error) {
	data, readErr := os.ReadFile(l.path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return 0, false, nil
		}
		return 0, false, ccindex.Wrap(ccindex.KindTransientIO, "orchestrate", l.path, readErr)
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr != nil {
		// A corrupt pidfile is treated as stale, not as contention.
		return 0, false, nil
	}
	return pid, processAlive(pid), nil
}

// processAlive reports whether pid refers to a live process, using the
// conventional Unix liveness check (signal 0 delivery, no actual signal
// sent).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscallSigZero) == nil
}
