// Package jobmanager launches orchestrator runs as detached subprocesses
// and tracks them in an append-only JSONL registry: pid, label, log path,
// argv, and start time. Follows the same exec.Cmd subprocess pattern as
// cmd/zoekt-indexserver/main.go's loggedRun, generalized from "run and log
// a command synchronously" into "launch detached, record it, and allow
// later tail/stop/status."
package jobmanager

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/commoncrawl/ccindex"
)

// Signal names accepted by Stop.
type Signal int

const (
	SignalTerm Signal = iota
	SignalKill
	SignalInterrupt
)

func (s Signal) os() syscall.Signal {
	switch s {
	case SignalKill:
		return syscall.SIGKILL
	case SignalInterrupt:
		return syscall.SIGINT
	default:
		return syscall.SIGTERM
	}
}

// Manager launches and tracks background Orchestrator subprocesses. A
// Manager is safe for concurrent use.
type Manager struct {
	logDir   string
	registry string
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewManager builds a Manager that writes job logs under logDir and
// appends job records to registryPath (a JSONL file).
func NewManager(logDir, registryPath string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logDir: logDir, registry: registryPath, logger: logger}
}

// PlanCommand produces the argv for launching an orchestrator run: the
// binary path, persisted base flags, and any per-run overrides appended
// last so they win.
func PlanCommand(binary string, baseFlags, overrides []string) []string {
	argv := make([]string, 0, 1+len(baseFlags)+len(overrides))
	argv = append(argv, binary)
	argv = append(argv, baseFlags...)
	argv = append(argv, overrides...)
	return argv
}

// Start launches argv as a detached subprocess, merging stdout+stderr into
// <log_dir>/<label>_<timestamp>.log, and appends a Job record to the
// registry. It returns immediately; the subprocess continues running after
// this call returns and after the Manager's own process could exit, since
// no parent/child pipe is held open.
func (m *Manager) Start(label string, argv []string) (ccindex.Job, error) {
	if len(argv) == 0 {
		return ccindex.Job{}, ccindex.Wrap(ccindex.KindUserError, "jobmanager", label, fmt.Errorf("argv must not be empty"))
	}
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return ccindex.Job{}, ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", m.logDir, err)
	}

	startedAt := time.Now()
	logName := fmt.Sprintf("%s_%s.log", sanitizeLabel(label), startedAt.UTC().Format("20060102T150405Z"))
	logPath := filepath.Join(m.logDir, logName)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ccindex.Job{}, ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", logPath, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Detach from the Manager process group so the job survives the
	// Manager exiting.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return ccindex.Job{}, ccindex.Wrap(ccindex.KindFatal, "jobmanager", label, err)
	}

	job := ccindex.Job{
		PID:       cmd.Process.Pid,
		Label:     label,
		LogPath:   logPath,
		Cmd:       argv,
		StartedAt: startedAt,
	}

	// The subprocess is detached: release it and close our handle to the
	// log file so the OS, not this process, owns its lifetime.
	go func() {
		cmd.Wait()
		logFile.Close()
	}()

	if err := m.appendRegistry(job); err != nil {
		return job, err
	}
	m.logger.Info("started job", zap.String("label", label), zap.Int("pid", job.PID), zap.String("log_path", logPath))
	return job, nil
}

func sanitizeLabel(label string) string {
	r := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	return r.Replace(label)
}

func (m *Manager) appendRegistry(job ccindex.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.registry), 0o755); err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", m.registry, err)
	}
	f, err := os.OpenFile(m.registry, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", m.registry, err)
	}
	defer f.Close()

	b, err := json.Marshal(job)
	if err != nil {
		return ccindex.Wrap(ccindex.KindFatal, "jobmanager", m.registry, err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", m.registry, err)
	}
	return nil
}

// Stop sends sig to pid. Returns an error wrapping KindUserError if the
// process is already gone.
func (m *Manager) Stop(pid int, sig Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return ccindex.Wrap(ccindex.KindUserError, "jobmanager", fmt.Sprintf("pid=%d", pid), err)
	}
	if err := proc.Signal(sig.os()); err != nil {
		return ccindex.Wrap(ccindex.KindUserError, "jobmanager", fmt.Sprintf("pid=%d", pid), err)
	}
	return nil
}

// Status reports whether pid is alive, checked by sending signal 0.
func (m *Manager) Status(pid int) (alive bool, err error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}

// Tail returns the last n lines of the job's log file at logPath.
func Tail(logPath string, n int) ([]string, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", logPath, err)
	}
	defer f.Close()

	var all []string
	scan := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scan.Buffer(buf, 8*1024*1024)
	for scan.Scan() {
		all = append(all, scan.Text())
	}
	if err := scan.Err(); err != nil && err != io.EOF {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", logPath, err)
	}

	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// ListJobs reads the registry file and returns up to limit most-recent
// entries (0 means "all"). The registry is append-only, so the most recent
// entries are the last lines.
func ListJobs(registryPath string, limit int) ([]ccindex.Job, error) {
	f, err := os.Open(registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", registryPath, err)
	}
	defer f.Close()

	var jobs []ccindex.Job
	scan := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scan.Buffer(buf, 8*1024*1024)
	for scan.Scan() {
		line := scan.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var j ccindex.Job
		if err := json.Unmarshal([]byte(line), &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	if err := scan.Err(); err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "jobmanager", registryPath, err)
	}

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[len(jobs)-limit:]
	}
	return jobs, nil
}
